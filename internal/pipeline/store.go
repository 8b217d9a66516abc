package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cirunner/internal/models"
)

var ErrPipelineNotFound = errors.New("pipeline not found")

// Store keeps pipeline definitions
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, name, repository string, config *Config) (*models.Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	var p models.Pipeline
	err = s.db.GetContext(ctx, &p, `
INSERT INTO pipelines (name, repository, config)
VALUES ($1, $2, $3::JSONB)
RETURNING *
`, name, repository, string(data))
	if err != nil {
		return nil, fmt.Errorf("could not create pipeline %q: %w", name, err)
	}
	return &p, nil
}

// Update replaces the definition of a pipeline
func (s *Store) Update(ctx context.Context, id uuid.UUID, name, repository string, config *Config) (*models.Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}

	var p models.Pipeline
	err = s.db.GetContext(ctx, &p, `
UPDATE pipelines
SET name       = $2,
	repository = $3,
	config     = $4::JSONB,
	updated_at = NOW()
WHERE id = $1
RETURNING *
`, id, name, repository, string(data))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPipelineNotFound
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

// Delete removes a pipeline together with its runs, jobs and logs
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Pipeline, error) {
	var p models.Pipeline
	err := s.db.GetContext(ctx, &p, `SELECT * FROM pipelines WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPipelineNotFound
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByRepository returns the most recent pipeline registered for repository
func (s *Store) FindByRepository(ctx context.Context, repository string) (*models.Pipeline, error) {
	var p models.Pipeline
	err := s.db.GetContext(ctx, &p, `
SELECT *
FROM pipelines
WHERE repository = $1
ORDER BY created_at DESC
LIMIT 1
`, repository)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPipelineNotFound
	} else if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) List(ctx context.Context) ([]models.Pipeline, error) {
	pipelines := []models.Pipeline{}
	err := s.db.SelectContext(ctx, &pipelines, `SELECT * FROM pipelines ORDER BY created_at DESC`)
	return pipelines, err
}

// DecodeConfig reads the stored definition of p
func DecodeConfig(p *models.Pipeline) (*Config, error) {
	var config Config
	if err := json.Unmarshal(p.Config, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &config, nil
}
