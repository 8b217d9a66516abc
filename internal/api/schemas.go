package api

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"cirunner/internal/models"
	"cirunner/internal/pipeline"
)

type CreatePipeline struct {
	Name       string           `json:"name"`
	Repository string           `json:"repository"`
	Config     *pipeline.Config `json:"config"`
}

func (c *CreatePipeline) validate() error {
	var errs []error

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}

	c.Repository = strings.TrimSpace(c.Repository)
	if c.Repository == "" {
		errs = append(errs, errors.New("repository is empty"))
	}

	if c.Config == nil {
		errs = append(errs, errors.New("config is missing"))
	} else if err := c.Config.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

type TriggerRun struct {
	Metadata map[string]any `json:"metadata"`
}

type PipelineResponse struct {
	models.Pipeline
	Config json.RawMessage `json:"config"`
}

func newPipelineResponse(p *models.Pipeline) PipelineResponse {
	return PipelineResponse{Pipeline: *p, Config: rawOrEmpty(p.Config)}
}

type RunResponse struct {
	models.PipelineRun
	TriggerMetadata json.RawMessage `json:"triggerMetadata"`
	Jobs            []models.Job    `json:"jobs,omitempty"`
}

func newRunResponse(r *models.PipelineRun, jobs []models.Job) RunResponse {
	return RunResponse{PipelineRun: *r, TriggerMetadata: rawOrEmpty(r.TriggerMetadata), Jobs: jobs}
}

type WebhookResponse struct {
	RunID      uuid.UUID        `json:"run_id"`
	PipelineID uuid.UUID        `json:"pipeline_id"`
	Status     models.RunStatus `json:"status"`
}

func rawOrEmpty(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("{}")
	}
	return data
}
