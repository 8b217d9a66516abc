package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"cirunner/internal/logstream"
	"cirunner/internal/pipeline"
	"cirunner/internal/queue"
)

type Server struct {
	router *chi.Mux
}

// Services are the stores the API reads from and triggers through
type Services struct {
	DB        *sqlx.DB
	Pipelines *pipeline.Store
	Runs      *pipeline.Runs
	Logs      *logstream.Service
}

// New creates a new API server instance
func New(services Services) *Server {
	s := &Server{
		router: chi.NewRouter(),
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/pipelines", NewPipelineRouter(services.Pipelines, services.Runs))
		r.Mount("/runs", NewRunRouter(services.Runs))
		r.Mount("/webhooks", NewWebhookRouter(services.Pipelines, services.Runs))
		r.Get("/jobs/{jobID}/logs", NewLogHandler(services.Logs).ListLogs)
		r.Mount("/stream", NewStreamRouter(services.Logs))
		r.Mount("/deployments", NewDeploymentRouter(services.DB))
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	serveJsonStatus(w, http.StatusOK, payload)
}

func serveJsonStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// serveError maps store errors onto status codes. Anything unexpected is logged and reported as
// an internal error with msg.
func serveError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, pipeline.ErrPipelineNotFound),
		errors.Is(err, pipeline.ErrRunNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pipeline.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s", name), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
