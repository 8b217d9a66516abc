package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"cirunner/internal/locks"
	"cirunner/internal/logstream"
)

// KeepAliveInterval is how often an idle live stream sends a comment line
var KeepAliveInterval = 15 * time.Second

type LogHandler struct {
	logs *logstream.Service
}

func NewLogHandler(logs *logstream.Service) *LogHandler {
	return &LogHandler{logs: logs}
}

// ListLogs returns the persisted log of a job
func (l *LogHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "jobID")
	if !ok {
		return
	}

	records, err := l.logs.List(r.Context(), id)
	if err != nil {
		serveError(w, err, "Failed to fetch logs")
		return
	}
	serveJson(w, records)
}

type StreamRouter struct {
	logs   *logstream.Service
	router chi.Router
}

func (s *StreamRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	s.router.ServeHTTP(writer, request)
}

func NewStreamRouter(logs *logstream.Service) *StreamRouter {
	s := &StreamRouter{logs: logs, router: chi.NewRouter()}
	s.router.Get("/logs", s.StreamLogs)
	s.router.Get("/logs/{jobID}", s.StreamLogs)
	return s
}

// StreamLogs sends live log events as server-sent events, for one job or for every job
func (s *StreamRouter) StreamLogs(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.Nil
	if chi.URLParam(r, "jobID") != "" {
		id, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		jobID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.logs.Subscribe(jobID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error().Err(err).Int64("record_id", e.RecordID).Msg("Could not encode log event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.RecordID, data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type DeploymentRouter struct {
	db     *sqlx.DB
	router chi.Router
}

func (d *DeploymentRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	d.router.ServeHTTP(writer, request)
}

func NewDeploymentRouter(db *sqlx.DB) *DeploymentRouter {
	d := &DeploymentRouter{db: db, router: chi.NewRouter()}
	d.router.Get("/locks", d.ListLocks)
	return d
}

// ListLocks shows which environments are being deployed and by whom
func (d *DeploymentRouter) ListLocks(w http.ResponseWriter, r *http.Request) {
	held, err := locks.List(r.Context(), d.db)
	if err != nil {
		serveError(w, err, "Failed to fetch deployment locks")
		return
	}
	serveJson(w, held)
}
