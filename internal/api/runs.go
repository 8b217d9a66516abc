package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cirunner/internal/pipeline"
)

type RunRouter struct {
	runs   *pipeline.Runs
	router chi.Router
}

func (rr *RunRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	rr.router.ServeHTTP(writer, request)
}

func NewRunRouter(runs *pipeline.Runs) *RunRouter {
	rr := &RunRouter{runs: runs, router: chi.NewRouter()}
	rr.router.Get("/", rr.ListRuns)
	rr.router.Get("/{runID}", rr.GetRun)
	return rr
}

// ListRuns lists the latest runs, optionally of one pipeline with ?pipeline_id=
func (rr *RunRouter) ListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID := uuid.Nil
	if raw := r.URL.Query().Get("pipeline_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid pipeline_id", http.StatusBadRequest)
			return
		}
		pipelineID = id
	}
	listRuns(w, r, rr.runs, pipelineID)
}

func (rr *RunRouter) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "runID")
	if !ok {
		return
	}

	run, err := rr.runs.Get(r.Context(), id)
	if err != nil {
		serveError(w, err, "Failed to fetch run")
		return
	}
	serveJson(w, newRunResponse(&run.PipelineRun, run.Jobs))
}
