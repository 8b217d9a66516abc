package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cirunner/internal/pipeline"
)

type PipelineRouter struct {
	pipelines *pipeline.Store
	runs      *pipeline.Runs
	router    chi.Router
}

func (p *PipelineRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	p.router.ServeHTTP(writer, request)
}

func NewPipelineRouter(pipelines *pipeline.Store, runs *pipeline.Runs) *PipelineRouter {
	p := &PipelineRouter{
		pipelines: pipelines,
		runs:      runs,
		router:    chi.NewRouter(),
	}
	p.router.Get("/", p.ListPipelines)
	p.router.Post("/", p.CreatePipeline)
	p.router.Get("/{pipelineID}", p.GetPipeline)
	p.router.Put("/{pipelineID}", p.UpdatePipeline)
	p.router.Delete("/{pipelineID}", p.DeletePipeline)
	p.router.Get("/{pipelineID}/runs", p.ListRuns)
	p.router.Post("/{pipelineID}/runs", p.TriggerRun)

	return p
}

func (p *PipelineRouter) ListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := p.pipelines.List(r.Context())
	if err != nil {
		serveError(w, err, "Failed to fetch pipelines")
		return
	}

	response := make([]PipelineResponse, 0, len(pipelines))
	for i := range pipelines {
		response = append(response, newPipelineResponse(&pipelines[i]))
	}
	serveJson(w, response)
}

func (p *PipelineRouter) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	var payload CreatePipeline
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := p.pipelines.Create(r.Context(), payload.Name, payload.Repository, payload.Config)
	if err != nil {
		serveError(w, err, "Could not create pipeline")
		return
	}
	serveJsonStatus(w, http.StatusCreated, newPipelineResponse(created))
}

func (p *PipelineRouter) GetPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "pipelineID")
	if !ok {
		return
	}

	found, err := p.pipelines.Get(r.Context(), id)
	if err != nil {
		serveError(w, err, "Failed to fetch pipeline")
		return
	}
	serveJson(w, newPipelineResponse(found))
}

func (p *PipelineRouter) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "pipelineID")
	if !ok {
		return
	}

	var payload CreatePipeline
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	updated, err := p.pipelines.Update(r.Context(), id, payload.Name, payload.Repository, payload.Config)
	if err != nil {
		serveError(w, err, "Could not update pipeline")
		return
	}
	serveJson(w, newPipelineResponse(updated))
}

func (p *PipelineRouter) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "pipelineID")
	if !ok {
		return
	}

	if err := p.pipelines.Delete(r.Context(), id); err != nil {
		serveError(w, err, "Could not delete pipeline")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (p *PipelineRouter) ListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "pipelineID")
	if !ok {
		return
	}
	listRuns(w, r, p.runs, id)
}

// TriggerRun manually starts a run. The body is optional.
func (p *PipelineRouter) TriggerRun(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "pipelineID")
	if !ok {
		return
	}

	var payload TriggerRun
	if r.ContentLength != 0 {
		if err := readJson(w, r, &payload); err != nil {
			return
		}
	}

	run, err := p.runs.TriggerRun(r.Context(), id, pipeline.TriggerManual, payload.Metadata)
	if err != nil {
		serveError(w, err, "Could not trigger run")
		return
	}
	serveJsonStatus(w, http.StatusCreated, newRunResponse(run, nil))
}

func listRuns(w http.ResponseWriter, r *http.Request, runs *pipeline.Runs, pipelineID uuid.UUID) {
	list, err := runs.List(r.Context(), pipelineID, 100)
	if err != nil {
		serveError(w, err, "Failed to fetch runs")
		return
	}

	response := make([]RunResponse, 0, len(list))
	for i := range list {
		response = append(response, newRunResponse(&list[i], nil))
	}
	serveJson(w, response)
}
