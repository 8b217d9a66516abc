package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"cirunner/internal/pipeline"
)

type WebhookRouter struct {
	pipelines *pipeline.Store
	runs      *pipeline.Runs
	router    chi.Router
}

func (wr *WebhookRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	wr.router.ServeHTTP(writer, request)
}

func NewWebhookRouter(pipelines *pipeline.Store, runs *pipeline.Runs) *WebhookRouter {
	wr := &WebhookRouter{pipelines: pipelines, runs: runs, router: chi.NewRouter()}
	wr.router.Post("/git/push", wr.GitPush)
	return wr
}

// GitPush triggers a run of the pipeline registered for the pushed repository. The whole payload
// is kept as the run's trigger metadata.
func (wr *WebhookRouter) GitPush(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := readJson(w, r, &body); err != nil {
		return
	}

	repo, ok := pipeline.RepositoryFromPayload(body)
	if !ok {
		http.Error(w,
			"missing repo. Send repo, repository.full_name, repository.clone_url or project.path_with_namespace",
			http.StatusBadRequest)
		return
	}

	p, err := wr.pipelines.FindByRepository(r.Context(), repo)
	if err != nil {
		serveError(w, err, "Could not resolve pipeline")
		return
	}

	run, err := wr.runs.TriggerRun(r.Context(), p.ID, pipeline.TriggerGitPush, body)
	if err != nil {
		serveError(w, err, "Could not trigger run")
		return
	}

	log.Info().
		Str("repository", repo).
		Str("run_id", run.ID.String()).
		Msg("Git push triggered run")
	serveJsonStatus(w, http.StatusCreated, WebhookResponse{
		RunID:      run.ID,
		PipelineID: p.ID,
		Status:     run.Status,
	})
}
