package api_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirunner/internal/locks"
	"cirunner/internal/models"
	"cirunner/internal/pipeline"
)

func pipelinePayload(repo string) map[string]any {
	return map[string]any{
		"name":       "api",
		"repository": repo,
		"config": map[string]any{
			"stages": []any{
				map[string]any{"name": "build", "steps": []any{
					map[string]any{"name": "compile", "command": "make build"},
				}},
				map[string]any{"name": "deploy", "steps": []any{
					map[string]any{"name": "ship", "command": "./deploy.sh staging"},
				}},
			},
		},
	}
}

func TestCreatePipelineValidation(t *testing.T) {
	f := newFixture(nil)

	rr := f.do(t, http.MethodPost, "/api/pipelines", map[string]any{"name": " ", "repository": "acme/api"})
	mustStatus(t, rr, http.StatusBadRequest)
	assert.Contains(t, rr.Body.String(), "name is empty")
	assert.Contains(t, rr.Body.String(), "config is missing")

	rr = f.do(t, http.MethodPost, "/api/pipelines", map[string]any{
		"name": "api", "repository": "acme/api", "config": map[string]any{"stages": []any{}},
	})
	mustStatus(t, rr, http.StatusBadRequest)
	assert.Contains(t, rr.Body.String(), "pipeline has no stages")
}

func TestInvalidIdentifiers(t *testing.T) {
	f := newFixture(nil)

	for _, target := range []string{"/api/pipelines/nope", "/api/runs/nope", "/api/jobs/nope/logs", "/api/runs?pipeline_id=nope"} {
		mustStatus(t, f.do(t, http.MethodGet, target, nil), http.StatusBadRequest)
	}
}

func TestPipelineLifecycle(t *testing.T) {
	f := newDBFixture(t)

	rr := f.do(t, http.MethodPost, "/api/pipelines", pipelinePayload("acme/api"))
	mustStatus(t, rr, http.StatusCreated)
	created := decode[map[string]any](t, rr)
	id := created["id"].(string)
	assert.Equal(t, "acme/api", created["repository"])
	assert.Len(t, created["config"].(map[string]any)["stages"], 2)

	rr = f.do(t, http.MethodGet, "/api/pipelines", nil)
	mustStatus(t, rr, http.StatusOK)
	assert.Len(t, decode[[]map[string]any](t, rr), 1)

	update := pipelinePayload("acme/api-v2")
	rr = f.do(t, http.MethodPut, "/api/pipelines/"+id, update)
	mustStatus(t, rr, http.StatusOK)
	assert.Equal(t, "acme/api-v2", decode[map[string]any](t, rr)["repository"])

	rr = f.do(t, http.MethodGet, "/api/pipelines/"+id, nil)
	mustStatus(t, rr, http.StatusOK)

	mustStatus(t, f.do(t, http.MethodDelete, "/api/pipelines/"+id, nil), http.StatusNoContent)
	mustStatus(t, f.do(t, http.MethodGet, "/api/pipelines/"+id, nil), http.StatusNotFound)
	mustStatus(t, f.do(t, http.MethodDelete, "/api/pipelines/"+id, nil), http.StatusNotFound)
}

func TestTriggerAndGetRun(t *testing.T) {
	f := newDBFixture(t)

	rr := f.do(t, http.MethodPost, "/api/pipelines", pipelinePayload("acme/api"))
	mustStatus(t, rr, http.StatusCreated)
	pipelineID := decode[map[string]any](t, rr)["id"].(string)

	rr = f.do(t, http.MethodPost, "/api/pipelines/"+pipelineID+"/runs", map[string]any{
		"metadata": map[string]any{"requested_by": "alice"},
	})
	mustStatus(t, rr, http.StatusCreated)
	run := decode[map[string]any](t, rr)
	assert.Equal(t, "manual", run["triggerType"])
	assert.Equal(t, "alice", run["triggerMetadata"].(map[string]any)["requested_by"])

	// without a body
	rr = f.do(t, http.MethodPost, "/api/pipelines/"+pipelineID+"/runs", nil)
	mustStatus(t, rr, http.StatusCreated)

	rr = f.do(t, http.MethodGet, "/api/runs/"+run["id"].(string), nil)
	mustStatus(t, rr, http.StatusOK)
	fetched := decode[map[string]any](t, rr)
	jobs := fetched["jobs"].([]any)
	require.Len(t, jobs, 2)
	assert.Equal(t, "build", jobs[0].(map[string]any)["stage"])
	assert.Equal(t, "deploy", jobs[1].(map[string]any)["stage"])

	rr = f.do(t, http.MethodGet, "/api/pipelines/"+pipelineID+"/runs", nil)
	mustStatus(t, rr, http.StatusOK)
	assert.Len(t, decode[[]map[string]any](t, rr), 2)

	rr = f.do(t, http.MethodGet, "/api/runs?pipeline_id="+pipelineID, nil)
	mustStatus(t, rr, http.StatusOK)
	assert.Len(t, decode[[]map[string]any](t, rr), 2)

	mustStatus(t, f.do(t, http.MethodGet, "/api/runs/"+uuid.NewString(), nil), http.StatusNotFound)
	mustStatus(t, f.do(t, http.MethodPost, "/api/pipelines/"+uuid.NewString()+"/runs", nil), http.StatusNotFound)
}

func TestJobLogs(t *testing.T) {
	f := newDBFixture(t)
	ctx := context.Background()

	p, err := f.store.Create(ctx, "api", "acme/api", mustConfig(t))
	require.NoError(t, err)
	run, err := f.runs.TriggerRun(ctx, p.ID, pipeline.TriggerManual, nil)
	require.NoError(t, err)
	withJobs, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	jobID := withJobs.Jobs[0].ID

	require.NoError(t, f.logs.Append(ctx, jobID, "first", models.LogInfo))
	require.NoError(t, f.logs.Append(ctx, jobID, "second", models.LogError))

	rr := f.do(t, http.MethodGet, "/api/jobs/"+jobID.String()+"/logs", nil)
	mustStatus(t, rr, http.StatusOK)
	records := decode[[]map[string]any](t, rr)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0]["line"])
	assert.Equal(t, "error", records[1]["level"])
}

func TestDeploymentLocks(t *testing.T) {
	f := newDBFixture(t)

	rr := f.do(t, http.MethodGet, "/api/deployments/locks", nil)
	mustStatus(t, rr, http.StatusOK)
	assert.JSONEq(t, `[]`, rr.Body.String())

	_, err := db.Exec(`INSERT INTO deployment_locks (environment, locked_by) VALUES ('staging', 'worker-1')`)
	require.NoError(t, err)

	held, err := locks.List(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, held, 1)

	rr = f.do(t, http.MethodGet, "/api/deployments/locks", nil)
	mustStatus(t, rr, http.StatusOK)
	assert.Len(t, decode[[]map[string]any](t, rr), 1)
}

func mustConfig(t *testing.T) *pipeline.Config {
	config, err := pipeline.ParseConfig([]byte(`
stages:
  - name: build
    steps: [{name: compile, command: make}]
`))
	require.NoError(t, err)
	return config
}
