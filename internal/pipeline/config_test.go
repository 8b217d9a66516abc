package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cirunner/internal/pipeline"
)

func TestParseConfig(t *testing.T) {
	config, err := pipeline.ParseConfig([]byte(`
stages:
  - name: build
    steps:
      - name: compile
        command: "  go build ./...  "
      - name: vet
        command: go vet ./...
        priority: 8
  - name: deploy
    steps:
      - name: ship
        command: ./deploy.sh production
`))
	require.NoError(t, err)

	require.Len(t, config.Stages, 2)
	assert.Equal(t, "build", config.Stages[0].Name)
	assert.Equal(t, "go build ./...", config.Stages[0].Steps[0].Command)
	assert.Nil(t, config.Stages[0].Steps[0].Priority)
	require.NotNil(t, config.Stages[0].Steps[1].Priority)
	assert.Equal(t, 8, *config.Stages[0].Steps[1].Priority)
	assert.Equal(t, 3, config.NumJobs())
}

func TestParseConfigJSON(t *testing.T) {
	config, err := pipeline.ParseConfig([]byte(`{"stages": [{"name": "test", "steps": [{"name": "unit", "command": "make test"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, "make test", config.Stages[0].Steps[0].Command)
}

func TestParseConfigInvalid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		data    string
		message string
	}{
		{"no stages", `stages: []`, "pipeline has no stages"},
		{"blank stage name", `
stages:
  - name: " "
    steps: [{name: a, command: b}]`, "stage 1 has no name"},
		{"stage without steps", `
stages:
  - name: build`, `stage "build" has no steps`},
		{"empty command", `
stages:
  - name: build
    steps: [{name: compile, command: ""}]`, `stage "build" step "compile" has an empty command`},
		{"malformed", `stages: {`, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := pipeline.ParseConfig([]byte(tc.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, pipeline.ErrInvalidConfig)
			if tc.message != "" {
				assert.Contains(t, err.Error(), tc.message)
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	config := &pipeline.Config{Stages: []pipeline.Stage{
		{Name: "", Steps: []pipeline.Step{{Name: "", Command: "make"}}},
		{Name: "deploy", Steps: []pipeline.Step{{Name: "ship", Command: " "}}},
	}}

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage 1 has no name")
	assert.Contains(t, err.Error(), "step 1 has no name")
	assert.Contains(t, err.Error(), `stage "deploy" step "ship" has an empty command`)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - name: build
    steps: [{name: compile, command: make}]
`), 0o600))

	config, err := pipeline.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1, config.NumJobs())

	_, err = pipeline.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
