package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid pipeline config")

// Config is a pipeline definition. Stages run in the order listed, and so do the steps of a
// stage.
type Config struct {
	Stages []Stage `yaml:"stages" json:"stages"`
}

type Stage struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

type Step struct {
	Name     string `yaml:"name" json:"name"`
	Command  string `yaml:"command" json:"command"`
	Priority *int   `yaml:"priority,omitempty" json:"priority,omitempty"` // defaults to 5
}

// ParseConfig reads a pipeline definition from YAML or JSON and validates it
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig reads a pipeline definition file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// Validate trims names and commands and reports every problem found. The returned error
// wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("pipeline has no stages"))
	}

	for i := range c.Stages {
		stage := &c.Stages[i]
		stage.Name = strings.TrimSpace(stage.Name)
		if stage.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d has no name", i+1))
		}
		if len(stage.Steps) == 0 {
			errs = append(errs, fmt.Errorf("stage %q has no steps", stage.Name))
		}

		for j := range stage.Steps {
			step := &stage.Steps[j]
			step.Name = strings.TrimSpace(step.Name)
			if step.Name == "" {
				errs = append(errs, fmt.Errorf("stage %q step %d has no name", stage.Name, j+1))
			}
			step.Command = strings.TrimSpace(step.Command)
			if step.Command == "" {
				errs = append(errs, fmt.Errorf("stage %q step %q has an empty command", stage.Name, step.Name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// NumJobs is the number of jobs a run of this pipeline creates
func (c *Config) NumJobs() int {
	n := 0
	for _, s := range c.Stages {
		n += len(s.Steps)
	}
	return n
}
