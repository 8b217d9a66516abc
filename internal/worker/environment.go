package worker

import (
	"slices"
	"strings"
)

const DefaultEnvironment = "production"

var (
	DefaultDeployStages = []string{"deploy"}
	DefaultEnvironments = []string{"production", "staging", "dev", "test"}
)

// IsDeployStage reports whether jobs of stage must hold the deploy lock of their environment
func IsDeployStage(stage string, deployStages []string) bool {
	return slices.Contains(deployStages, stage)
}

// GuessEnvironment derives the target environment of a deploy command such as
// "./deploy.sh staging". The last word wins when it names a known environment, then the first
// known environment mentioned anywhere in the command, then production.
func GuessEnvironment(command string, known []string) string {
	fields := strings.Fields(command)
	if len(fields) > 0 {
		if last := fields[len(fields)-1]; slices.Contains(known, last) {
			return last
		}
	}

	for _, env := range known {
		if strings.Contains(command, env) {
			return env
		}
	}
	return DefaultEnvironment
}
