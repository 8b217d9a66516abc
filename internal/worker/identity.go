package worker

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// Identity returns the id this process claims jobs under. A configured id is used as is;
// otherwise the hostname gets a random suffix so that two workers on one host stay distinct.
func Identity(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + suffix
	}
	return "worker-" + suffix
}
