package instance

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

var processFallback = "worker-" + uuid.NewString()[:8]

// GetID returns the worker instance identifier. WORKER_ID wins, then the pod
// hostname, then a per-process random id so lock owners stay distinguishable.
func GetID() string {
	if id := strings.TrimSpace(os.Getenv("WORKER_ID")); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return processFallback
}
