// Package logging is the daemon's operational tracing layer: a package-level
// writer gated by the LSP_LOG environment variable (spec.md §6), mirroring
// the teacher's internal/debug package but sourced from the environment
// rather than a build-time flag, since the daemon is a long-lived process
// whose verbosity a user toggles without rebuilding.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
)

// Enabled reports whether LSP_LOG is set to a truthy value. Re-read on every
// call rather than cached at startup, so tests can toggle it with t.Setenv.
func Enabled() bool {
	switch os.Getenv("LSP_LOG") {
	case "1", "true", "TRUE", "yes":
		return true
	default:
		return false
	}
}

// SetOutput redirects log output, primarily so tests can capture it. Passing
// nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output = w
}

// Logf writes a timestamped, component-tagged line when logging is enabled;
// a no-op otherwise. component is a short tag such as "pool" or "dispatch".
func Logf(component, format string, args ...interface{}) {
	if !Enabled() {
		return
	}
	mu.Lock()
	w := output
	mu.Unlock()

	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(w, "%s [%s] %s\n", ts, component, fmt.Sprintf(format, args...))
}
