// Package output handles operational progress reporting to stderr.
package output

import (
	"fmt"
	"os"
	"time"
)

// Progress reports verbose detection diagnostics to stderr.
type Progress struct {
	enabled bool
	start   time.Time
}

// NewProgress creates a Progress reporter. With enabled=false (the
// orchestrator passes the verbose setting) Log prints nothing.
func NewProgress(enabled bool) *Progress {
	return &Progress{
		enabled: enabled,
		start:   time.Now(),
	}
}

// Log prints a verbose per-sample diagnostic line to stderr if enabled,
// tagged with the time elapsed since the reporter was created. This is
// the detection loop's high-frequency trace output; it is distinct from
// internal/alert.Logger.Info's low-frequency, untimed phase-transition
// messages, so the two are not merged despite both writing to a stream.
func (p *Progress) Log(format string, args ...interface{}) {
	if !p.enabled {
		return
	}
	elapsed := time.Since(p.start).Round(time.Millisecond)
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "[cpu-guardian +%s] %s\n", elapsed, msg)
}
