// Package alert implements the alert sink: a cooldown-gated, JSON-lines
// emitter that fans out to stdout, an append-mode file, and/or syslog.
package alert

import (
	"fmt"
	"io"
	"log/syslog"
	"os"
	"strings"
	"sync"

	"github.com/baikal/cpu-guardian/internal/model"
)

// Sink is the capability interface the orchestrator emits alerts
// through. Production code gets the fan-out Logger; tests can substitute
// an in-memory collector.
type Sink interface {
	Alert(rec model.AlertRecord)
	Info(format string, args ...any)
}

// Clock returns the current monotonic-raw nanosecond timestamp used for
// cooldown accounting. Production code wires in a raw monotonic clock
// reader (monotonicRawNs in cmd/cpu-guardian); tests inject a
// deterministic stub.
type Clock func() uint64

// Config selects the Logger's output backends.
type Config struct {
	ToFile     bool
	FilePath   string
	ToSyslog   bool
	CooldownNs uint64
	Clock      Clock
}

// Logger is the production Sink: it always writes to stdout, optionally
// tees to an append-mode file and/or syslog, and suppresses alerts
// emitted within CooldownNs of the previous one.
type Logger struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	sl   *syslog.Writer

	lastAlertNs uint64
	haveLast    bool

	stdout io.Writer // overridable in tests
}

// NewLogger opens the configured backends. The caller must call Close
// when done to flush and release the file handle and syslog connection.
func NewLogger(cfg Config) (*Logger, error) {
	l := &Logger{cfg: cfg, stdout: os.Stdout}

	if cfg.ToFile && cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open alert log file %q: %w", cfg.FilePath, err)
		}
		l.file = f
	}

	if cfg.ToSyslog {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "cpu-guardian")
		if err != nil {
			if l.file != nil {
				_ = l.file.Close()
			}
			return nil, fmt.Errorf("connect to syslog: %w", err)
		}
		l.sl = w
	}

	return l, nil
}

// Close releases the file handle and syslog connection, if open.
func (l *Logger) Close() error {
	var errs []string
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if l.sl != nil {
		if err := l.sl.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing alert sink: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Alert emits one alert record, subject to cooldown suppression. The
// cooldown check happens before any formatting work: the timestamp of
// the most recently *emitted* (not suppressed) alert is what gates the
// next one.
func (l *Logger) Alert(rec model.AlertRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.cfg.CooldownNs > 0 && l.haveLast {
		if now-l.lastAlertNs < l.cfg.CooldownNs {
			return
		}
	}
	l.lastAlertNs = now
	l.haveLast = true

	line := formatAlertJSON(rec)

	if l.stdout != nil {
		fmt.Fprint(l.stdout, line)
	}
	if l.file != nil {
		fmt.Fprint(l.file, line)
	}
	if l.sl != nil {
		switch rec.Level {
		case model.LevelCritical:
			_ = l.sl.Crit(line)
		case model.LevelWarning:
			_ = l.sl.Warning(line)
		default:
			_ = l.sl.Info(line)
		}
	}
}

// Info emits a plain-text, non-cooldown, non-JSON operational message,
// prefixed the way the production logger marks its own output.
func (l *Logger) Info(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf("[cpu-guardian] "+format+"\n", args...)
	if l.stdout != nil {
		fmt.Fprint(l.stdout, msg)
	}
	if l.file != nil {
		fmt.Fprint(l.file, msg)
	}
}

func (l *Logger) now() uint64 {
	if l.cfg.Clock != nil {
		return l.cfg.Clock()
	}
	return 0
}

// formatAlertJSON renders one alert record as a single JSON line,
// matching the fixed field order and 4-decimal score formatting of the
// alert record contract.
func formatAlertJSON(rec model.AlertRecord) string {
	var b strings.Builder
	b.WriteString(`{"level":"`)
	b.WriteString(rec.Level.String())
	b.WriteString(`","timestamp":`)
	fmt.Fprintf(&b, "%d", rec.TimestampNs)
	b.WriteString(`,"pid":`)
	fmt.Fprintf(&b, "%d", rec.PID)
	b.WriteString(`,"comm":"`)
	b.WriteString(jsonEscape(rec.Comm))
	b.WriteString(`","anomaly_score":`)
	fmt.Fprintf(&b, "%.4f", rec.AnomalyScore)
	b.WriteString(`,"reason":"`)
	b.WriteString(jsonEscape(rec.Reason))
	b.WriteString("\"}\n")
	return b.String()
}

// jsonEscape escapes '"', '\\', and control characters below 0x20 as
// \uXXXX, matching the alert record's string-field escaping contract.
func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r < 0x20:
			fmt.Fprintf(&b, "\\u%04x", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
