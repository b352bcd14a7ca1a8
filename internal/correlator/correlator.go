// Package correlator maintains the bounded per-process risk table: an
// exponentially-smoothed anomaly score per pid with time-window decay,
// so a burst of per-sample detections can be attributed to a process.
package correlator

import (
	"fmt"
	"os"
	"strings"

	"github.com/baikal/cpu-guardian/internal/model"
)

const (
	emaAlpha      = 0.3
	suspiciousCut = 0.5
	decayFloor    = 1e-3
)

// ResolveComm resolves a pid to a display name. The production
// implementation reads /proc/<pid>/comm; tests inject a stub so the
// correlator can be exercised without a filesystem.
type ResolveComm func(pid int) string

// DefaultResolveComm reads /proc/<pid>/comm, matching the host process
// name lookup the slot-reuse policy requires. It returns "<unknown>" on
// any read failure, with the trailing newline stripped on success.
func DefaultResolveComm(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "<unknown>"
	}
	return strings.TrimRight(string(data), "\n")
}

// Config holds the correlator's decay parameters.
type Config struct {
	DecayFactor float64
	WindowSec   float64
	ResolveComm ResolveComm
}

// Correlator is the bounded process-risk table described by the
// component design: at most model.MaxTrackedProcesses active entries,
// slot reuse on inactive entries before giving up on an update.
type Correlator struct {
	cfg     Config
	entries []model.ProcessRisk
}

// New creates an empty Correlator. A nil cfg.ResolveComm defaults to
// DefaultResolveComm.
func New(cfg Config) *Correlator {
	if cfg.ResolveComm == nil {
		cfg.ResolveComm = DefaultResolveComm
	}
	resolve := cfg.ResolveComm
	cfg.ResolveComm = func(pid int) string {
		name := resolve(pid)
		if len(name) > 63 {
			name = name[:63]
		}
		return name
	}
	return &Correlator{cfg: cfg}
}

// Update applies one detection's score to pid's entry: find-or-create,
// then EMA-blend the new score in, bump sample counters, and stamp
// last-seen. tid is accepted but, per the source this is ported from,
// never used for lookup or storage beyond the record itself.
func (c *Correlator) Update(pid, tid int, score float64, nowNs uint64) {
	idx := c.findOrCreate(pid)
	if idx < 0 {
		return // table full and no inactive slot to reuse: update dropped
	}

	e := &c.entries[idx]
	e.TID = tid
	e.AnomalyScore = emaAlpha*score + (1-emaAlpha)*e.AnomalyScore
	e.TotalSamples++
	if score > suspiciousCut {
		e.SuspiciousSamples++
	}
	e.LastSeenNs = nowNs
	e.Active = true
}

// findOrCreate implements the three-tier slot-reuse policy: an active
// match wins; else an inactive slot is reinitialized; else a new slot is
// appended if the table has room; else -1 signals the update must be
// dropped.
func (c *Correlator) findOrCreate(pid int) int {
	for i := range c.entries {
		if c.entries[i].Active && c.entries[i].PID == pid {
			return i
		}
	}
	for i := range c.entries {
		if !c.entries[i].Active {
			c.entries[i] = model.ProcessRisk{
				PID:  pid,
				Comm: c.cfg.ResolveComm(pid),
			}
			return i
		}
	}
	if len(c.entries) < model.MaxTrackedProcesses {
		c.entries = append(c.entries, model.ProcessRisk{
			PID:  pid,
			Comm: c.cfg.ResolveComm(pid),
		})
		return len(c.entries) - 1
	}
	return -1
}

// Decay applies the configured decay factor to every active entry's
// score, floors scores below 1e-3 to exactly zero, and marks entries
// inactive once they have gone unseen for longer than the configured
// correlation window.
func (c *Correlator) Decay(nowNs uint64) {
	windowNs := uint64(c.cfg.WindowSec * 1e9)
	for i := range c.entries {
		e := &c.entries[i]
		if !e.Active {
			continue
		}
		e.AnomalyScore *= c.cfg.DecayFactor
		if e.AnomalyScore < decayFloor {
			e.AnomalyScore = 0
		}
		if nowNs-e.LastSeenNs > windowNs {
			e.Active = false
		}
	}
}

// TopRisk returns the active entry with the greatest anomaly score.
// Ties are broken by first insertion (the first entry scanned with the
// maximal score wins — a strict "greater than" comparison, not
// "greater-or-equal").
func (c *Correlator) TopRisk() (model.ProcessRisk, bool) {
	var best model.ProcessRisk
	found := false
	for _, e := range c.entries {
		if !e.Active {
			continue
		}
		if !found || e.AnomalyScore > best.AnomalyScore {
			best = e
			found = true
		}
	}
	return best, found
}

// Lookup returns the active entry for pid, if any.
func (c *Correlator) Lookup(pid int) (model.ProcessRisk, bool) {
	for _, e := range c.entries {
		if e.Active && e.PID == pid {
			return e, true
		}
	}
	return model.ProcessRisk{}, false
}

// ActiveCount returns the number of currently active entries, never
// exceeding model.MaxTrackedProcesses.
func (c *Correlator) ActiveCount() int {
	n := 0
	for _, e := range c.entries {
		if e.Active {
			n++
		}
	}
	return n
}
