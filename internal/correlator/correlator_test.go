package correlator

import (
	"math"
	"testing"

	"github.com/baikal/cpu-guardian/internal/model"
)

func stubResolve(pid int) string { return "proc" }

func newTestCorrelator() *Correlator {
	return New(Config{DecayFactor: 0.95, WindowSec: 30, ResolveComm: stubResolve})
}

func TestUpdateCreatesEntry(t *testing.T) {
	c := newTestCorrelator()
	c.Update(42, 0, 0.9, 1_000_000_000)

	e, ok := c.Lookup(42)
	if !ok {
		t.Fatalf("expected entry for pid 42")
	}
	if e.AnomalyScore != 0.3*0.9 {
		t.Fatalf("EMA on fresh entry = %v, want %v", e.AnomalyScore, 0.3*0.9)
	}
	if e.TotalSamples != 1 || e.SuspiciousSamples != 1 {
		t.Fatalf("unexpected counters: %+v", e)
	}
}

func TestUpdateEMABlend(t *testing.T) {
	c := newTestCorrelator()
	c.Update(1, 0, 1.0, 1)
	first, _ := c.Lookup(1)
	c.Update(1, 0, 0.0, 2)
	second, _ := c.Lookup(1)

	want := 0.3*0.0 + 0.7*first.AnomalyScore
	if math.Abs(second.AnomalyScore-want) > 1e-9 {
		t.Fatalf("EMA blend = %v, want %v", second.AnomalyScore, want)
	}
}

func TestDecayScenario(t *testing.T) {
	c := newTestCorrelator()
	c.Update(42, 0, 0.9, 0)

	// simulate decay() called once per second for 10 seconds with no update.
	for i := 1; i <= 10; i++ {
		c.Decay(uint64(i) * 1e9)
	}

	e, ok := c.Lookup(42)
	if !ok {
		t.Fatalf("entry should still be active after 10s with a 30s window")
	}
	want := (0.3 * 0.9) * math.Pow(0.95, 10)
	if math.Abs(e.AnomalyScore-want) > 1e-6 {
		t.Fatalf("score after 10 decays = %v, want ~%v", e.AnomalyScore, want)
	}
}

func TestDecayDeactivatesAfterWindow(t *testing.T) {
	c := newTestCorrelator()
	c.Update(42, 0, 0.9, 0)

	for i := 1; i <= 40; i++ {
		c.Decay(uint64(i) * 1e9)
	}

	if _, ok := c.Lookup(42); ok {
		t.Fatalf("entry must be inactive after 40s with a 30s window")
	}
}

func TestDecayFloorsToZero(t *testing.T) {
	c := newTestCorrelator()
	c.Update(1, 0, 0.002, 0) // EMA gives 0.3*0.002=0.0006, already below floor
	for i := 1; i <= 3; i++ {
		c.Decay(uint64(i) * 1e9)
	}
	e, ok := c.Lookup(1)
	if !ok {
		t.Fatalf("entry should remain active within window")
	}
	if e.AnomalyScore != 0 {
		t.Fatalf("score below floor must be exactly 0, got %v", e.AnomalyScore)
	}
}

func TestTopRiskTieBreakFirstInsertion(t *testing.T) {
	c := newTestCorrelator()
	c.Update(1, 0, 1.0, 0)
	c.Update(2, 0, 1.0, 0)

	top, ok := c.TopRisk()
	if !ok {
		t.Fatalf("expected a top-risk entry")
	}
	if top.PID != 1 {
		t.Fatalf("tie-break must favor first insertion, got pid=%d", top.PID)
	}
}

func TestSlotReuseOnInactive(t *testing.T) {
	c := New(Config{DecayFactor: 0.0, WindowSec: 1, ResolveComm: stubResolve})
	c.Update(1, 0, 0.5, 0)
	c.Decay(2 * 1e9) // beyond the 1s window: pid 1 goes inactive

	c.Update(2, 0, 0.5, 2 * 1e9)
	if c.ActiveCount() != 1 {
		t.Fatalf("expected exactly 1 active entry after reuse, got %d", c.ActiveCount())
	}
	if len(c.entries) != 1 {
		t.Fatalf("expected the inactive slot to be reused in place, got %d entries", len(c.entries))
	}
}

func TestBoundedAt256(t *testing.T) {
	c := newTestCorrelator()
	for pid := 0; pid < model.MaxTrackedProcesses+10; pid++ {
		c.Update(pid, 0, 0.9, 0)
	}
	if c.ActiveCount() > model.MaxTrackedProcesses {
		t.Fatalf("active count %d exceeds MaxTrackedProcesses", c.ActiveCount())
	}
	if len(c.entries) > model.MaxTrackedProcesses {
		t.Fatalf("table grew past MaxTrackedProcesses: %d", len(c.entries))
	}
}

func TestDefaultResolveCommUnknownOnFailure(t *testing.T) {
	if got := DefaultResolveComm(-1); got != "<unknown>" {
		t.Fatalf("DefaultResolveComm(-1) = %q, want <unknown>", got)
	}
}
