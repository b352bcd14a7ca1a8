// Package anomaly implements the online baseline learner and the
// z-score/burst/oscillation/composite-score detector that turns a stream
// of samples into detection results.
package anomaly

import "github.com/baikal/cpu-guardian/internal/model"

// Config holds the detection parameters the orchestrator wires in from
// the resolved configuration.
type Config struct {
	ZThreshold  float64
	BurstWindow int
}

// Engine is the LEARNING -> READY state machine described by the
// anomaly-detection component. It owns a Baseline, a consecutive-anomaly
// counter, and the recent cache-miss-rate ring used for oscillation
// detection.
type Engine struct {
	cfg      Config
	baseline model.Baseline

	sustained uint32

	recent    []float64
	recentIdx int
}

// New creates an Engine in the LEARNING state. burstWindow also sizes
// the recent-values ring used for oscillation detection.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		recent: make([]float64, cfg.BurstWindow),
	}
}

// Learn folds a sample into the baseline. Valid only before Finalize;
// callers must stop calling Learn once the engine has transitioned to
// READY.
func (e *Engine) Learn(s model.Sample) {
	e.baseline.Learn(s)
}

// Finalize computes the baseline's mean/stddev and transitions the
// engine to READY. One-way: calling it again without an intervening
// Learn recomputes the same mean/stddev from the same accumulators.
func (e *Engine) Finalize() {
	e.baseline.Finalize()
}

// Ready reports whether Finalize has been called.
func (e *Engine) Ready() bool { return e.baseline.Ready() }

// LearnedSamples returns how many samples have been folded into the
// baseline so far.
func (e *Engine) LearnedSamples() uint64 { return e.baseline.Samples() }

// Detect evaluates one sample against the finalized baseline. Before
// Finalize has been called it returns an all-zero result, per the
// READY-only detection contract. Detect never mutates the baseline.
func (e *Engine) Detect(s model.Sample) model.DetectionResult {
	if !e.baseline.Ready() {
		return model.DetectionResult{}
	}

	zCache := e.baseline.ZCacheMiss(s.CacheMissRate)
	zBranch := e.baseline.ZBranchMiss(s.BranchMissRate)
	zIPC := e.baseline.ZIPC(s.IPC)

	var flags model.AnomalyFlags
	if zCache > e.cfg.ZThreshold {
		flags |= model.FlagCacheMissSpike
	}
	if zBranch > e.cfg.ZThreshold {
		flags |= model.FlagBranchMissSpike
	}
	if zIPC < -e.cfg.ZThreshold {
		flags |= model.FlagIPCCollapse
	}

	e.appendRecent(s.CacheMissRate)

	if flags.Any() {
		e.sustained++
	} else {
		e.sustained = 0
	}
	if e.cfg.BurstWindow > 0 && e.sustained >= uint32(e.cfg.BurstWindow) {
		flags |= model.FlagBurstPattern
	}

	if e.detectOscillation() {
		flags |= model.FlagOscillation
	}

	m := absMax3(zCache, zBranch, zIPC)
	composite := compositeScore(m, e.cfg.ZThreshold)

	return model.DetectionResult{
		ZCacheMiss:     zCache,
		ZBranchMiss:    zBranch,
		ZIPC:           zIPC,
		CompositeScore: composite,
		SustainedCount: e.sustained,
		Flags:          flags,
	}
}

// appendRecent writes v into the circular recent-values buffer,
// advancing the write index. It is a no-op when the buffer has zero
// capacity.
func (e *Engine) appendRecent(v float64) {
	if len(e.recent) == 0 {
		return
	}
	e.recent[e.recentIdx] = v
	e.recentIdx = (e.recentIdx + 1) % len(e.recent)
}

// detectOscillation walks the recent-values buffer from the most
// recently written entry backward, counting sign changes between
// consecutive first-differences. A zero difference counts as no change.
// The first non-zero direction encountered never itself counts as a
// change — only a later reversal of it does. Requires a ring capacity of
// at least 4. recentIdx points one past the most recently written slot,
// so (recentIdx-1) is the newest value and (recentIdx) is the next slot
// due to be overwritten (the oldest).
func (e *Engine) detectOscillation() bool {
	cap := len(e.recent)
	if cap < 4 {
		return false
	}

	at := func(stepsBack int) float64 {
		i := ((e.recentIdx-stepsBack)%cap + cap) % cap
		return e.recent[i]
	}

	changes := 0
	prevDir := 0

	for i := 1; i < cap; i++ {
		a := at(i)
		b := at(i + 1)
		diff := a - b

		var dir int
		switch {
		case diff > 0:
			dir = 1
		case diff < 0:
			dir = -1
		}
		if dir != 0 && dir != prevDir && prevDir != 0 {
			changes++
		}
		if dir != 0 {
			prevDir = dir
		}
	}

	return changes >= cap/2
}

func absMax3(a, b, c float64) float64 {
	m := absF(a)
	if v := absF(b); v > m {
		m = v
	}
	if v := absF(c); v > m {
		m = v
	}
	return m
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// compositeScore computes the smooth bounded [0,1] severity:
// 1 - 1/(1+m/threshold). m=0 gives 0; m=threshold gives 0.5; m->inf
// gives 1. Clamped defensively even though the formula cannot exceed 1
// or go negative for non-negative m and positive threshold.
func compositeScore(m, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	score := 1 - 1/(1+m/threshold)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
