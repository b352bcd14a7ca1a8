package model

import "math"

// metricStat is a running two-moment accumulator for one ratio.
type metricStat struct {
	sum    float64
	sumSq  float64
	n      uint64
	first  float64
	varied bool
	mean   float64
	stddev float64
}

func (m *metricStat) observe(x float64) {
	if m.n == 0 {
		m.first = x
	} else if x != m.first {
		m.varied = true
	}
	m.sum += x
	m.sumSq += x * x
	m.n++
}

func (m *metricStat) finalize() {
	if m.n == 0 {
		m.mean, m.stddev = 0, 0
		return
	}
	mean := m.sum / float64(m.n)
	variance := m.sumSq/float64(m.n) - mean*mean
	// Identical observations have zero variance by definition; the
	// two-moment formula can leave a tiny rounding residue instead.
	if variance < 0 || !m.varied {
		variance = 0
	}
	m.mean = mean
	m.stddev = math.Sqrt(variance)
}

// zscore returns 0 for a degenerate (near-zero-stddev) baseline, per the
// detection contract: a metric that never varied during learning cannot
// produce a meaningful standardized deviation.
func (m *metricStat) zscore(x float64) float64 {
	if m.stddev < 1e-12 {
		return 0
	}
	return (x - m.mean) / m.stddev
}

// Baseline accumulates the online first/second moments of the three
// derived ratios during LEARNING and, once Finalize is called, serves
// z-scores for DETECTION. The transition is one-way: Ready never reverts
// to false once set.
type Baseline struct {
	cacheMiss  metricStat
	branchMiss metricStat
	ipc        metricStat
	ready      bool
}

// Learn folds one sample's ratios into the running accumulators. Calling
// Learn after Finalize has no defined detection effect — callers must not
// call Learn once the engine has transitioned to READY.
func (b *Baseline) Learn(s Sample) {
	b.cacheMiss.observe(s.CacheMissRate)
	b.branchMiss.observe(s.BranchMissRate)
	b.ipc.observe(s.IPC)
}

// Finalize computes mean/stddev for each metric and marks the baseline
// ready. It is idempotent as long as Learn has not been called since the
// last Finalize — recomputing from the same accumulated sums yields the
// same mean/stddev.
func (b *Baseline) Finalize() {
	b.cacheMiss.finalize()
	b.branchMiss.finalize()
	b.ipc.finalize()
	b.ready = true
}

// Ready reports whether Finalize has been called.
func (b *Baseline) Ready() bool { return b.ready }

// Samples returns the number of samples folded into the baseline so far.
func (b *Baseline) Samples() uint64 { return b.cacheMiss.n }

// CacheMissStats returns the finalized mean and stddev for cache_miss_rate.
func (b *Baseline) CacheMissStats() (mean, stddev float64) {
	return b.cacheMiss.mean, b.cacheMiss.stddev
}

// BranchMissStats returns the finalized mean and stddev for branch_miss_rate.
func (b *Baseline) BranchMissStats() (mean, stddev float64) {
	return b.branchMiss.mean, b.branchMiss.stddev
}

// IPCStats returns the finalized mean and stddev for ipc.
func (b *Baseline) IPCStats() (mean, stddev float64) {
	return b.ipc.mean, b.ipc.stddev
}

// ZCacheMiss returns the z-score of x against the finalized cache_miss_rate
// baseline, or 0 when the baseline is degenerate (stddev < 1e-12).
func (b *Baseline) ZCacheMiss(x float64) float64 { return b.cacheMiss.zscore(x) }

// ZBranchMiss returns the z-score of x against the finalized
// branch_miss_rate baseline, or 0 when the baseline is degenerate.
func (b *Baseline) ZBranchMiss(x float64) float64 { return b.branchMiss.zscore(x) }

// ZIPC returns the z-score of x against the finalized ipc baseline, or 0
// when the baseline is degenerate.
func (b *Baseline) ZIPC(x float64) float64 { return b.ipc.zscore(x) }
