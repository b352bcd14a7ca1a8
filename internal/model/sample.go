// Package model holds the data types shared between the sampler, the
// anomaly engine, the correlator and the alert sink. Nothing in this
// package touches the PMU, the ring, or the filesystem — it is pure data.
package model

// Sample is one fully-derived reading: six raw counter deltas since the
// previous PMU read, plus the three ratios derived from them. A Sample is
// immutable once produced by the sampler.
type Sample struct {
	TimestampNs uint64

	Cycles             uint64
	Instructions       uint64
	CacheReferences    uint64
	CacheMisses        uint64
	BranchInstructions uint64
	BranchMisses       uint64

	CacheMissRate  float64
	BranchMissRate float64
	IPC            float64
}

// DeriveRatios fills in the three derived ratios from the raw counters,
// guarding every denominator against zero.
func (s *Sample) DeriveRatios() {
	if s.Instructions > 0 {
		s.CacheMissRate = float64(s.CacheMisses) / float64(s.Instructions)
	} else {
		s.CacheMissRate = 0
	}
	if s.BranchInstructions > 0 {
		s.BranchMissRate = float64(s.BranchMisses) / float64(s.BranchInstructions)
	} else {
		s.BranchMissRate = 0
	}
	if s.Cycles > 0 {
		s.IPC = float64(s.Instructions) / float64(s.Cycles)
	} else {
		s.IPC = 0
	}
}
