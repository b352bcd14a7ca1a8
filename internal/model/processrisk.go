package model

// MaxTrackedProcesses bounds the correlator's process-risk table.
const MaxTrackedProcesses = 256

// ProcessRisk is one correlator table entry. Comm is truncated to 63 bytes
// to match the host's TASK_COMM_LEN-derived limit.
type ProcessRisk struct {
	PID               int
	TID               int
	Comm              string
	AnomalyScore      float64
	SuspiciousSamples uint64
	TotalSamples      uint64
	LastSeenNs        uint64
	Active            bool
}
