// Package sampler runs the dedicated sampling goroutine: pin to a core,
// open the PMU, and on each tick read, diff against the previous
// reading, derive ratios, and enqueue into the ring.
package sampler

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/baikal/cpu-guardian/internal/model"
	"github.com/baikal/cpu-guardian/internal/pmu"
	"github.com/baikal/cpu-guardian/internal/ring"
)

// Config mirrors the sampler's contract: a fixed polling interval and
// the target (cpu, pid) pair passed through to the PMU reader.
type Config struct {
	IntervalUs uint64
	CPU        int
	PID        int
}

// Sampler owns the dedicated sampling goroutine. It is started once and
// stopped once; it is not safe for concurrent Start calls.
type Sampler struct {
	cfg     Config
	out     *ring.Ring[model.Sample]
	running atomic.Bool
	wg      sync.WaitGroup
	openErr atomic.Value // error
}

// New creates a Sampler that will push into out once started.
func New(cfg Config, out *ring.Ring[model.Sample]) *Sampler {
	return &Sampler{cfg: cfg, out: out}
}

// Start launches the sampling goroutine. It locks that goroutine to its
// OS thread so a requested CPU pin is effective, and blocks until the
// PMU has been opened (or has failed to) so callers can observe an
// early failure before entering the learning phase.
func (s *Sampler) Start() error {
	s.running.Store(true)

	ready := make(chan error, 1)
	s.wg.Add(1)
	go s.loop(ready)

	if err := <-ready; err != nil {
		s.running.Store(false)
		s.wg.Wait()
		return err
	}
	return nil
}

// Stop clears the running flag and waits for the sampling goroutine to
// observe it and tear down the PMU handle.
func (s *Sampler) Stop() {
	s.running.Store(false)
	s.wg.Wait()
}

// Err returns the sampler's terminal error, if the PMU failed to open or
// enable. A sample drought on the consumer side is the only other
// observable symptom of sampler failure, per the contract that the
// sampler thread's failures are fatal only to itself.
func (s *Sampler) Err() error {
	if v := s.openErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Sampler) loop(ready chan<- error) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.cfg.CPU >= 0 {
		if err := pinToCPU(s.cfg.CPU); err != nil {
			fmt.Fprintf(os.Stderr, "[sampler] failed to pin to CPU %d: %v\n", s.cfg.CPU, err)
		}
	}

	reader, err := pmu.Open(s.cfg.CPU, s.cfg.PID)
	if err != nil {
		s.openErr.Store(fmt.Errorf("open PMU counters: %w", err))
		ready <- err
		return
	}
	defer reader.Close()

	if err := reader.Enable(); err != nil {
		s.openErr.Store(fmt.Errorf("enable PMU counters: %w", err))
		ready <- err
		return
	}
	ready <- nil

	interval := time.Duration(s.cfg.IntervalUs) * time.Microsecond

	var prev pmu.Reading
	havePrev := false

	for s.running.Load() {
		time.Sleep(interval)

		cur, err := reader.Read()
		if err != nil {
			continue // transient read failure: retry next iteration
		}

		if havePrev {
			sample := model.Sample{
				TimestampNs:        monotonicRawNs(),
				Cycles:             cur.Cycles - prev.Cycles,
				Instructions:       cur.Instructions - prev.Instructions,
				CacheReferences:    cur.CacheReferences - prev.CacheReferences,
				CacheMisses:        cur.CacheMisses - prev.CacheMisses,
				BranchInstructions: cur.BranchInstructions - prev.BranchInstructions,
				BranchMisses:       cur.BranchMisses - prev.BranchMisses,
			}
			sample.DeriveRatios()
			s.out.Push(sample) // drop on full, per the backpressure contract
		}

		prev = cur
		havePrev = true
	}

	_ = reader.Disable()
}

func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

func monotonicRawNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}
