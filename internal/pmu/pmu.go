// Package pmu opens and reads a group of hardware performance counters
// via Linux's perf_event_open(2), exposed through
// golang.org/x/sys/unix's native PerfEventOpen wrapper.
package pmu

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// counterSlot indexes the fixed six-counter layout a Reading exposes.
type counterSlot int

const (
	slotCycles counterSlot = iota
	slotInstructions
	slotCacheMiss
	slotBranchMiss
	slotBranchInstructions
	slotCacheReferences
	numSlots
)

// criticalMin is the minimum number of open counters (cycles,
// instructions) below which the whole session is considered a failure.
const criticalMin = 2

// Reading is one scaled snapshot of all six counters. Slots that failed
// to open read as 0.
type Reading struct {
	Cycles             uint64
	Instructions       uint64
	CacheMisses        uint64
	BranchMisses       uint64
	BranchInstructions uint64
	CacheReferences    uint64
}

// Reader owns a group of perf_event file descriptors: cycles is the
// mandatory group leader, instructions is mandatory, and the remaining
// four slots are best-effort (cache-miss has a three-way fallback chain).
type Reader struct {
	fds     [numSlots]int
	groupFd int
}

// Open creates a counter group for (cpu, pid). Diagnostics (paranoid
// level, hypervisor presence) are warned to stderr and never fail the
// open. If fewer than criticalMin mandatory counters open, Open fails
// and releases every descriptor it acquired.
func Open(cpu, pid int) (*Reader, error) {
	warnPerfParanoid()
	warnHypervisor()

	if pid == -1 && cpu == -1 {
		fmt.Fprintln(os.Stderr, "[pmu] invalid pid/cpu combination (both -1), defaulting to current process")
		pid = 0
	}

	r := &Reader{groupFd: -1}
	for i := range r.fds {
		r.fds[i] = -1
	}

	useCPU := cpu
	if cpu == -1 {
		fd, err := openOne(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, pid, -1, -1)
		switch {
		case errors.Is(err, unix.ENOENT):
			fmt.Fprintln(os.Stderr, "[pmu] cpu=-1 not supported (ENOENT), using cpu=0")
			useCPU = 0
		case err == nil:
			unix.Close(fd)
		}
	}

	cyclesFd, err := openOne(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES, pid, useCPU, -1)
	if err != nil {
		reportOpenFailure("CPU_CYCLES", err)
		r.Close()
		return nil, fmt.Errorf("open cycles counter (group leader): %w", err)
	}
	r.fds[slotCycles] = cyclesFd
	r.groupFd = cyclesFd

	instrFd, err := openOne(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS, pid, useCPU, r.groupFd)
	if err != nil {
		reportOpenFailure("INSTRUCTIONS", err)
		r.Close()
		return nil, fmt.Errorf("open instructions counter: %w", err)
	}
	r.fds[slotInstructions] = instrFd

	r.fds[slotCacheMiss] = openWithFallback(pid, useCPU, r.groupFd, "CACHE_MISSES/fallback",
		[]uint32{unix.PERF_TYPE_HARDWARE, unix.PERF_TYPE_HARDWARE, unix.PERF_TYPE_SOFTWARE},
		[]uint64{unix.PERF_COUNT_HW_CACHE_MISSES, unix.PERF_COUNT_HW_CACHE_REFERENCES, unix.PERF_COUNT_SW_CPU_CLOCK},
	)

	if fd, err := openOne(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES, pid, useCPU, r.groupFd); err == nil {
		r.fds[slotBranchMiss] = fd
	}
	if fd, err := openOne(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS, pid, useCPU, r.groupFd); err == nil {
		r.fds[slotBranchInstructions] = fd
	}
	if fd, err := openOne(unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES, pid, useCPU, r.groupFd); err == nil {
		r.fds[slotCacheReferences] = fd
	}

	if n := r.countOpen(); n < criticalMin {
		r.Close()
		return nil, fmt.Errorf("insufficient counters open (%d), need at least %d (cycles, instructions)", n, criticalMin)
	}

	if err := unix.IoctlSetInt(r.groupFd, unix.PERF_EVENT_IOC_RESET, unix.PERF_IOC_FLAG_GROUP); err != nil {
		fmt.Fprintf(os.Stderr, "[pmu] PERF_EVENT_IOC_RESET failed: %v\n", err)
	}
	if err := unix.IoctlSetInt(r.groupFd, unix.PERF_EVENT_IOC_ENABLE, unix.PERF_IOC_FLAG_GROUP); err != nil {
		r.Close()
		return nil, fmt.Errorf("PERF_EVENT_IOC_ENABLE: %w", err)
	}

	return r, nil
}

func openOne(typ uint32, config uint64, pid, cpu, groupFd int) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:        typ,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      config,
		Bits:        unix.PerfBitDisabled | unix.PerfBitInherit,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}
	fd, err := unix.PerfEventOpen(attr, pid, cpu, groupFd, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func openWithFallback(pid, cpu, groupFd int, slotName string, types []uint32, configs []uint64) int {
	for i := range types {
		fd, err := openOne(types[i], configs[i], pid, cpu, groupFd)
		if err == nil {
			fmt.Fprintf(os.Stderr, "[pmu] opened event: %s (type=%d config=%d)\n", slotName, types[i], configs[i])
			return fd
		}
	}
	fmt.Fprintf(os.Stderr, "[pmu] all alternatives failed for slot %s\n", slotName)
	return -1
}

func reportOpenFailure(name string, err error) {
	fmt.Fprintf(os.Stderr, "[pmu] perf_event_open failed for %s: %v\n", name, err)
}

func (r *Reader) countOpen() int {
	n := 0
	for _, fd := range r.fds {
		if fd >= 0 {
			n++
		}
	}
	return n
}

// Read returns one scaled snapshot of all six counters. Unopened slots
// read as 0. A read failure on any opened descriptor fails the whole
// read — the caller (the sampler) treats this as a transient, skippable
// iteration.
func (r *Reader) Read() (Reading, error) {
	var vals [numSlots]uint64
	for i, fd := range r.fds {
		if fd < 0 {
			continue
		}
		v, err := readScaled(fd)
		if err != nil {
			return Reading{}, fmt.Errorf("read counter slot %d: %w", i, err)
		}
		vals[i] = v
	}
	return Reading{
		Cycles:             vals[slotCycles],
		Instructions:       vals[slotInstructions],
		CacheMisses:        vals[slotCacheMiss],
		BranchMisses:       vals[slotBranchMiss],
		BranchInstructions: vals[slotBranchInstructions],
		CacheReferences:    vals[slotCacheReferences],
	}, nil
}

// perfRawRead mirrors the kernel's read(2) payload shape when
// PERF_FORMAT_TOTAL_TIME_ENABLED|PERF_FORMAT_TOTAL_TIME_RUNNING is set.
type perfRawRead struct {
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
}

func readScaled(fd int) (uint64, error) {
	var raw perfRawRead
	b := (*[24]byte)(unsafe.Pointer(&raw))[:]
	n, err := unix.Read(fd, b)
	if err != nil {
		return 0, err
	}
	if n != len(b) {
		return 0, fmt.Errorf("short read: got %d bytes, want %d", n, len(b))
	}

	switch {
	case raw.TimeRunning == 0:
		return 0, nil
	case raw.TimeRunning < raw.TimeEnabled:
		return uint64(float64(raw.Value) * (float64(raw.TimeEnabled) / float64(raw.TimeRunning))), nil
	default:
		return raw.Value, nil
	}
}

// Enable starts the group (PERF_EVENT_IOC_ENABLE with the group flag).
func (r *Reader) Enable() error {
	if r.groupFd < 0 {
		return fmt.Errorf("pmu: enable on closed reader")
	}
	return unix.IoctlSetInt(r.groupFd, unix.PERF_EVENT_IOC_ENABLE, unix.PERF_IOC_FLAG_GROUP)
}

// Disable stops the group (PERF_EVENT_IOC_DISABLE with the group flag).
func (r *Reader) Disable() error {
	if r.groupFd < 0 {
		return fmt.Errorf("pmu: disable on closed reader")
	}
	return unix.IoctlSetInt(r.groupFd, unix.PERF_EVENT_IOC_DISABLE, unix.PERF_IOC_FLAG_GROUP)
}

// Close releases every open descriptor, idempotently.
func (r *Reader) Close() error {
	for i, fd := range r.fds {
		if fd >= 0 {
			_ = unix.Close(fd)
			r.fds[i] = -1
		}
	}
	r.groupFd = -1
	return nil
}

func warnPerfParanoid() {
	f, err := os.Open("/proc/sys/kernel/perf_event_paranoid")
	if err != nil {
		return
	}
	defer f.Close()
	var raw [16]byte
	n, _ := f.Read(raw[:])
	val, err := strconv.Atoi(strings.TrimSpace(string(raw[:n])))
	if err == nil && val > 2 {
		fmt.Fprintf(os.Stderr, "[pmu] WARNING: perf_event_paranoid=%d (max 2 recommended) — hardware counters may fail\n", val)
	}
}

func warnHypervisor() {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "hypervisor") {
			fmt.Fprintln(os.Stderr, "[pmu] running inside virtualized environment — PMU may be restricted")
			return
		}
	}
}
