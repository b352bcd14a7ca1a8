// Package config loads and validates cpu-guardian's runtime
// configuration: a deterministic set of defaults, optionally overridden
// by a key=value file, itself loaded after CLI flags are applied so a
// supplied config file always wins over same-named flags — matching the
// original tool's layering of defaults -> CLI flags -> config file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable of the detection pipeline. Field names
// mirror the key=value config file vocabulary directly.
type Config struct {
	SamplingIntervalUs   uint32
	LearningDurationSec  uint32
	ZThreshold           float64
	BurstWindow          uint32
	RingbufferCapacity   uint32
	TargetCPU            int
	TargetPID            int
	LogToFile            bool
	LogToSyslog          bool
	Verbose              bool
	PerProcessMode       bool
	RiskDecayFactor      float64
	CorrelationWindowSec uint32
	AlertCooldownSec     uint32
	PMUTest              bool
	EnableMLOutput       bool
	LogFile              string
	SocketPath           string
}

// Default returns the baseline configuration used when no file or flag
// overrides any field.
func Default() Config {
	return Config{
		SamplingIntervalUs:   1000,
		LearningDurationSec:  60,
		ZThreshold:           3.5,
		BurstWindow:          10,
		RingbufferCapacity:   8192,
		TargetCPU:            -1,
		TargetPID:            -1,
		LogToFile:            false,
		LogToSyslog:          false,
		Verbose:              false,
		PerProcessMode:       false,
		RiskDecayFactor:      0.95,
		CorrelationWindowSec: 30,
		AlertCooldownSec:     5,
		PMUTest:              false,
		EnableMLOutput:       true,
		LogFile:              "/var/log/cpu-guardian.log",
		SocketPath:           "/tmp/cpu-guardian.sock",
	}
}

// LoadFile parses a key=value configuration file into cfg, in place.
// Blank lines and lines starting with '#' (after trimming) are skipped.
// A line lacking '=' is a syntax error. Unknown keys are reported and
// counted as errors, but parsing continues to the end of the file so a
// single mistake does not hide the rest. LoadFile returns a non-nil
// error (summarizing how many lines failed) when any line failed,
// after applying every line that did parse.
func LoadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	errCount := 0

	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			fmt.Fprintf(os.Stderr, "[config] syntax error on line %d\n", lineno)
			errCount++
			continue
		}

		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if err := applyKV(cfg, key, val); err != nil {
			fmt.Fprintf(os.Stderr, "[config] %v\n", err)
			errCount++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if errCount > 0 {
		return fmt.Errorf("%d invalid entries in %s", errCount, path)
	}
	return nil
}

func applyKV(cfg *Config, key, val string) error {
	switch key {
	case "sampling_interval_us":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid sampling_interval_us: %q", val)
		}
		cfg.SamplingIntervalUs = uint32(v)
	case "learning_duration_sec":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid learning_duration_sec: %q", val)
		}
		cfg.LearningDurationSec = uint32(v)
	case "z_threshold":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid z_threshold: %q", val)
		}
		cfg.ZThreshold = v
	case "burst_window":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid burst_window: %q", val)
		}
		cfg.BurstWindow = uint32(v)
	case "ringbuffer_capacity":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ringbuffer_capacity: %q", val)
		}
		cfg.RingbufferCapacity = uint32(v)
	case "target_cpu":
		v, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid target_cpu: %q", val)
		}
		cfg.TargetCPU = v
	case "target_pid":
		v, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid target_pid: %q", val)
		}
		cfg.TargetPID = v
	case "log_file":
		cfg.LogFile = val
		cfg.LogToFile = true
	case "log_to_syslog":
		cfg.LogToSyslog = isTruthy(val)
	case "verbose":
		cfg.Verbose = isTruthy(val)
	case "per_process_mode":
		cfg.PerProcessMode = isTruthy(val)
	case "risk_decay_factor":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("invalid risk_decay_factor: %q", val)
		}
		cfg.RiskDecayFactor = v
	case "correlation_window_sec":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid correlation_window_sec: %q", val)
		}
		cfg.CorrelationWindowSec = uint32(v)
	case "alert_cooldown_sec":
		v, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid alert_cooldown_sec: %q", val)
		}
		cfg.AlertCooldownSec = uint32(v)
	case "socket_path":
		cfg.SocketPath = val
	case "enable_ml_output":
		cfg.EnableMLOutput = isTruthy(val)
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}

func isTruthy(val string) bool {
	return val == "true" || val == "1"
}

// Dump renders the active configuration in the same fixed, human-read
// key-aligned form the daemon has always used for `config dump` and
// verbose startup banners.
func Dump(cfg Config) string {
	var b strings.Builder
	fmt.Fprintln(&b, "=== CPU Guardian Configuration ===")
	fmt.Fprintf(&b, "  sampling_interval_us   = %d\n", cfg.SamplingIntervalUs)
	fmt.Fprintf(&b, "  learning_duration_sec  = %d\n", cfg.LearningDurationSec)
	fmt.Fprintf(&b, "  z_threshold            = %.2f\n", cfg.ZThreshold)
	fmt.Fprintf(&b, "  burst_window           = %d\n", cfg.BurstWindow)
	fmt.Fprintf(&b, "  ringbuffer_capacity    = %d\n", cfg.RingbufferCapacity)
	fmt.Fprintf(&b, "  target_cpu             = %d\n", cfg.TargetCPU)
	fmt.Fprintf(&b, "  target_pid             = %d\n", cfg.TargetPID)
	fmt.Fprintf(&b, "  log_file               = %s\n", cfg.LogFile)
	fmt.Fprintf(&b, "  log_to_file            = %s\n", boolStr(cfg.LogToFile))
	fmt.Fprintf(&b, "  log_to_syslog          = %s\n", boolStr(cfg.LogToSyslog))
	fmt.Fprintf(&b, "  verbose                = %s\n", boolStr(cfg.Verbose))
	fmt.Fprintf(&b, "  per_process_mode       = %s\n", boolStr(cfg.PerProcessMode))
	fmt.Fprintf(&b, "  risk_decay_factor      = %.4f\n", cfg.RiskDecayFactor)
	fmt.Fprintf(&b, "  correlation_window_sec = %d\n", cfg.CorrelationWindowSec)
	fmt.Fprintf(&b, "  alert_cooldown_sec     = %d\n", cfg.AlertCooldownSec)
	fmt.Fprintf(&b, "  pmu_test               = %s\n", boolStr(cfg.PMUTest))
	fmt.Fprintf(&b, "  socket_path            = %s\n", cfg.SocketPath)
	fmt.Fprintf(&b, "  enable_ml_output       = %s\n", boolStr(cfg.EnableMLOutput))
	fmt.Fprintln(&b, "==================================")
	return b.String()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
