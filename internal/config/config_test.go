package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, uint32(1000), cfg.SamplingIntervalUs)
	require.Equal(t, uint32(60), cfg.LearningDurationSec)
	require.Equal(t, 3.5, cfg.ZThreshold)
	require.Equal(t, uint32(10), cfg.BurstWindow)
	require.Equal(t, uint32(8192), cfg.RingbufferCapacity)
	require.Equal(t, -1, cfg.TargetCPU)
	require.Equal(t, -1, cfg.TargetPID)
	require.Equal(t, 0.95, cfg.RiskDecayFactor)
	require.Equal(t, uint32(30), cfg.CorrelationWindowSec)
	require.Equal(t, uint32(5), cfg.AlertCooldownSec)
	require.True(t, cfg.EnableMLOutput)
	require.Equal(t, "/var/log/cpu-guardian.log", cfg.LogFile)
	require.Equal(t, "/tmp/cpu-guardian.sock", cfg.SocketPath)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.conf")
	content := "# sample config\n\nsampling_interval_us=2000\nz_threshold = 4.0\nverbose=true\ntarget_cpu=2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(&cfg, path))

	require.Equal(t, uint32(2000), cfg.SamplingIntervalUs)
	require.Equal(t, 4.0, cfg.ZThreshold)
	require.True(t, cfg.Verbose)
	require.Equal(t, 2, cfg.TargetCPU)
	require.Equal(t, uint32(10), cfg.BurstWindow, "unmentioned fields must keep their prior value")
}

func TestLoadFileUnknownKeyIsErrorButContinues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.conf")
	require.NoError(t, os.WriteFile(path, []byte("bogus_key=1\nverbose=true\n"), 0o644))

	cfg := Default()
	err := LoadFile(&cfg, path)
	require.Error(t, err)
	require.True(t, cfg.Verbose, "a later valid key must still apply despite an earlier unknown key")
}

func TestLoadFileSyntaxErrorLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.conf")
	require.NoError(t, os.WriteFile(path, []byte("not-a-kv-line\n"), 0o644))

	cfg := Default()
	require.Error(t, LoadFile(&cfg, path))
}

func TestLoadFileMissingFile(t *testing.T) {
	cfg := Default()
	require.Error(t, LoadFile(&cfg, "/nonexistent/path/guardian.conf"))
}

func TestDumpContainsAllFields(t *testing.T) {
	out := Dump(Default())
	for _, want := range []string{
		"sampling_interval_us", "learning_duration_sec", "z_threshold",
		"burst_window", "ringbuffer_capacity", "target_cpu", "target_pid",
		"log_file", "log_to_file", "log_to_syslog", "verbose",
		"per_process_mode", "risk_decay_factor", "correlation_window_sec",
		"alert_cooldown_sec", "pmu_test", "socket_path", "enable_ml_output",
	} {
		require.Contains(t, out, want)
	}
}

func TestLogFileKeyImpliesLogToFile(t *testing.T) {
	cfg := Default()
	require.NoError(t, applyKV(&cfg, "log_file", "/tmp/x.log"))
	require.True(t, cfg.LogToFile)
	require.Equal(t, "/tmp/x.log", cfg.LogFile)
}
