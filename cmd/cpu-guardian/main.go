// cpu-guardian — real-time PMU-based side-channel anomaly detector.
//
// Samples hardware performance counters via perf_event_open, learns a
// statistical baseline, then flags cache-timing and branch-prediction
// anomalies consistent with side-channel activity (Spectre/Meltdown-class
// probing, cache-timing attacks) as they happen.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/baikal/cpu-guardian/internal/alert"
	"github.com/baikal/cpu-guardian/internal/config"
	"github.com/baikal/cpu-guardian/internal/orchestrator"
	"github.com/baikal/cpu-guardian/internal/pmu"
)

var version = "0.1.0"

const banner = `╔══════════════════════════════════════════════════╗
║       CPU Guardian - Side-Channel Detector        ║
║       Real-Time PMU Anomaly Detection Engine       ║
╚══════════════════════════════════════════════════╝
`

func main() {
	cfg := config.Default()
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "cpu-guardian",
		Short:   "Real-time PMU anomaly detection engine",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().Uint32VarP(&cfg.SamplingIntervalUs, "interval", "i", cfg.SamplingIntervalUs, "sampling interval (microseconds)")
	rootCmd.PersistentFlags().Uint32VarP(&cfg.LearningDurationSec, "learning", "l", cfg.LearningDurationSec, "learning duration (seconds)")
	rootCmd.PersistentFlags().Float64VarP(&cfg.ZThreshold, "z-threshold", "z", cfg.ZThreshold, "z-score anomaly threshold")
	rootCmd.PersistentFlags().IntVarP(&cfg.TargetCPU, "cpu", "C", cfg.TargetCPU, "target CPU core (-1 = all)")
	rootCmd.PersistentFlags().IntVarP(&cfg.TargetPID, "pid", "p", cfg.TargetPID, "target PID (-1 = system-wide)")
	rootCmd.PersistentFlags().StringVarP(&cfg.LogFile, "log-file", "o", cfg.LogFile, "alert log file path")
	rootCmd.PersistentFlags().BoolVarP(&cfg.LogToSyslog, "syslog", "s", cfg.LogToSyslog, "also emit alerts to syslog")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "verbose diagnostics")
	rootCmd.PersistentFlags().StringVarP(&cfg.SocketPath, "socket", "S", cfg.SocketPath, "ML engine unix socket path")
	rootCmd.PersistentFlags().BoolVarP(&cfg.LogToFile, "log-to-file", "O", cfg.LogToFile, "enable file logging at --log-file")

	var disableML bool
	rootCmd.PersistentFlags().BoolVarP(&disableML, "no-ml", "M", false, "disable ML telemetry offload")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := config.LoadFile(&cfg, configPath); err != nil {
				fmt.Fprintf(os.Stderr, "[config] failed to load %s: %v\n", configPath, err)
			}
		}
		if disableML {
			cfg.EnableMLOutput = false
		}
		if cfg.TargetPID == -1 && cfg.TargetCPU == -1 {
			cfg.TargetPID = 0
		}
		if cfg.Verbose {
			fmt.Print(config.Dump(cfg))
		}
		return nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the detection daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(banner)
			return runDaemon(cfg)
		},
	}

	pmuTestCmd := &cobra.Command{
		Use:   "pmu-test",
		Short: "Open hardware counters, read once, print raw values, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPMUTest(cfg)
		},
	}

	configCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	configDumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the fully-resolved configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.Dump(cfg))
			return nil
		},
	}
	configCmd.AddCommand(configDumpCmd)

	rootCmd.AddCommand(runCmd, pmuTestCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDaemon(cfg config.Config) error {
	sink, err := alert.NewLogger(alert.Config{
		ToFile:     cfg.LogToFile,
		FilePath:   cfg.LogFile,
		ToSyslog:   cfg.LogToSyslog,
		CooldownNs: uint64(cfg.AlertCooldownSec) * 1_000_000_000,
		Clock:      monotonicRawNs,
	})
	if err != nil {
		return fmt.Errorf("initialize alert sink: %w", err)
	}
	defer sink.Close()

	sink.Info("starting up (interval=%dus, learning=%ds, z=%.2f)",
		cfg.SamplingIntervalUs, cfg.LearningDurationSec, cfg.ZThreshold)

	orch := orchestrator.New(cfg, sink)
	stats, err := orch.Run(context.Background())
	if err != nil {
		return err
	}

	sink.Info("shutting down...")
	fmt.Printf("\n[cpu-guardian] exited cleanly. Total samples: %d, Anomalies: %d\n",
		stats.TotalSamples, stats.AnomalySamples)
	return nil
}

func runPMUTest(cfg config.Config) error {
	r, err := pmu.Open(cfg.TargetCPU, cfg.TargetPID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[cpu-guardian] PMU test failed: could not open counters")
		fmt.Fprintln(os.Stderr, "[cpu-guardian] If errno=2 (ENOENT): VM may not expose PMU; try bare metal or enable PMU passthrough.")
		fmt.Fprintln(os.Stderr, "[cpu-guardian] If errno=13 (EACCES): run with sudo and ensure perf_event_paranoid <= 2 (e.g. sudo sysctl kernel.perf_event_paranoid=2)")
		return err
	}
	defer r.Close()

	reading, err := r.Read()
	if err != nil {
		fmt.Fprintln(os.Stderr, "[cpu-guardian] PMU test failed: read failed")
		return err
	}

	fmt.Println("PMU raw read:")
	fmt.Printf("  cycles              = %d\n", reading.Cycles)
	fmt.Printf("  instructions        = %d\n", reading.Instructions)
	fmt.Printf("  cache_references    = %d\n", reading.CacheReferences)
	fmt.Printf("  cache_misses        = %d\n", reading.CacheMisses)
	fmt.Printf("  branch_instructions = %d\n", reading.BranchInstructions)
	fmt.Printf("  branch_misses       = %d\n", reading.BranchMisses)
	fmt.Println("[cpu-guardian] PMU test OK")
	return nil
}

func monotonicRawNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}
