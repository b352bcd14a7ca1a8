// Package orchestrator drives the two-phase detection lifecycle:
// learning a statistical baseline from live PMU samples, then running
// continuous anomaly detection against it, with graceful signal
// handling throughout.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baikal/cpu-guardian/internal/alert"
	"github.com/baikal/cpu-guardian/internal/anomaly"
	"github.com/baikal/cpu-guardian/internal/config"
	"github.com/baikal/cpu-guardian/internal/correlator"
	"github.com/baikal/cpu-guardian/internal/egress"
	"github.com/baikal/cpu-guardian/internal/model"
	"github.com/baikal/cpu-guardian/internal/output"
	"github.com/baikal/cpu-guardian/internal/priv"
	"github.com/baikal/cpu-guardian/internal/ring"
	"github.com/baikal/cpu-guardian/internal/sampler"
)

const (
	decayIntervalNs  = 1_000_000_000
	statusIntervalNs = 10_000_000_000
	emptyPollLearn   = 500 * time.Microsecond
	emptyPollDetect  = 100 * time.Microsecond
)

// Stats summarizes a completed run, printed on clean shutdown.
type Stats struct {
	TotalSamples   uint64
	AnomalySamples uint64
}

// Orchestrator owns the ring buffer, sampler, anomaly engine,
// correlator, and alert sink for one run of the detection pipeline.
type Orchestrator struct {
	cfg      config.Config
	progress *output.Progress
	sink     alert.Sink
}

// New creates an Orchestrator from a fully-resolved configuration.
func New(cfg config.Config, sink alert.Sink) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		progress: output.NewProgress(cfg.Verbose),
		sink:     sink,
	}
}

// Run executes the full learning-then-detection lifecycle until ctx is
// cancelled or a SIGINT/SIGTERM arrives. It returns the samples
// accumulated so far even when interrupted mid-run, matching the
// original's partial-shutdown behavior.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			o.sink.Info("received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rb := ring.New[model.Sample](int(o.cfg.RingbufferCapacity))

	s := sampler.New(sampler.Config{
		IntervalUs: uint64(o.cfg.SamplingIntervalUs),
		CPU:        o.cfg.TargetCPU,
		PID:        o.cfg.TargetPID,
	}, rb)

	if err := s.Start(); err != nil {
		return Stats{}, fmt.Errorf("start sampler: %w", err)
	}
	defer s.Stop()

	o.sink.Info("telemetry engine started on cpu=%d pid=%d", o.cfg.TargetCPU, o.cfg.TargetPID)

	var mlSink *egress.Socket
	if o.cfg.EnableMLOutput {
		sock, err := egress.Dial(o.cfg.SocketPath)
		if err != nil {
			o.sink.Info("ML IPC unavailable (%s) — using detection-only mode", o.cfg.SocketPath)
		} else {
			mlSink = sock
			defer mlSink.Close()
			o.sink.Info("ML IPC connected: %s", o.cfg.SocketPath)
		}
	}

	eng := anomaly.New(anomaly.Config{
		ZThreshold:  o.cfg.ZThreshold,
		BurstWindow: int(o.cfg.BurstWindow),
	})

	corr := correlator.New(correlator.Config{
		DecayFactor: o.cfg.RiskDecayFactor,
		WindowSec:   float64(o.cfg.CorrelationWindowSec),
	})

	var stats Stats

	learnSamples, err := o.learn(ctx, rb, eng, mlSink)
	if err != nil {
		return stats, err
	}
	if ctx.Err() != nil {
		return stats, nil
	}
	if learnSamples == 0 {
		return stats, fmt.Errorf("no PMU samples collected during learning — check PMU access (perf_event_paranoid, VM restrictions) or run pmu-test")
	}

	eng.Finalize()
	o.sink.Info("learning complete: %d samples collected", learnSamples)

	if err := priv.Drop(); err != nil {
		o.sink.Info("privilege drop failed: %v", err)
	}

	o.sink.Info("entering detection phase...")
	stats = o.detect(ctx, rb, eng, corr, mlSink)
	return stats, nil
}

// learn feeds samples to the anomaly engine for LearningDurationSec
// wall-clock seconds, or until ctx is cancelled.
func (o *Orchestrator) learn(ctx context.Context, rb *ring.Ring[model.Sample], eng *anomaly.Engine, mlSink *egress.Socket) (uint64, error) {
	o.sink.Info("entering learning phase (%d seconds)...", o.cfg.LearningDurationSec)

	deadline := time.Now().Add(time.Duration(o.cfg.LearningDurationSec) * time.Second)
	var n uint64

	for {
		if ctx.Err() != nil {
			return n, nil
		}
		if time.Now().After(deadline) {
			return n, nil
		}

		sample, ok := rb.Pop()
		if !ok {
			time.Sleep(emptyPollLearn)
			continue
		}

		eng.Learn(sample)
		if mlSink != nil {
			mlSink.Send(sample)
		}
		n++
	}
}

// detect runs the continuous detection loop: pop, classify, correlate,
// alert, with periodic decay and status maintenance folded in.
func (o *Orchestrator) detect(ctx context.Context, rb *ring.Ring[model.Sample], eng *anomaly.Engine, corr *correlator.Correlator, mlSink *egress.Socket) Stats {
	var stats Stats

	targetPID := o.cfg.TargetPID
	if targetPID <= 0 {
		targetPID = os.Getpid()
	}

	var lastDecay, lastStatus uint64

	for ctx.Err() == nil {
		sample, ok := rb.Pop()
		if !ok {
			time.Sleep(emptyPollDetect)
			continue
		}

		stats.TotalSamples++

		result := eng.Detect(sample)
		if mlSink != nil {
			mlSink.Send(sample)
		}

		if result.Flags.Any() {
			stats.AnomalySamples++
			level := model.ClassifySeverity(result)
			reason := result.Flags.Reason()

			corr.Update(targetPID, 0, result.CompositeScore, sample.TimestampNs)

			comm := "system"
			if top, ok := corr.TopRisk(); ok {
				comm = top.Comm
			}

			o.sink.Alert(model.AlertRecord{
				Level:        level,
				TimestampNs:  sample.TimestampNs,
				PID:          targetPID,
				Comm:         comm,
				AnomalyScore: result.CompositeScore,
				Reason:       reason,
			})

			if o.cfg.Verbose {
				o.progress.Log("z_cmr=%.2f z_bmr=%.2f z_ipc=%.2f score=%.4f sustained=%d flags=%s",
					result.ZCacheMiss, result.ZBranchMiss, result.ZIPC,
					result.CompositeScore, result.SustainedCount, reason)
			}
		}

		// now is taken from the sample's own CLOCK_MONOTONIC_RAW
		// timestamp, the same clock domain correlator entries are
		// stamped with (internal/sampler.monotonicRawNs), so decay's
		// nowNs-LastSeenNs subtraction never underflows across epochs.
		now := sample.TimestampNs
		if lastDecay == 0 {
			lastDecay = now
		}
		if lastStatus == 0 {
			lastStatus = now
		}
		if now-lastDecay > decayIntervalNs {
			corr.Decay(now)
			lastDecay = now
		}

		if o.cfg.Verbose && now-lastStatus > statusIntervalNs {
			pct := 0.0
			if stats.TotalSamples > 0 {
				pct = float64(stats.AnomalySamples) / float64(stats.TotalSamples) * 100.0
			}
			o.sink.Info("status: %d samples, %d anomalies (%.2f%%), rb_fill=%d",
				stats.TotalSamples, stats.AnomalySamples, pct, rb.Len())
			lastStatus = now
		}
	}

	return stats
}
