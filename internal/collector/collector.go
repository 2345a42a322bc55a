package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matverse/autonomy/internal/logging"
	"github.com/matverse/autonomy/internal/telemetry"
	"github.com/rs/zerolog"
)

// #region source

// Source produces raw telemetry samples. Implementations may block on
// I/O; the collector isolates callers from that latency.
type Source interface {
	Sample(ctx context.Context) (telemetry.SystemState, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context) (telemetry.SystemState, error)

// Sample calls f.
func (f SourceFunc) Sample(ctx context.Context) (telemetry.SystemState, error) {
	return f(ctx)
}

// #endregion source

// #region collector-struct

// Collector samples telemetry at a fixed interval and publishes the
// latest committed sample through an atomically swapped snapshot.
// Readers never block the sampling writer and the writer never blocks
// readers. Out-of-range samples are rejected, never clamped.
type Collector struct {
	source   Source
	interval time.Duration
	log      zerolog.Logger

	snapshot  atomic.Pointer[telemetry.SystemState]
	staleness atomic.Uint64 // consecutive samples that failed or were rejected
	accepted  atomic.Uint64
	rejected  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a collector reading from source every interval.
func New(source Source, interval time.Duration) *Collector {
	return &Collector{
		source:   source,
		interval: interval,
		log:      logging.Component("collector"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// #endregion collector-struct

// #region lifecycle

// Start launches the sampling loop. Safe to call once; later calls are no-ops.
func (c *Collector) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.loop(ctx)
	})
}

// Stop halts the sampling loop and waits for it to exit.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Collector) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Prime the snapshot so the first OODA cycle has data.
	c.sampleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.sampleOnce(ctx)
		}
	}
}

func (c *Collector) sampleOnce(ctx context.Context) {
	sample, err := c.source.Sample(ctx)
	if err != nil {
		c.staleness.Add(1)
		c.log.Warn().Err(err).Uint64("staleness", c.staleness.Load()).Msg("sample failed, holding previous snapshot")
		return
	}
	if err := c.Record(sample); err != nil {
		c.log.Warn().Err(err).Uint64("staleness", c.staleness.Load()).Msg("sample rejected")
	}
}

// #endregion lifecycle

// #region record

// Record validates and commits a telemetry sample. The push path for
// external telemetry producers; the sampling loop uses it too.
// An out-of-range sample returns the validation error, holds the
// previous snapshot, and increments the staleness counter.
func (c *Collector) Record(sample telemetry.SystemState) error {
	if err := sample.Validate(); err != nil {
		c.staleness.Add(1)
		c.rejected.Add(1)
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	c.snapshot.Store(&sample)
	c.staleness.Store(0)
	c.accepted.Add(1)
	return nil
}

// #endregion record

// #region readers

// Snapshot returns the latest committed sample without blocking.
// The second return is false until the first sample commits.
func (c *Collector) Snapshot() (telemetry.SystemState, bool) {
	p := c.snapshot.Load()
	if p == nil {
		return telemetry.SystemState{}, false
	}
	return *p, true
}

// Staleness returns the count of consecutive failed or rejected samples
// since the last committed one.
func (c *Collector) Staleness() uint64 {
	return c.staleness.Load()
}

// Export returns a flat metric map for observability sinks.
func (c *Collector) Export() map[string]float64 {
	out := map[string]float64{
		"collector_samples_accepted": float64(c.accepted.Load()),
		"collector_samples_rejected": float64(c.rejected.Load()),
		"collector_staleness":        float64(c.staleness.Load()),
	}
	if s, ok := c.Snapshot(); ok {
		out["omega_score_current"] = s.OmegaScore
		out["psi_index_current"] = s.PsiIndex
		out["beta_antifragile_current"] = s.BetaAntifragile
		out["system_cpu_usage"] = s.CPUUsage
		out["latency_normalized"] = s.Latency
		out["throughput_rps"] = s.Throughput
	}
	return out
}

// #endregion readers
