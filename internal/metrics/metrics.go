// Package metrics wires the storage kernel's counters and gauges into
// OpenTelemetry, exported through the Prometheus exporter, the same pairing
// the reference telemetry setup this package was adapted from uses. Every
// counter also updates a plain atomic counterpart (the checkpoint-duration
// histogram has none) so StorageEngine.Metrics() can read current values
// without touching the OTel pipeline or contending on any lock.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Config controls whether and how metrics are exported. Disabling it is
// valid for embedders that don't want a Prometheus endpoint; the atomic
// snapshot counters keep working either way.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceName    string `yaml:"service_name"`
	PrometheusPort int    `yaml:"prometheus_port"`
}

// DefaultConfig returns a disabled configuration; embedders opt in
// explicitly since binding an HTTP port is a side effect the kernel itself
// should never impose.
func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "storagekernel", PrometheusPort: 9090}
}

// Recorder is the narrow interface every instrumented component depends on,
// so tests and embedders that don't want OpenTelemetry wired up can pass a
// no-op implementation instead of a concrete *Metrics.
type Recorder interface {
	PageRead()
	PageWritten()
	BufferHit()
	BufferMiss()
	DirtyDelta(delta int64)
	WalAppend(bytes int)
	WalRotation()
	Checkpoint(d time.Duration, blocking bool)
}

// Snapshot is a point-in-time, lock-free read of every counter, returned by
// StorageEngine.Metrics().
type Snapshot struct {
	PagesRead           int64
	PagesWritten        int64
	BufferHits          int64
	BufferMisses        int64
	DirtyPages          int64
	CheckpointCount      int64
	BlockingCheckpoints int64
	WalBytesAppended    int64
	WalSegmentRotations int64
}

// ShutdownFunc flushes and releases the metrics pipeline's resources.
type ShutdownFunc func(ctx context.Context) error

// Metrics is the concrete Recorder: one OTel instrument plus one atomic
// counter per tracked quantity.
type Metrics struct {
	pagesRead           metric.Int64Counter
	pagesWritten        metric.Int64Counter
	bufferHits          metric.Int64Counter
	bufferMisses        metric.Int64Counter
	dirtyPages          metric.Int64UpDownCounter
	checkpointCount      metric.Int64Counter
	checkpointDuration  metric.Float64Histogram
	blockingCheckpoints metric.Int64Counter
	walBytesAppended    metric.Int64Counter
	walSegmentRotations metric.Int64Counter

	snapPagesRead           atomic.Int64
	snapPagesWritten        atomic.Int64
	snapBufferHits          atomic.Int64
	snapBufferMisses        atomic.Int64
	snapDirtyPages          atomic.Int64
	snapCheckpointCount      atomic.Int64
	snapBlockingCheckpoints atomic.Int64
	snapWalBytesAppended    atomic.Int64
	snapWalSegmentRotations atomic.Int64
}

// New builds the OTel meter provider and Prometheus exporter described by
// cfg and returns a *Metrics wired to it, plus a shutdown func. If
// cfg.Enabled is false, every instrument is backed by the no-op meter
// provider: calls are cheap and harmless, and the atomic snapshot path
// still works.
func New(cfg Config, logger *zap.Logger) (*Metrics, ShutdownFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var meter metric.Meter
	var shutdown ShutdownFunc = func(context.Context) error { return nil }

	if !cfg.Enabled {
		meter = noop.NewMeterProvider().Meter(cfg.ServiceName)
	} else {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("building metrics resource: %w", err)
		}

		exporter, err := prometheus.New()
		if err != nil {
			return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		meter = provider.Meter(cfg.ServiceName)
		shutdown = func(ctx context.Context) error { return provider.Shutdown(ctx) }

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.PrometheusPort), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("prometheus metrics server failed", zap.Error(err))
			}
		}()
	}

	m := &Metrics{}
	var err error
	if m.pagesRead, err = meter.Int64Counter("storagekernel.pages.read"); err != nil {
		return nil, nil, err
	}
	if m.pagesWritten, err = meter.Int64Counter("storagekernel.pages.written"); err != nil {
		return nil, nil, err
	}
	if m.bufferHits, err = meter.Int64Counter("storagekernel.buffer_pool.hits"); err != nil {
		return nil, nil, err
	}
	if m.bufferMisses, err = meter.Int64Counter("storagekernel.buffer_pool.misses"); err != nil {
		return nil, nil, err
	}
	if m.dirtyPages, err = meter.Int64UpDownCounter("storagekernel.buffer_pool.dirty_pages"); err != nil {
		return nil, nil, err
	}
	if m.checkpointCount, err = meter.Int64Counter("storagekernel.checkpoint.count"); err != nil {
		return nil, nil, err
	}
	if m.checkpointDuration, err = meter.Float64Histogram("storagekernel.checkpoint.duration_seconds"); err != nil {
		return nil, nil, err
	}
	if m.blockingCheckpoints, err = meter.Int64Counter("storagekernel.checkpoint.blocking_count"); err != nil {
		return nil, nil, err
	}
	if m.walBytesAppended, err = meter.Int64Counter("storagekernel.wal.bytes_appended"); err != nil {
		return nil, nil, err
	}
	if m.walSegmentRotations, err = meter.Int64Counter("storagekernel.wal.segment_rotations"); err != nil {
		return nil, nil, err
	}

	return m, shutdown, nil
}

func (m *Metrics) PageRead() {
	m.pagesRead.Add(context.Background(), 1)
	m.snapPagesRead.Add(1)
}

func (m *Metrics) PageWritten() {
	m.pagesWritten.Add(context.Background(), 1)
	m.snapPagesWritten.Add(1)
}

func (m *Metrics) BufferHit() {
	m.bufferHits.Add(context.Background(), 1)
	m.snapBufferHits.Add(1)
}

func (m *Metrics) BufferMiss() {
	m.bufferMisses.Add(context.Background(), 1)
	m.snapBufferMisses.Add(1)
}

// DirtyDelta adjusts the dirty-page gauge by delta (+1 when a page first
// becomes dirty, -1 when a dirty page is flushed).
func (m *Metrics) DirtyDelta(delta int64) {
	m.dirtyPages.Add(context.Background(), delta)
	m.snapDirtyPages.Add(delta)
}

func (m *Metrics) WalAppend(bytes int) {
	m.walBytesAppended.Add(context.Background(), int64(bytes))
	m.snapWalBytesAppended.Add(int64(bytes))
}

func (m *Metrics) WalRotation() {
	m.walSegmentRotations.Add(context.Background(), 1)
	m.snapWalSegmentRotations.Add(1)
}

// Checkpoint records that one checkpoint run of duration d completed, and
// whether it was a blocking (hard-limit) run.
func (m *Metrics) Checkpoint(d time.Duration, blocking bool) {
	ctx := context.Background()
	m.checkpointCount.Add(ctx, 1)
	m.checkpointDuration.Record(ctx, d.Seconds())
	m.snapCheckpointCount.Add(1)
	if blocking {
		m.blockingCheckpoints.Add(ctx, 1)
		m.snapBlockingCheckpoints.Add(1)
	}
}

// DirtyPageCount returns the current value of the lock-free dirty-page
// gauge, without taking any lock.
func (m *Metrics) DirtyPageCount() int64 { return m.snapDirtyPages.Load() }

// Snapshot returns a point-in-time read of every counter.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PagesRead:           m.snapPagesRead.Load(),
		PagesWritten:        m.snapPagesWritten.Load(),
		BufferHits:          m.snapBufferHits.Load(),
		BufferMisses:        m.snapBufferMisses.Load(),
		DirtyPages:          m.snapDirtyPages.Load(),
		CheckpointCount:      m.snapCheckpointCount.Load(),
		BlockingCheckpoints: m.snapBlockingCheckpoints.Load(),
		WalBytesAppended:    m.snapWalBytesAppended.Load(),
		WalSegmentRotations: m.snapWalSegmentRotations.Load(),
	}
}

// noopRecorder implements Recorder with no observable effect, for tests and
// embedders that don't want a metrics pipeline at all.
type noopRecorder struct{}

func (noopRecorder) PageRead()                        {}
func (noopRecorder) PageWritten()                     {}
func (noopRecorder) BufferHit()                       {}
func (noopRecorder) BufferMiss()                      {}
func (noopRecorder) DirtyDelta(int64)                 {}
func (noopRecorder) WalAppend(int)                    {}
func (noopRecorder) WalRotation()                     {}
func (noopRecorder) Checkpoint(time.Duration, bool)   {}

// Noop returns a Recorder that discards every observation.
func Noop() Recorder { return noopRecorder{} }
