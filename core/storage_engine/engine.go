package storageengine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/storagekernel/core/write_engine/bufferpool"
	"github.com/sushant-115/storagekernel/core/write_engine/checkpoint"
	flushmanager "github.com/sushant-115/storagekernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/storagekernel/core/write_engine/page_manager"
	"github.com/sushant-115/storagekernel/core/write_engine/wal"
	"github.com/sushant-115/storagekernel/internal/metrics"
	"github.com/sushant-115/storagekernel/pkg/logger"
)

// Stats aggregates the individual accessors named in the core API surface
// (buffer_pool_size, dirty_page_count, wal_size, current_lsn, page_count)
// into a single convenience snapshot.
type Stats struct {
	BufferPoolSize int
	DirtyPageCount int64
	WalSize        int64
	CurrentLSN     uint64
	PageCount      uint32
}

// Engine is the storage engine facade: it owns a disk manager, a
// write-ahead log, a buffer pool, and a checkpoint manager, and is the
// sole object an embedder constructs and drives.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	rec             *metrics.Metrics
	metricsShutdown metrics.ShutdownFunc

	disk *flushmanager.DiskManager
	wal  *wal.Log
	bp   *bufferpool.BufferPool
	ckpt *checkpoint.Manager

	initialized atomic.Bool
}

// New returns an unopened Engine. Call Initialize before using it. If log is
// nil, one is built from cfg.Logging via the standard logger factory;
// if that fails to construct, it falls back to a no-op logger.
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		built, err := logger.New(cfg.Logging)
		if err != nil {
			built = zap.NewNop()
		}
		log = built
	}
	return &Engine{cfg: cfg, logger: log}
}

// Initialize opens every owned component in order: metrics, disk manager,
// WAL, buffer pool, then starts the checkpoint manager. Idempotent.
func (e *Engine) Initialize() error {
	if !e.initialized.CompareAndSwap(false, true) {
		return nil
	}

	ok := false
	defer func() {
		if !ok {
			e.initialized.Store(false)
		}
	}()

	rec, shutdown, err := metrics.New(e.cfg.Metrics, e.logger)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	e.rec = rec
	e.metricsShutdown = shutdown

	disk, err := flushmanager.Open(e.cfg.DataDirectory, e.logger)
	if err != nil {
		if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
			e.logger.Warn("shutting down metrics after failed initialize", zap.Error(shutdownErr))
		}
		return fmt.Errorf("opening disk manager: %w", err)
	}
	e.disk = disk

	walDir := filepath.Join(e.cfg.DataDirectory, "wal")
	log, err := wal.Open(walDir, e.cfg.WalSegmentSize, e.logger, rec)
	if err != nil {
		if closeErr := disk.Close(); closeErr != nil {
			e.logger.Warn("closing disk manager after failed initialize", zap.Error(closeErr))
		}
		if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
			e.logger.Warn("shutting down metrics after failed initialize", zap.Error(shutdownErr))
		}
		return fmt.Errorf("opening write-ahead log: %w", err)
	}
	e.wal = log

	e.bp = bufferpool.New(e.cfg.BufferPoolSize, disk, rec, e.logger)
	e.ckpt = checkpoint.New(e.cfg.Checkpoint, e.bp, e.wal, rec, e.logger)
	e.ckpt.Start()

	ok = true
	e.logger.Info("storage engine initialized",
		zap.String("data_directory", e.cfg.DataDirectory),
		zap.Int("buffer_pool_size", e.cfg.BufferPoolSize))
	return nil
}

// Shutdown stops the checkpoint manager (running its final checkpoint),
// flushes and closes the buffer pool, closes the WAL and disk manager, and
// shuts down the metrics pipeline. Idempotent.
func (e *Engine) Shutdown() error {
	if !e.initialized.CompareAndSwap(true, false) {
		return nil
	}

	e.ckpt.Stop()

	var firstErr error
	if err := e.bp.Close(); err != nil {
		firstErr = fmt.Errorf("closing buffer pool: %w", err)
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing wal: %w", err)
	}
	if err := e.disk.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing disk manager: %w", err)
	}
	if e.metricsShutdown != nil {
		if err := e.metricsShutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down metrics: %w", err)
		}
	}

	e.logger.Info("storage engine shut down")
	return firstErr
}

// CreatePage allocates and pins a new page, after checking writer
// back-pressure.
func (e *Engine) CreatePage() (*pagemanager.Page, error) {
	e.ckpt.CheckPressure()
	return e.bp.NewPage()
}

// GetPage fetches and pins the page with the given ID, after checking
// writer back-pressure.
func (e *Engine) GetPage(id pagemanager.PageID) (*pagemanager.Page, error) {
	e.ckpt.CheckPressure()
	return e.bp.FetchPage(id)
}

// ReleasePage unpins id, marking it dirty if modified is true.
func (e *Engine) ReleasePage(id pagemanager.PageID, modified bool) error {
	return e.bp.ReleasePage(id, modified)
}

// Checkpoint requests a checkpoint asynchronously.
func (e *Engine) Checkpoint() {
	e.ckpt.Checkpoint()
}

// CheckpointSync requests a checkpoint and blocks until it completes.
func (e *Engine) CheckpointSync() error {
	return e.ckpt.CheckpointSync()
}

// Metrics returns a snapshot of every tracked counter.
func (e *Engine) Metrics() metrics.Snapshot {
	return e.rec.Snapshot()
}

// BufferPoolSize returns the fixed number of frames in the buffer pool.
func (e *Engine) BufferPoolSize() int { return e.bp.PoolSize() }

// DirtyPageCount returns the buffer pool's current dirty-page count,
// read lock-free.
func (e *Engine) DirtyPageCount() int64 { return e.bp.DirtyCount() }

// WalSize returns the total on-disk size of the write-ahead log.
func (e *Engine) WalSize() int64 { return e.wal.Size() }

// CurrentLSN returns the LSN that would be assigned to the next appended
// WAL record.
func (e *Engine) CurrentLSN() uint64 { return uint64(e.wal.CurrentLSN()) }

// PageCount returns the number of pages currently allocated on disk.
func (e *Engine) PageCount() uint32 { return e.disk.PageCount() }

// Stats aggregates every stats accessor above into one snapshot.
func (e *Engine) Stats() Stats {
	return Stats{
		BufferPoolSize: e.BufferPoolSize(),
		DirtyPageCount: e.DirtyPageCount(),
		WalSize:        e.WalSize(),
		CurrentLSN:     e.CurrentLSN(),
		PageCount:      e.PageCount(),
	}
}
