package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/storagekernel/core/write_engine/bufferpool"
	"github.com/sushant-115/storagekernel/core/write_engine/wal"
	"github.com/sushant-115/storagekernel/internal/metrics"
)

// request is one manual checkpoint ask sent to the background loop; done
// is nil for the fire-and-forget async Checkpoint() call.
type request struct {
	trigger Trigger
	done    chan error
}

// Manager owns the background checkpoint loop: trigger evaluation on a
// one-second tick, the six-phase checkpoint protocol, and the condition
// variable writers block on when a hard-limit checkpoint is in flight.
type Manager struct {
	cfg     Config
	bp      *bufferpool.BufferPool
	wal     *wal.Log
	metrics metrics.Recorder
	logger  *zap.Logger

	checkpointMu sync.Mutex // at most one do_checkpoint body in flight

	blockMu   sync.Mutex
	blockCond *sync.Cond
	blocking  bool

	running  atomic.Bool
	stopCh   chan struct{}
	manualCh chan request
	wg       sync.WaitGroup

	lastCheckpoint time.Time
}

// New constructs a Manager over bp and log. It does not start the
// background loop; call Start for that.
func New(cfg Config, bp *bufferpool.BufferPool, log *wal.Log, rec metrics.Recorder, logger *zap.Logger) *Manager {
	if rec == nil {
		rec = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		bp:       bp,
		wal:      log,
		metrics:  rec,
		logger:   logger,
		manualCh: make(chan request, 1),
	}
	m.blockCond = sync.NewCond(&m.blockMu)
	return m
}

// Start spawns the background loop. Idempotent: calling Start on an
// already-running manager is a no-op.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.stopCh = make(chan struct{})
	m.lastCheckpoint = time.Now()
	m.wg.Add(1)
	go m.loop()
}

// Stop clears the running flag, wakes the background loop and any blocked
// writers, joins the loop, and runs a final Shutdown-triggered checkpoint.
// Idempotent.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.blockMu.Lock()
	m.blocking = false
	m.blockCond.Broadcast()
	m.blockMu.Unlock()
	m.wg.Wait()

	if err := m.doCheckpoint(TriggerShutdown); err != nil {
		m.logger.Warn("final checkpoint on shutdown failed", zap.Error(err))
	}
}

// loop is the classic wait-for-signal-or-timeout body: a ticker drives
// periodic trigger evaluation, manualCh carries Checkpoint()/CheckpointSync()
// requests, and stopCh ends the loop.
func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case req := <-m.manualCh:
			err := m.doCheckpoint(req.trigger)
			if req.done != nil {
				req.done <- err
			}
		case <-ticker.C:
			if trigger := m.evaluateTrigger(); trigger != TriggerNone {
				if err := m.doCheckpoint(trigger); err != nil {
					m.logger.Warn("background checkpoint failed", zap.String("trigger", trigger.String()), zap.Error(err))
				}
			}
		}
	}
}

// evaluateTrigger implements the priority-ordered trigger table. Must only
// be called from the background loop goroutine (lastCheckpoint is
// unsynchronized otherwise).
func (m *Manager) evaluateTrigger() Trigger {
	dirtyRatio := 0.0
	if size := m.bp.PoolSize(); size > 0 {
		dirtyRatio = float64(m.bp.DirtyCount()) / float64(size)
	}

	if dirtyRatio >= m.cfg.DirtyHardLimit {
		return TriggerDirtyHard
	}
	if time.Since(m.lastCheckpoint) < m.cfg.MinInterval {
		return TriggerNone
	}
	if m.wal.Size() >= m.cfg.MaxWalSize {
		return TriggerWalSize
	}
	if dirtyRatio >= m.cfg.DirtySoftLimit {
		return TriggerDirtySoft
	}
	if time.Since(m.lastCheckpoint) >= m.cfg.MaxInterval {
		return TriggerTimer
	}
	return TriggerNone
}

// Checkpoint requests a checkpoint asynchronously. If one is already
// pending, the request is coalesced (dropped) rather than queued.
func (m *Manager) Checkpoint() {
	select {
	case m.manualCh <- request{trigger: TriggerManual}:
	default:
	}
}

// CheckpointSync requests a checkpoint and blocks until it completes.
func (m *Manager) CheckpointSync() error {
	req := request{trigger: TriggerManual, done: make(chan error, 1)}
	select {
	case m.manualCh <- req:
	case <-m.stopCh:
		return fmt.Errorf("checkpoint manager is stopped")
	}
	return <-req.done
}

// CheckPressure blocks the caller while a hard-limit checkpoint is in
// flight, returning whether it actually waited.
func (m *Manager) CheckPressure() bool {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	waited := false
	for m.blocking && m.running.Load() {
		waited = true
		m.blockCond.Wait()
	}
	return waited
}

func (m *Manager) setBlocking(v bool) {
	m.blockMu.Lock()
	m.blocking = v
	if !v {
		m.blockCond.Broadcast()
	}
	m.blockMu.Unlock()
}

// doCheckpoint runs the six-phase checkpoint protocol for trigger. At most
// one invocation runs at a time across manual, background, and shutdown
// callers.
func (m *Manager) doCheckpoint(trigger Trigger) error {
	m.checkpointMu.Lock()
	defer m.checkpointMu.Unlock()

	start := time.Now()
	id := uuid.NewString()
	log := m.logger.With(zap.String("checkpoint_id", id), zap.String("trigger", trigger.String()))

	blocking := trigger == TriggerDirtyHard
	if blocking {
		m.setBlocking(true)
	}

	finish := func(err error) error {
		m.setBlocking(false)
		m.metrics.Checkpoint(time.Since(start), blocking)
		if err != nil {
			log.Warn("checkpoint failed", zap.Error(err))
		} else {
			log.Info("checkpoint completed", zap.Duration("duration", time.Since(start)))
		}
		return err
	}

	// 1. BEGIN
	beginLSN, err := m.wal.WriteCheckpointBegin()
	if err != nil {
		return finish(fmt.Errorf("writing checkpoint begin: %w", err))
	}

	// 2. Snapshot
	dirty := m.bp.GetDirtyPages()

	// 3. Flush
	if len(dirty) > 0 {
		batchSize := m.cfg.BatchSize
		if batchSize <= 0 {
			batchSize = len(dirty)
		}
		var limiter *rate.Limiter
		if trigger == TriggerDirtySoft && m.cfg.BatchThrottle > 0 {
			limiter = rate.NewLimiter(rate.Every(m.cfg.BatchThrottle), 1)
		}

		for i := 0; i < len(dirty); i += batchSize {
			end := i + batchSize
			if end > len(dirty) {
				end = len(dirty)
			}
			if ferr := m.bp.FlushPages(dirty[i:end]); ferr != nil {
				log.Warn("checkpoint flush batch encountered an error", zap.Error(ferr))
			}

			if limiter != nil && end < len(dirty) {
				_ = limiter.Wait(context.Background())
			}
			if !m.running.Load() && trigger != TriggerShutdown {
				log.Info("checkpoint aborting remaining batches: manager stopping")
				break
			}
		}
	}

	// 4. Sync — skipped along with phase 3 when there was nothing dirty to flush.
	if len(dirty) > 0 {
		if err := m.bp.Sync(); err != nil {
			return finish(fmt.Errorf("syncing buffer pool: %w", err))
		}
	}

	// 5. END
	endLSN, err := m.wal.WriteCheckpointEnd(beginLSN)
	if err != nil {
		return finish(fmt.Errorf("writing checkpoint end: %w", err))
	}

	// 6. Truncate
	if err := m.wal.Truncate(beginLSN); err != nil {
		log.Warn("wal truncate after checkpoint failed", zap.Error(err))
	}

	log.Debug("checkpoint phases complete", zap.Uint64("begin_lsn", uint64(beginLSN)), zap.Uint64("end_lsn", uint64(endLSN)), zap.Int("pages_flushed", len(dirty)))
	m.lastCheckpoint = time.Now()
	return finish(nil)
}
