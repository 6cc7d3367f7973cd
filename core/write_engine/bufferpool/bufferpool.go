package bufferpool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/storagekernel/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/storagekernel/core/write_engine/page_manager"
	"github.com/sushant-115/storagekernel/internal/metrics"
)

// frame owns one Page value plus the reference bit Clock-Sweep needs.
// inUse distinguishes a frame actively holding a resident page from one
// sitting in the free list; frames are never dynamically allocated or
// freed after construction, only recycled.
type frame struct {
	page       *pagemanager.Page
	referenced bool
	inUse      bool
}

// BufferPool caches up to poolSize pages from one DiskManager. At most one
// resident frame exists per PageID at any time; eviction is Clock-Sweep.
type BufferPool struct {
	disk    *flushmanager.DiskManager
	metrics metrics.Recorder
	logger  *zap.Logger

	mu        sync.RWMutex
	frames    []frame
	pageTable map[pagemanager.PageID]pagemanager.FrameID
	freeList  []pagemanager.FrameID
	clockHand int

	dirtyCount atomic.Int64
}

// New allocates poolSize frames over disk. rec and logger may be nil; nil
// rec becomes metrics.Noop() and nil logger becomes zap.NewNop().
func New(poolSize int, disk *flushmanager.DiskManager, rec metrics.Recorder, logger *zap.Logger) *BufferPool {
	if rec == nil {
		rec = metrics.Noop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bp := &BufferPool{
		disk:      disk,
		metrics:   rec,
		logger:    logger,
		frames:    make([]frame, poolSize),
		pageTable: make(map[pagemanager.PageID]pagemanager.FrameID, poolSize),
		freeList:  make([]pagemanager.FrameID, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		bp.frames[i].page = pagemanager.New()
		bp.freeList[i] = pagemanager.FrameID(i)
	}
	return bp
}

// PoolSize returns the fixed number of frames.
func (bp *BufferPool) PoolSize() int { return len(bp.frames) }

// DirtyCount returns the current dirty-page count without taking the pool
// latch, for the checkpoint policy thread.
func (bp *BufferPool) DirtyCount() int64 { return bp.dirtyCount.Load() }

// FetchPage returns the pinned, resident Page for id, loading it from disk
// into a frame chosen by Clock-Sweep if it is not already resident.
func (bp *BufferPool) FetchPage(id pagemanager.PageID) (*pagemanager.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if fid, ok := bp.pageTable[id]; ok {
		f := &bp.frames[fid]
		f.page.Pin()
		f.referenced = true
		bp.metrics.BufferHit()
		return f.page, nil
	}
	bp.metrics.BufferMiss()

	fid, ok := bp.findVictimLocked()
	if !ok {
		return nil, ErrNoAvailableFrames
	}
	f := &bp.frames[fid]
	if err := bp.disk.ReadPage(id, f.page); err != nil {
		f.inUse = false
		bp.freeList = append(bp.freeList, fid)
		return nil, err
	}
	bp.metrics.PageRead()

	f.page.Pin()
	f.page.MarkClean()
	f.referenced = true
	f.inUse = true
	bp.pageTable[id] = fid
	return f.page, nil
}

// NewPage allocates a fresh PageID from the disk manager and installs it,
// pinned, into a frame chosen by Clock-Sweep.
func (bp *BufferPool) NewPage() (*pagemanager.Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	id, err := bp.disk.AllocatePage()
	if err != nil {
		return nil, err
	}

	fid, ok := bp.findVictimLocked()
	if !ok {
		_ = bp.disk.DeallocatePage(id)
		return nil, ErrNoAvailableFrames
	}
	f := &bp.frames[fid]
	f.page.Reset(id)
	f.page.Pin()
	f.referenced = true
	f.inUse = true
	bp.pageTable[id] = fid
	return f.page, nil
}

// ReleasePage unpins a previously fetched/created page. If modified is
// true and the page was not already dirty, it is marked dirty and the
// dirty counter (and its metric) incremented.
func (bp *BufferPool) ReleasePage(id pagemanager.PageID, modified bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return ErrPageNotResident
	}
	f := &bp.frames[fid]
	f.page.Unpin()
	if modified && !f.page.IsDirty() {
		f.page.MarkDirty()
		bp.dirtyCount.Add(1)
		bp.metrics.DirtyDelta(1)
	}
	return nil
}

// FlushPage writes id's page through the disk manager and marks it clean
// if it is resident and dirty. A non-resident page is a no-op.
func (bp *BufferPool) FlushPage(id pagemanager.PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[id]
	if !ok {
		return nil
	}
	return bp.flushFrameLocked(fid)
}

// flushFrameLocked must be called with bp.mu held.
func (bp *BufferPool) flushFrameLocked(fid pagemanager.FrameID) error {
	f := &bp.frames[fid]
	if !f.page.IsDirty() {
		return nil
	}
	if err := bp.disk.WritePage(f.page.ID(), f.page); err != nil {
		return err
	}
	f.page.MarkClean()
	bp.dirtyCount.Add(-1)
	bp.metrics.DirtyDelta(-1)
	bp.metrics.PageWritten()
	return nil
}

// DeletePage removes id from the pool and asks the disk manager to
// deallocate it. A pinned page cannot be deleted.
func (bp *BufferPool) DeletePage(id pagemanager.PageID) error {
	bp.mu.Lock()
	fid, ok := bp.pageTable[id]
	if !ok {
		bp.mu.Unlock()
		return bp.disk.DeallocatePage(id)
	}
	f := &bp.frames[fid]
	if f.page.IsPinned() {
		bp.mu.Unlock()
		return ErrPagePinned
	}
	if f.page.IsDirty() {
		bp.dirtyCount.Add(-1)
		bp.metrics.DirtyDelta(-1)
	}
	delete(bp.pageTable, id)
	f.page.Reset(pagemanager.InvalidPageID)
	f.referenced = false
	f.inUse = false
	bp.freeList = append(bp.freeList, fid)
	bp.mu.Unlock()

	return bp.disk.DeallocatePage(id)
}

// GetDirtyPages returns a snapshot of every currently resident dirty
// page's ID. It holds only the shared side of the latch.
func (bp *BufferPool) GetDirtyPages() []pagemanager.PageID {
	bp.mu.RLock()
	defer bp.mu.RUnlock()

	ids := make([]pagemanager.PageID, 0)
	for id, fid := range bp.pageTable {
		if bp.frames[fid].page.IsDirty() {
			ids = append(ids, id)
		}
	}
	return ids
}

// FlushPages flushes every page in ids. A failure on one does not prevent
// attempting the rest; the first error encountered is returned.
func (bp *BufferPool) FlushPages(ids []pagemanager.PageID) error {
	var firstErr error
	for _, id := range ids {
		if err := bp.FlushPage(id); err != nil {
			bp.logger.Warn("flushing page during batch failed", zap.Uint32("page_id", uint32(id)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Sync delegates to the disk manager.
func (bp *BufferPool) Sync() error {
	return bp.disk.Sync()
}

// Close flushes every remaining dirty page and syncs the disk manager.
// Best-effort: failures are logged but do not stop the remaining cleanup.
func (bp *BufferPool) Close() error {
	ids := bp.GetDirtyPages()
	err := bp.FlushPages(ids)
	if err != nil {
		bp.logger.Warn("buffer pool close: flushing remaining dirty pages failed", zap.Error(err))
	}
	if syncErr := bp.Sync(); syncErr != nil {
		bp.logger.Warn("buffer pool close: sync failed", zap.Error(syncErr))
		if err == nil {
			err = syncErr
		}
	}
	return err
}

// findVictimLocked returns a frame ready for reuse: either one from the
// free list, or one chosen by a Clock-Sweep of up to two full passes over
// the frame array. Must be called with bp.mu held for writing.
func (bp *BufferPool) findVictimLocked() (pagemanager.FrameID, bool) {
	if n := len(bp.freeList); n > 0 {
		fid := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return fid, true
	}

	total := len(bp.frames)
	if total == 0 {
		return 0, false
	}

	for pass := 0; pass < 2*total; pass++ {
		idx := bp.clockHand
		bp.clockHand = (bp.clockHand + 1) % total
		f := &bp.frames[idx]

		if !f.inUse || f.page.IsPinned() {
			continue
		}
		if f.referenced {
			f.referenced = false
			continue
		}

		victimID := f.page.ID()
		if f.page.IsDirty() {
			if err := bp.disk.WritePage(victimID, f.page); err != nil {
				bp.logger.Warn("writing back evicted dirty page failed, skipping candidate", zap.Uint32("page_id", uint32(victimID)), zap.Error(err))
				continue
			}
			f.page.MarkClean()
			bp.dirtyCount.Add(-1)
			bp.metrics.DirtyDelta(-1)
			bp.metrics.PageWritten()
		}
		delete(bp.pageTable, victimID)
		return pagemanager.FrameID(idx), true
	}

	return 0, false
}
