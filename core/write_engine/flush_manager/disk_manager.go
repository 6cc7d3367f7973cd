package flushmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/storagekernel/core/write_engine/page_manager"
)

// dataFileName is the single backing file for the page store, inside the
// configured data directory.
const dataFileName = "data.db"

// DiskManager presents a page-addressable view of one data file. It
// serializes concurrent I/O on the file handle with a single mutex; page
// allocation uses an atomic counter so only the file-extension step takes
// the lock.
type DiskManager struct {
	dir  string
	file *os.File
	mu   sync.Mutex

	nextPageID atomic.Uint32
	logger     *zap.Logger
}

// Open creates the data directory if absent, opens <dir>/data.db for
// read+write (creating it if new), and computes the next page ID from the
// file's size. A file whose size is not a multiple of PAGE_SIZE is reported
// as corruption.
func Open(dir string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory %s: %v", ErrIO, dir, err)
	}

	path := filepath.Join(dir, dataFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening data file %s: %v", ErrIO, path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stating data file %s: %v", ErrIO, path, err)
	}
	if info.Size()%pagemanager.Size != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: data file size %d is not a multiple of page size %d", ErrPageCorrupted, info.Size(), pagemanager.Size)
	}

	dm := &DiskManager{
		dir:    dir,
		file:   file,
		logger: logger,
	}
	dm.nextPageID.Store(uint32(info.Size() / pagemanager.Size))
	logger.Info("disk manager opened", zap.String("path", path), zap.Uint32("page_count", dm.nextPageID.Load()))
	return dm, nil
}

// PageCount returns the number of pages currently allocated.
func (dm *DiskManager) PageCount() uint32 { return dm.nextPageID.Load() }

// FileSize returns the current size, in bytes, of the data file.
func (dm *DiskManager) FileSize() int64 {
	return int64(dm.PageCount()) * pagemanager.Size
}

// ReadPage reads page id's 4096 bytes from disk into page, verifying its
// checksum. A checksum mismatch is reported as ErrChecksumMismatch and the
// page is never populated with the corrupted data.
func (dm *DiskManager) ReadPage(id pagemanager.PageID, page *pagemanager.Page) error {
	if uint32(id) >= dm.nextPageID.Load() {
		return fmt.Errorf("%w: page %d (page count %d)", ErrInvalidPageID, id, dm.nextPageID.Load())
	}

	dm.mu.Lock()
	var buf [pagemanager.Size]byte
	offset := int64(id) * pagemanager.Size
	n, err := dm.file.ReadAt(buf[:], offset)
	dm.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrReadError, id, offset, err)
	}
	if n != pagemanager.Size {
		return fmt.Errorf("%w: short read for page %d, expected %d got %d", ErrReadError, id, pagemanager.Size, n)
	}

	if !page.Deserialize(buf) {
		return fmt.Errorf("%w: page %d", ErrChecksumMismatch, id)
	}
	page.MarkClean()
	return nil
}

// WritePage writes page's current contents to disk at id's slot, extending
// the file if necessary. It sets the page's ID to id and serializes it with
// a freshly computed checksum, so the checksum on disk always reflects the
// page's current bytes; the in-memory Page itself carries no checksum field.
func (dm *DiskManager) WritePage(id pagemanager.PageID, page *pagemanager.Page) error {
	page.SetID(id)
	buf := page.Serialize()

	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.ensureExtentLocked(id); err != nil {
		return err
	}

	offset := int64(id) * pagemanager.Size
	n, err := dm.file.WriteAt(buf[:], offset)
	if err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrWriteError, id, offset, err)
	}
	if n != pagemanager.Size {
		return fmt.Errorf("%w: short write for page %d, expected %d wrote %d", ErrWriteError, id, pagemanager.Size, n)
	}
	return nil
}

// ensureExtentLocked extends the file to at least (id+1)*PAGE_SIZE bytes by
// writing a single zero byte at the new end, if the slot does not already
// exist. Must be called with dm.mu held.
func (dm *DiskManager) ensureExtentLocked(id pagemanager.PageID) error {
	required := (int64(id) + 1) * pagemanager.Size
	info, err := dm.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stating data file: %v", ErrIO, err)
	}
	if info.Size() >= required {
		return nil
	}
	if _, err := dm.file.WriteAt([]byte{0}, required-1); err != nil {
		return fmt.Errorf("%w: extending data file to %d bytes: %v", ErrDiskFull, required, err)
	}
	return nil
}

// AllocatePage atomically reserves the next PageID and extends the file so
// the new slot exists on disk. On failure to extend the file, the counter
// is rolled back.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	id := pagemanager.PageID(dm.nextPageID.Add(1) - 1)

	dm.mu.Lock()
	err := dm.ensureExtentLocked(id)
	dm.mu.Unlock()
	if err != nil {
		dm.nextPageID.Add(^uint32(0)) // roll back the reservation
		return pagemanager.InvalidPageID, err
	}
	return id, nil
}

// DeallocatePage is reserved for a future free list; it is currently a
// no-op, matching spec's deferred decision on disk-space reclamation.
func (dm *DiskManager) DeallocatePage(pagemanager.PageID) error {
	return nil
}

// Sync flushes the OS buffers for the data file.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing data file: %v", ErrSyncError, err)
	}
	return nil
}

// Close flushes and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("sync failed on close", zap.Error(err))
	}
	if err := dm.file.Close(); err != nil {
		return fmt.Errorf("%w: closing data file: %v", ErrIO, err)
	}
	return nil
}
