// Package bufferpool caches a fixed number of pages in memory over a
// DiskManager, tracks which are dirty, and evicts cold pages via
// Clock-Sweep when every frame is occupied.
package bufferpool

import "errors"

var (
	// ErrNoAvailableFrames is returned when Clock-Sweep's two passes find
	// no victim: every frame is pinned, or the write-back of every unpinned
	// dirty candidate failed.
	ErrNoAvailableFrames = errors.New("no available frames")
	// ErrFrameNotFound indicates an internal bookkeeping inconsistency
	// between the page table and the frame array; it should never surface
	// under correct use.
	ErrFrameNotFound = errors.New("frame not found")
	// ErrPagePinned is returned by DeletePage when the target page still
	// has outstanding pins.
	ErrPagePinned = errors.New("page is pinned")
	// ErrPageNotResident is returned by ReleasePage when the page is not
	// in the pool.
	ErrPageNotResident = errors.New("page not resident")
)
