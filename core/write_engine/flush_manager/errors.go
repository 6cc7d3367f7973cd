// Package flushmanager owns the disk manager: page-aligned, checksum-checked
// I/O against the single data file backing a storage engine instance.
package flushmanager

import "errors"

// Error taxonomy of the disk manager. Other write_engine packages declare
// their own sentinels. Every error returned by this package is one of these
// sentinels wrapped with context; callers use errors.Is, never string
// matching.
var (
	// I/O
	ErrIO             = errors.New("i/o error")
	ErrFileNotFound   = errors.New("file not found")
	ErrPermission     = errors.New("permission denied")
	ErrDiskFull       = errors.New("disk full")
	ErrReadError      = errors.New("read error")
	ErrWriteError     = errors.New("write error")
	ErrSyncError      = errors.New("sync error")

	// Page
	ErrPageNotFound      = errors.New("page not found")
	ErrPageCorrupted     = errors.New("page corrupted")
	ErrChecksumMismatch  = errors.New("page checksum mismatch")
	ErrInvalidPageID     = errors.New("invalid page id")
	ErrPagePinned        = errors.New("page is pinned")

	// Programmatic
	ErrInvalidArgument = errors.New("invalid argument")
)
