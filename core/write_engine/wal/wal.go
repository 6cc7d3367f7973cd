package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/storagekernel/internal/metrics"
)

// segmentFilePattern matches "wal_00000003.log" style segment file names.
var segmentFilePattern = regexp.MustCompile(`^wal_(\d{8})\.log$`)

func segmentFileName(id uint64) string {
	return fmt.Sprintf("wal_%08d.log", id)
}

// DefaultSegmentSize is used when a caller opens a log without specifying
// one: 64 MiB, large enough that rotation is rare under normal write rates.
const DefaultSegmentSize int64 = 64 << 20

// segmentInfo is the in-memory ledger entry for one closed (rotated-away-
// from) segment: everything truncate() needs to decide whether the segment
// is safe to delete.
type segmentInfo struct {
	id     uint64
	minLSN LSN
	maxLSN LSN
	size   int64
}

// Log is the write-ahead log: a sequence of fixed-size segment files, each
// holding an append-only stream of checksummed records. Appends are
// serialized by mu; the resulting total order is the durability order the
// rest of the kernel relies on.
type Log struct {
	dir         string
	segmentSize int64
	logger      *zap.Logger
	metrics     metrics.Recorder

	mu        sync.Mutex
	file      *os.File
	curID     uint64
	curOffset int64
	curMinLSN LSN
	curMaxLSN LSN

	nextLSN     LSN
	flushedLSN  LSN
	segments    []segmentInfo // closed segments, ascending by id
	totalSize   int64
}

// Open opens (or creates) the write-ahead log rooted at dir. It scans any
// existing segments to recompute the next LSN to assign and the per-segment
// LSN ranges truncate() needs; a torn tail at the end of the current
// segment is truncated away rather than replayed, since this kernel does
// not implement crash recovery.
func Open(dir string, segmentSize int64, logger *zap.Logger, rec metrics.Recorder) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	if segmentSize <= int64(headerSize) {
		segmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating wal directory %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading wal directory %s: %w", dir, err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	l := &Log{
		dir:         dir,
		segmentSize: segmentSize,
		logger:      logger,
		metrics:     rec,
		nextLSN:     1,
	}

	if len(ids) == 0 {
		f, err := os.OpenFile(filepath.Join(dir, segmentFileName(0)), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("creating initial wal segment: %w", err)
		}
		l.file = f
		l.curID = 0
		return l, nil
	}

	for _, id := range ids[:len(ids)-1] {
		info, size, err := scanSegment(filepath.Join(dir, segmentFileName(id)))
		if err != nil {
			return nil, err
		}
		if info.maxLSN > 0 {
			l.segments = append(l.segments, segmentInfo{id: id, minLSN: info.minLSN, maxLSN: info.maxLSN, size: size})
			if info.maxLSN+1 > l.nextLSN {
				l.nextLSN = info.maxLSN + 1
			}
		}
		l.totalSize += size
	}

	curID := ids[len(ids)-1]
	curPath := filepath.Join(dir, segmentFileName(curID))
	info, validEnd, err := scanSegment(curPath)
	if err != nil {
		return nil, err
	}
	if err := os.Truncate(curPath, validEnd); err != nil {
		return nil, fmt.Errorf("truncating torn tail of %s: %w", curPath, err)
	}
	if info.maxLSN+1 > l.nextLSN {
		l.nextLSN = info.maxLSN + 1
	}

	f, err := os.OpenFile(curPath, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening current wal segment %s: %w", curPath, err)
	}
	l.file = f
	l.curID = curID
	l.curOffset = validEnd
	l.curMinLSN = info.minLSN
	l.curMaxLSN = info.maxLSN
	l.flushedLSN = l.nextLSN - 1
	l.totalSize += validEnd

	logger.Info("wal opened",
		zap.String("dir", dir),
		zap.Uint64("current_segment", curID),
		zap.Uint64("next_lsn", uint64(l.nextLSN)),
		zap.Int("closed_segments", len(l.segments)))
	return l, nil
}

type scanResult struct {
	minLSN LSN
	maxLSN LSN
}

// scanSegment sequentially parses every well-formed record in the file at
// path and returns the LSN range observed plus the byte offset immediately
// following the last valid record — the point at which a torn tail (if any)
// begins.
func scanSegment(path string) (scanResult, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return scanResult{}, 0, fmt.Errorf("opening wal segment %s for scan: %w", path, err)
	}
	defer f.Close()

	var res scanResult
	var offset int64
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Torn or corrupted tail: stop here, discard the remainder.
			break
		}
		if res.minLSN == 0 {
			res.minLSN = rec.LSN
		}
		res.maxLSN = rec.LSN
		offset += int64(rec.Length())
	}
	return res, offset, nil
}

// Append assigns the next LSN, encodes record, and writes it to the current
// segment, rotating first if the record would not fit. It returns the
// assigned LSN.
func (l *Log) Append(rec *Record) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.LSN = l.nextLSN
	buf, err := rec.encode()
	if err != nil {
		return InvalidLSN, err
	}
	if int64(len(buf)) > l.segmentSize {
		return InvalidLSN, fmt.Errorf("%w: record of %d bytes, segment size %d", ErrRecordTooLarge, len(buf), l.segmentSize)
	}

	if l.curOffset+int64(len(buf)) > l.segmentSize {
		if err := l.rotateLocked(); err != nil {
			return InvalidLSN, err
		}
	}

	if _, err := l.file.Write(buf); err != nil {
		return InvalidLSN, fmt.Errorf("appending to wal segment %d: %w", l.curID, err)
	}

	l.nextLSN++
	l.curOffset += int64(len(buf))
	l.totalSize += int64(len(buf))
	if l.curMinLSN == 0 {
		l.curMinLSN = rec.LSN
	}
	l.curMaxLSN = rec.LSN
	l.metrics.WalAppend(len(buf))
	return rec.LSN, nil
}

// rotateLocked closes the current segment, records it in the closed-segment
// ledger, and opens the next one. Must be called with l.mu held.
func (l *Log) rotateLocked() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing wal segment %d before rotation: %w", l.curID, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing wal segment %d: %w", l.curID, err)
	}
	l.segments = append(l.segments, segmentInfo{id: l.curID, minLSN: l.curMinLSN, maxLSN: l.curMaxLSN, size: l.curOffset})

	l.curID++
	path := filepath.Join(l.dir, segmentFileName(l.curID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("creating wal segment %s: %w", path, err)
	}
	l.file = f
	l.curOffset = 0
	l.curMinLSN = 0
	l.curMaxLSN = 0
	l.metrics.WalRotation()
	l.logger.Info("wal segment rotated", zap.Uint64("new_segment", l.curID))
	return nil
}

// Force syncs the current segment and publishes flushed_lsn, guaranteeing
// flushed_lsn >= lsn on return.
func (l *Log) Force(lsn LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing wal segment %d: %w", l.curID, err)
	}
	if lsn > l.flushedLSN {
		l.flushedLSN = lsn
	}
	return nil
}

// ForceAll syncs the current segment and publishes flushed_lsn as the most
// recently assigned LSN.
func (l *Log) ForceAll() error {
	l.mu.Lock()
	last := l.nextLSN - 1
	l.mu.Unlock()
	return l.Force(last)
}

// FlushedLSN returns the most recently published durable LSN.
func (l *Log) FlushedLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushedLSN
}

// CurrentLSN returns the LSN that would be assigned to the next appended
// record.
func (l *Log) CurrentLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

// Size returns the total on-disk size, in bytes, across every segment.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSize
}

// SegmentIDs returns every segment ID currently on disk, ascending,
// including the current open segment. For introspection and tests.
func (l *Log) SegmentIDs() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint64, 0, len(l.segments)+1)
	for _, s := range l.segments {
		ids = append(ids, s.id)
	}
	ids = append(ids, l.curID)
	return ids
}

// Stats is a point-in-time snapshot of the log's counters.
type Stats struct {
	TotalSize        int64
	CurrentSegmentID uint64
	FlushedLSN       LSN
	NextLSN          LSN
}

// Stats returns a snapshot of the log's counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalSize:        l.totalSize,
		CurrentSegmentID: l.curID,
		FlushedLSN:       l.flushedLSN,
		NextLSN:          l.nextLSN,
	}
}

// WriteCheckpointBegin appends a checkpoint-begin marker and returns its
// LSN; it is not forced, matching the six-phase checkpoint protocol's
// deferral of durability to checkpoint-end.
func (l *Log) WriteCheckpointBegin() (LSN, error) {
	return l.Append(&Record{Type: CheckpointBegin})
}

// WriteCheckpointEnd appends a checkpoint-end marker referencing beginLSN
// and forces the log before returning, making the checkpoint durable.
func (l *Log) WriteCheckpointEnd(beginLSN LSN) (LSN, error) {
	lsn, err := l.Append(&Record{Type: CheckpointEnd, PrevLSN: beginLSN})
	if err != nil {
		return InvalidLSN, err
	}
	if err := l.Force(lsn); err != nil {
		return InvalidLSN, err
	}
	return lsn, nil
}

// WriteTxnBegin appends a transaction-begin marker for txn.
func (l *Log) WriteTxnBegin(txn TxnID) (LSN, error) {
	return l.Append(&Record{Type: TxnBegin, TxnID: txn})
}

// WriteTxnCommit appends a transaction-commit marker for txn and forces the
// log before returning: commit durability is unconditional.
func (l *Log) WriteTxnCommit(txn TxnID) (LSN, error) {
	lsn, err := l.Append(&Record{Type: TxnCommit, TxnID: txn})
	if err != nil {
		return InvalidLSN, err
	}
	if err := l.Force(lsn); err != nil {
		return InvalidLSN, err
	}
	return lsn, nil
}

// WriteTxnAbort appends a transaction-abort marker for txn.
func (l *Log) WriteTxnAbort(txn TxnID) (LSN, error) {
	return l.Append(&Record{Type: TxnAbort, TxnID: txn})
}

// Truncate removes every closed segment whose records are strictly older
// than beginLSN, always retaining the current segment plus at least one
// prior segment.
func (l *Log) Truncate(beginLSN LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.segments) == 0 {
		return nil
	}

	keepFloor := len(l.segments) - 1 // index of the segment that is always kept
	var remaining []segmentInfo
	for i, s := range l.segments {
		if i == keepFloor || s.maxLSN >= beginLSN {
			remaining = append(remaining, s)
			continue
		}
		path := filepath.Join(l.dir, segmentFileName(s.id))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing truncated wal segment %s: %w", path, err)
		}
		l.totalSize -= s.size
		l.logger.Info("wal segment truncated", zap.Uint64("segment", s.id), zap.Uint64("begin_lsn", uint64(beginLSN)))
	}
	l.segments = remaining
	return nil
}

// Close syncs and closes the currently open segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("sync failed on wal close", zap.Error(err))
	}
	return l.file.Close()
}
