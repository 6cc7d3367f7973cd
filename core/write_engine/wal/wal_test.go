package wal

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestLog(t *testing.T, segmentSize int64) *Log {
	t.Helper()
	l, err := Open(t.TempDir(), segmentSize, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	l := openTestLog(t, DefaultSegmentSize)

	var lsns []LSN
	for i := 0; i < 5; i++ {
		lsn, err := l.Append(&Record{Type: Insert, Data: []byte("row")})
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	for i := 1; i < len(lsns); i++ {
		require.Equal(t, lsns[i-1]+1, lsns[i])
	}
	require.Equal(t, lsns[len(lsns)-1]+1, l.CurrentLSN())
}

func TestForcePublishesFlushedLSN(t *testing.T) {
	l := openTestLog(t, DefaultSegmentSize)

	lsn, err := l.Append(&Record{Type: Insert})
	require.NoError(t, err)
	require.Equal(t, LSN(0), l.FlushedLSN())

	require.NoError(t, l.Force(lsn))
	require.Equal(t, lsn, l.FlushedLSN())
}

func TestTxnCommitForcesLog(t *testing.T) {
	l := openTestLog(t, DefaultSegmentSize)

	lsn, err := l.WriteTxnCommit(TxnID(7))
	require.NoError(t, err)
	require.GreaterOrEqual(t, l.FlushedLSN(), lsn)
}

func TestCheckpointBeginEndRoundTrip(t *testing.T) {
	l := openTestLog(t, DefaultSegmentSize)

	beginLSN, err := l.WriteCheckpointBegin()
	require.NoError(t, err)
	endLSN, err := l.WriteCheckpointEnd(beginLSN)
	require.NoError(t, err)
	require.Greater(t, endLSN, beginLSN)
	require.GreaterOrEqual(t, l.FlushedLSN(), endLSN)
}

func TestRotationCreatesNewSegmentFile(t *testing.T) {
	dir := t.TempDir()
	// Small enough that a handful of records force a rotation.
	l, err := Open(dir, headerSize*3, zap.NewNop(), nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append(&Record{Type: Insert})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1)
}

func TestRecordTooLargeForSegmentFails(t *testing.T) {
	l := openTestLog(t, headerSize+4)
	_, err := l.Append(&Record{Type: Insert, Data: make([]byte, 64)})
	require.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestReopenPreservesNextLSN(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, DefaultSegmentSize, zap.NewNop(), nil)
	require.NoError(t, err)
	var last LSN
	for i := 0; i < 4; i++ {
		last, err = l.Append(&Record{Type: Insert})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := Open(dir, DefaultSegmentSize, zap.NewNop(), nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, last+1, reopened.CurrentLSN())
}

func TestOpenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, DefaultSegmentSize, zap.NewNop(), nil)
	require.NoError(t, err)
	_, err = l.Append(&Record{Type: Insert, Data: []byte("ok")})
	require.NoError(t, err)
	validSize := l.curOffset
	require.NoError(t, l.Close())

	// Simulate a crash mid-write: append 10 garbage bytes to the segment.
	path := filepath.Join(dir, segmentFileName(0))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbagebyt"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(dir, DefaultSegmentSize, zap.NewNop(), nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, validSize, reopened.curOffset)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, validSize, info.Size())
}

func TestTruncateRemovesOldSegmentsButKeepsFloor(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, headerSize*2, zap.NewNop(), nil)
	require.NoError(t, err)
	defer l.Close()

	var lsns []LSN
	for i := 0; i < 8; i++ {
		lsn, err := l.Append(&Record{Type: Insert})
		require.NoError(t, err)
		lsns = append(lsns, lsn)
	}
	closedBefore := len(l.segments)
	require.Greater(t, closedBefore, 1, "test needs multiple rotations to be meaningful")

	require.NoError(t, l.Truncate(lsns[len(lsns)-1]))
	require.GreaterOrEqual(t, len(l.segments), 1, "must always retain at least one prior segment")
	require.Less(t, len(l.segments), closedBefore, "truncate should have removed at least one segment")
}

func TestReadRecordDetectsSingleByteFlipAnywhere(t *testing.T) {
	rec := &Record{LSN: 42, TxnID: 7, PrevLSN: 41, PageID: 3, Offset: 5, Type: Update, Data: []byte("payload")}
	buf, err := rec.encode()
	require.NoError(t, err)

	for i := 0; i < len(buf); i++ {
		corrupted := make([]byte, len(buf))
		copy(corrupted, buf)
		corrupted[i] ^= 0xFF

		_, err := readRecord(bytes.NewReader(corrupted))
		require.Error(t, err, "flipping byte %d should be detected", i)
		require.True(t,
			errors.Is(err, ErrWalCorrupted),
			"flipping byte %d should surface ErrWalCorrupted, got %v", i, err)
	}
}

func TestTruncateNeverDeletesCurrentSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, headerSize*2, zap.NewNop(), nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 6; i++ {
		_, err := l.Append(&Record{Type: Insert})
		require.NoError(t, err)
	}
	require.NoError(t, l.Truncate(LSN(1<<62)))

	path := filepath.Join(dir, segmentFileName(l.curID))
	_, err = os.Stat(path)
	require.NoError(t, err, fmt.Sprintf("current segment %s must survive truncate", path))
}
