package binlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFormatParseRoundTrip(t *testing.T) {
	r := Record{Timestamp: 1700000000, Op: OpSourceAppendFile, Filename: "M00/00/00/abc.txt", Extra: AppendExtra(5, 3)}
	line := r.Format()
	got, err := ParseRecord(line)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRecordWithoutExtra(t *testing.T) {
	r := Record{Timestamp: 1, Op: OpSourceCreateFile, Filename: "M00/00/00/x"}
	got, err := ParseRecord(r.Format())
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestOpTypeReplicaSourceRoundTrip(t *testing.T) {
	assert.Equal(t, OpReplicaCreateFile, OpSourceCreateFile.ToReplica())
	assert.Equal(t, OpSourceCreateFile, OpReplicaCreateFile.ToSource())
	assert.True(t, OpReplicaCreateFile.IsReplica())
	assert.False(t, OpSourceCreateFile.IsReplica())
}

func TestWriterAppendAndReaderTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	require.NoError(t, err)
	defer w.Close()

	_, _, err = w.Append(Record{Timestamp: 1, Op: OpSourceCreateFile, Filename: "f1"})
	require.NoError(t, err)
	_, _, err = w.Append(Record{Timestamp: 2, Op: OpSourceDeleteFile, Filename: "f1"})
	require.NoError(t, err)

	rd := NewReader(dir, 0, 0)
	r1, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "f1", r1.Filename)
	assert.Equal(t, OpSourceCreateFile, r1.Op)

	r2, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, OpSourceDeleteFile, r2.Op)

	_, err = rd.Next()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestWriterRotation(t *testing.T) {
	dir := t.TempDir()
	// Tiny rotate threshold forces a new segment on the second record.
	w, err := Open(dir, 10)
	require.NoError(t, err)
	defer w.Close()

	seg0, _, err := w.Append(Record{Timestamp: 1, Op: OpSourceCreateFile, Filename: "f1"})
	require.NoError(t, err)
	seg1, off1, err := w.Append(Record{Timestamp: 2, Op: OpSourceCreateFile, Filename: "f2"})
	require.NoError(t, err)

	assert.Equal(t, 0, seg0)
	assert.Equal(t, 1, seg1)
	assert.Equal(t, int64(0), off1)

	rd := NewReader(dir, 0, 0)
	r1, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "f1", r1.Filename)

	// Rolls forward across the segment boundary automatically.
	r2, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "f2", r2.Filename)
}

func TestReaderResumesFromPersistedCursor(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0)
	require.NoError(t, err)
	_, off, err := w.Append(Record{Timestamp: 1, Op: OpSourceCreateFile, Filename: "f1"})
	require.NoError(t, err)
	seg, newOff, err := w.Append(Record{Timestamp: 2, Op: OpSourceCreateFile, Filename: "f2"})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_ = off
	_ = newOff

	// Simulate a restarted reader resuming exactly after record 1.
	rd := NewReader(dir, 0, newOff)
	rec, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, "f2", rec.Filename)
	assert.Equal(t, seg, 0)
}
