package diskworker

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastdfs-go/storaged/internal/binlog"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
)

func TestExecWriteRegularRoundTrips(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "data", "00", "00", "abc.txt")
	temp := filepath.Join(dir, "data", ".cp001.tmp")

	op := &Op{
		Kind:      KindWrite,
		FinalPath: final,
		TempPath:  temp,
		Body:      strings.NewReader("hello"),
		Timestamp: 1700000000,
	}
	res, err := Execute(op)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Size)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	_, err = os.Stat(temp)
	assert.True(t, os.IsNotExist(err))
}

func TestExecWriteAppendsBinlogRecord(t *testing.T) {
	dir := t.TempDir()
	bw, err := binlog.Open(dir, 0)
	require.NoError(t, err)
	defer bw.Close()

	final := filepath.Join(dir, "data", "00", "00", "abc.txt")
	op := &Op{
		Kind:            KindWrite,
		FinalPath:       final,
		Body:            strings.NewReader("hi"),
		Timestamp:       42,
		LogicalFilename: "M00/00/00/abc.txt",
		Binlog:          bw,
	}
	_, err = Execute(op)
	require.NoError(t, err)

	rd := binlog.NewReader(dir, 0, 0)
	rec, err := rd.Next()
	require.NoError(t, err)
	assert.Equal(t, binlog.OpSourceCreateFile, rec.Op)
	assert.Equal(t, "M00/00/00/abc.txt", rec.Filename)
}

func TestExecReadPartialRange(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte("0123456789"), 0o644))

	var buf bytes.Buffer
	op := &Op{Kind: KindRead, FinalPath: final, ReadOffset: 2, ReadLength: 3, Dest: &buf}
	res, err := Execute(op)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Size)
	assert.Equal(t, "234", buf.String())
}

func TestExecReadMissingFileNotFound(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	op := &Op{Kind: KindRead, FinalPath: filepath.Join(dir, "missing"), Dest: &buf}
	_, err := Execute(op)
	assert.ErrorIs(t, err, protoerr.ErrNotFound)
}

func TestExecAppendGrowsFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte("A"), 0o644))

	op := &Op{Kind: KindAppend, FinalPath: final, Body: strings.NewReader("BC"), PriorSize: 1}
	res, err := Execute(op)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Size)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(data))
}

func TestExecModifyRejectsExtension(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte("Azz"), 0o644))

	op := &Op{Kind: KindModify, FinalPath: final, Body: strings.NewReader("XY"), WriteOffset: 2, BodyLen: 2, PriorSize: 3}
	_, err := Execute(op)
	assert.ErrorIs(t, err, protoerr.ErrOutOfRange)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "Azz", string(data), "rejected modify must not mutate the file")
}

func TestExecModifyInPlace(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte("Azz"), 0o644))

	op := &Op{Kind: KindModify, FinalPath: final, Body: strings.NewReader("zz"), WriteOffset: 1, BodyLen: 2, PriorSize: 3}
	_, err := Execute(op)
	require.NoError(t, err)

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "Azz", string(data))
}

func TestExecTruncateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte("ABCDEF"), 0o644))

	op := &Op{Kind: KindTruncate, FinalPath: final, WriteOffset: 3, PriorSize: 6}
	_, err := Execute(op)
	require.NoError(t, err)
	data, _ := os.ReadFile(final)
	assert.Equal(t, "ABC", string(data))

	op2 := &Op{Kind: KindTruncate, FinalPath: final, WriteOffset: 3, PriorSize: 3}
	_, err = Execute(op2)
	require.NoError(t, err)
	data, _ = os.ReadFile(final)
	assert.Equal(t, "ABC", string(data))
}

func TestExecDeleteNotFoundSourceVsReplica(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "gone")

	_, err := Execute(&Op{Kind: KindDelete, FinalPath: missing, Replica: false})
	assert.ErrorIs(t, err, protoerr.ErrNotFound)

	res, err := Execute(&Op{Kind: KindDelete, FinalPath: missing, Replica: true})
	require.NoError(t, err)
	assert.True(t, res.Discarded)
}

func TestExecDeleteRemovesMetaSidecar(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	meta := final + ".meta"
	require.NoError(t, os.WriteFile(final, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(meta, []byte("a\x02b"), 0o644))

	_, err := Execute(&Op{Kind: KindDelete, FinalPath: final, MetaPath: meta})
	require.NoError(t, err)
	_, err = os.Stat(meta)
	assert.True(t, os.IsNotExist(err))
}

func TestPoolSubmitRunsOpAndReturnsResult(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")

	p := NewPool(2, false)
	defer p.Stop()

	res, err := p.Submit(0, DirWrite, &Op{Kind: KindWrite, FinalPath: final, Body: strings.NewReader("payload")})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Size)
}

func TestPoolPreservesFIFOPerQueue(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(final, []byte(""), 0o644))

	p := NewPool(1, false)
	defer p.Stop()

	// Sequential appends on the same single-worker queue must land in
	// submission order.
	_, err := p.Submit(0, DirWrite, &Op{Kind: KindAppend, FinalPath: final, Body: strings.NewReader("A"), PriorSize: 0})
	require.NoError(t, err)
	_, err = p.Submit(0, DirWrite, &Op{Kind: KindAppend, FinalPath: final, Body: strings.NewReader("B"), PriorSize: 1})
	require.NoError(t, err)

	data, _ := os.ReadFile(final)
	assert.Equal(t, "AB", string(data))
}
