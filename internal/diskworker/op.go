// Package diskworker implements the disk worker pool: the
// write/read/append/modify/truncate/delete algorithms, running on a fixed
// pool of goroutines per (store path, direction) so that blocking file I/O
// never runs on a network goroutine. The staged handoff between network
// and disk work is a channel send, not a second hand-rolled event loop.
package diskworker

import (
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/fastdfs-go/storaged/internal/binlog"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
)

// Kind identifies which algorithm an Op runs: an explicit sum type rather
// than an interface-per-variant, so the worker's dispatch is one switch.
type Kind int

const (
	KindWrite Kind = iota
	KindRead
	KindAppend
	KindModify
	KindTruncate
	KindDelete
)

// BeforeOpen is invoked after the target path is resolved but before the
// file is opened; the trunk path uses this to verify/prewrite the chunk
// header.
type BeforeOpen func() error

// BeforeClose is invoked after the body has been fully streamed but before
// the file descriptor is closed; the trunk path uses this to rewrite the
// chunk header with the final size, crc and mtime.
type BeforeClose func(finalSize int64, crc32 uint32, mtime int64) error

// Op is the File-Op context the dispatcher builds and a disk worker
// executes.
type Op struct {
	Kind Kind

	// FinalPath is the absolute on-disk path the op reads or writes. For a
	// trunk-member write, this is the trunk file, and WriteOffset locates
	// this file's chunk within it.
	FinalPath string
	// TempPath is set only for brand-new, non-trunk regular/appender
	// uploads: the op writes here first and renames to FinalPath on success.
	TempPath string

	// WriteOffset is the byte offset within FinalPath the op's body begins
	// at: 0 for a fresh regular file, a reserved chunk's data offset for a
	// trunk member, the current size for an append, or a caller-supplied
	// offset for modify.
	WriteOffset int64

	// Body streams the bytes to write; nil for read/truncate/delete.
	Body io.Reader
	// BodyLen is the exact number of bytes Body will yield, when known
	// (always known here: the wire protocol carries file_size up front).
	BodyLen int64

	// ReadOffset/ReadLength select the byte range for KindRead; ReadLength
	// 0 means "to end of file".
	ReadOffset int64
	ReadLength int64
	// Dest receives the bytes read for KindRead.
	Dest io.Writer

	// PriorSize is the appender's existing size, required to validate
	// modify's non-extension invariant, to compute truncate's extra field,
	// and to compute append's binlog extra field and resulting size; unused
	// for write.
	PriorSize int64

	// MetaPath, when non-empty, is the `.meta` sidecar to remove on
	// delete.
	MetaPath string
	// IsTrunkMember routes delete to trunk-free instead of unlink.
	IsTrunkMember bool
	// TrunkFree is called instead of os.Remove when IsTrunkMember is set.
	TrunkFree func() error

	BeforeOpen  BeforeOpen
	BeforeClose BeforeClose

	// LogicalFilename is recorded in the binlog on success.
	LogicalFilename string
	// Binlog, when non-nil, receives one record on a successful op.
	Binlog *binlog.Writer
	// Replica marks this op as replica-applied: binlog op codes use the
	// lowercase replica letters, and a not-found delete is downgraded from
	// an error to a no-op.
	Replica bool
	// BinlogOp overrides the default source-letter a KindWrite op records
	// ('C'); CREATE_LINK uses this to record 'L' instead, since it shares
	// KindWrite's temp-file-then-rename mechanics but is a distinct binlog
	// operation type.
	BinlogOp byte
	// Timestamp stamps the binlog record; callers pass time.Now().Unix()
	// (or the source timestamp carried by a SYNC_* frame).
	Timestamp int64
	// Buf, when set, is reused as the copy buffer for streaming Body to
	// disk: the network layer lends a buffer borrowed from internal/taskbuf
	// rather than letting io.Copy allocate its own.
	Buf []byte
}

// Result is what a completed Op reports back to the dispatcher, which turns
// it into a wire response. When op.Binlog is set, a successful op has
// already had its binlog record appended by Execute itself (under the
// lowercase replica letter for a replica op).
type Result struct {
	Size    int64
	CRC32   uint32
	Discarded bool // replica delete whose target was already absent
}

// Execute runs op synchronously to completion. It never touches a network
// socket; callers (the Pool, or dispatch tests) are responsible for keeping
// this off any goroutine that also services network I/O.
func Execute(op *Op) (Result, error) {
	switch op.Kind {
	case KindWrite:
		return execWrite(op)
	case KindRead:
		return execRead(op)
	case KindAppend:
		return execAppend(op)
	case KindModify:
		return execModify(op)
	case KindTruncate:
		return execTruncate(op)
	case KindDelete:
		return execDelete(op)
	default:
		return Result{}, protoerr.ErrInvalid
	}
}

// copyBody streams src into dst using buf when provided, falling back to
// io.Copy's own buffer otherwise (tests that don't wire a taskbuf pool).
func copyBody(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if buf == nil {
		return io.Copy(dst, src)
	}
	return io.CopyBuffer(dst, src, buf)
}

func opType(base byte, replica bool) byte {
	if replica {
		return base - 'A' + 'a'
	}
	return base
}

func appendBinlogRecord(op *Op, base byte, extra string) error {
	if op.Binlog == nil || op.LogicalFilename == "" {
		return nil
	}
	rec := binlog.Record{
		Timestamp: op.Timestamp,
		Op:        binlogOpType(base, op.Replica),
		Filename:  op.LogicalFilename,
		Extra:     extra,
	}
	_, _, err := op.Binlog.Append(rec)
	return err
}

func binlogOpType(base byte, replica bool) binlog.OpType {
	return binlog.OpType(opType(base, replica))
}

func execWrite(op *Op) (Result, error) {
	if op.BeforeOpen != nil {
		if err := op.BeforeOpen(); err != nil {
			return Result{}, err
		}
	}

	path := op.FinalPath
	var f *os.File
	var err error
	if op.TempPath != "" {
		if err := os.MkdirAll(filepath.Dir(op.TempPath), 0o755); err != nil {
			return Result{}, err
		}
		f, err = os.OpenFile(op.TempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{}, err
		}
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err == nil && op.WriteOffset != 0 {
			_, err = f.Seek(op.WriteOffset, io.SeekStart)
		}
	}
	if err != nil {
		return Result{}, err
	}

	crc := crc32.NewIEEE()
	n, err := copyBody(io.MultiWriter(f, crc), op.Body, op.Buf)
	if err != nil {
		f.Close()
		if op.TempPath != "" {
			os.Remove(op.TempPath)
		}
		return Result{}, err
	}

	fi, statErr := f.Stat()
	mtime := op.Timestamp
	if statErr == nil {
		mtime = fi.ModTime().Unix()
	}
	sum := crc.Sum32()

	if op.BeforeClose != nil {
		if err := op.BeforeClose(n, sum, mtime); err != nil {
			f.Close()
			if op.TempPath != "" {
				os.Remove(op.TempPath)
			}
			return Result{}, err
		}
	}

	if err := f.Close(); err != nil {
		if op.TempPath != "" {
			os.Remove(op.TempPath)
		}
		return Result{}, err
	}

	if op.TempPath != "" {
		if err := os.MkdirAll(filepath.Dir(op.FinalPath), 0o755); err != nil {
			os.Remove(op.TempPath)
			return Result{}, err
		}
		if err := os.Rename(op.TempPath, op.FinalPath); err != nil {
			os.Remove(op.TempPath)
			return Result{}, err
		}
	}

	letter := byte('C')
	if op.BinlogOp != 0 {
		letter = op.BinlogOp
	}
	if err := appendBinlogRecord(op, letter, ""); err != nil {
		return Result{}, err
	}
	return Result{Size: n, CRC32: sum}, nil
}

func execRead(op *Op) (Result, error) {
	f, err := os.Open(op.FinalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, protoerr.ErrNotFound
		}
		return Result{}, err
	}
	defer f.Close()

	start := op.WriteOffset + op.ReadOffset
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return Result{}, err
	}

	var r io.Reader = f
	if op.ReadLength > 0 {
		r = io.LimitReader(f, op.ReadLength)
	} else if op.BodyLen > 0 {
		// BodyLen, when set by the caller for a trunk member, bounds the
		// read at the chunk's payload size even when the caller asked for
		// "to end" (ReadLength == 0).
		r = io.LimitReader(f, op.BodyLen-op.ReadOffset)
	}

	n, err := copyBody(op.Dest, r, op.Buf)
	if err != nil {
		return Result{}, err
	}
	return Result{Size: n}, nil
}

func execAppend(op *Op) (Result, error) {
	f, err := os.OpenFile(op.FinalPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, protoerr.ErrNotFound
		}
		return Result{}, err
	}

	crc := crc32.NewIEEE()
	n, err := copyBody(io.MultiWriter(f, crc), op.Body, op.Buf)
	if err != nil {
		f.Close()
		return Result{}, err
	}
	if err := f.Close(); err != nil {
		return Result{}, err
	}

	if err := appendBinlogRecord(op, 'A', binlog.AppendExtra(op.PriorSize, n)); err != nil {
		return Result{}, err
	}
	return Result{Size: op.PriorSize + n, CRC32: crc.Sum32()}, nil
}

func execModify(op *Op) (Result, error) {
	if op.WriteOffset+op.BodyLen > op.PriorSize {
		return Result{}, protoerr.ErrOutOfRange
	}
	f, err := os.OpenFile(op.FinalPath, os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, protoerr.ErrNotFound
		}
		return Result{}, err
	}
	if _, err := f.Seek(op.WriteOffset, io.SeekStart); err != nil {
		f.Close()
		return Result{}, err
	}

	n, err := copyBody(f, io.LimitReader(op.Body, op.BodyLen), op.Buf)
	if err != nil {
		f.Close()
		return Result{}, err
	}
	if err := f.Close(); err != nil {
		return Result{}, err
	}

	if err := appendBinlogRecord(op, 'M', binlog.AppendExtra(op.WriteOffset, n)); err != nil {
		return Result{}, err
	}
	return Result{Size: op.PriorSize}, nil
}

func execTruncate(op *Op) (Result, error) {
	if op.PriorSize == op.WriteOffset {
		// Repeated truncate to the same remain-size is a no-op, but still
		// binlogged so replicas stay convergent.
		if err := appendBinlogRecord(op, 'T', binlog.TruncateExtra(op.WriteOffset, op.PriorSize)); err != nil {
			return Result{}, err
		}
		return Result{Size: op.WriteOffset}, nil
	}
	if err := os.Truncate(op.FinalPath, op.WriteOffset); err != nil {
		if os.IsNotExist(err) {
			return Result{}, protoerr.ErrNotFound
		}
		return Result{}, err
	}
	if err := appendBinlogRecord(op, 'T', binlog.TruncateExtra(op.WriteOffset, op.PriorSize)); err != nil {
		return Result{}, err
	}
	return Result{Size: op.WriteOffset}, nil
}

func execDelete(op *Op) (Result, error) {
	var err error
	if op.IsTrunkMember {
		if op.TrunkFree != nil {
			err = op.TrunkFree()
		}
	} else {
		err = os.Remove(op.FinalPath)
	}
	if err != nil {
		if os.IsNotExist(err) {
			if op.Replica {
				// Idempotent at replica side: logged upstream, not here.
				return Result{Discarded: true}, nil
			}
			return Result{}, protoerr.ErrNotFound
		}
		return Result{}, err
	}
	if op.MetaPath != "" {
		_ = os.Remove(op.MetaPath)
	}
	if err := appendBinlogRecord(op, 'D', ""); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}
