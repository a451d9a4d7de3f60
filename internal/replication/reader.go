package replication

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fastdfs-go/storaged/internal/binlog"
	"github.com/fastdfs-go/storaged/internal/connpool"
	"github.com/fastdfs-go/storaged/internal/logging"
	"github.com/fastdfs-go/storaged/internal/metadata"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
)

var log = logging.For("replication")

// markFlushEvery bounds how often a reader persists its mark to disk;
// periodic flushing is enough, no need to fsync one per record.
const markFlushEvery = 20

// PathResolver maps a logical filename to the local path replication reads
// file content from at send time, the same resolution
// dispatch.Dispatcher's internal data-path helper performs.
type PathResolver func(logicalName string) (string, error)

// PeerReader tails the node's binlog and replays each record to one peer
// over a pooled connection, advancing its own persisted mark. Binlog
// segments are retained until every peer's mark has advanced past
// them (enforced by internal/node's retention loop), so a brand-new peer
// can simply start tailing from (segment 0, offset 0) instead of needing a
// separate directory-walk catch-up bootstrap — this replaces the
// fetch-one-path-binlog RPC, which is out of a standalone node's scope.
type PeerReader struct {
	PeerAddr   string
	BinlogBase string
	Resolve    PathResolver
	Pool       *connpool.Pool
	Marks      *MarkStore
	BufSize    int

	pacer *pacer
}

// NewPeerReader builds a PeerReader with the given backoff bounds.
func NewPeerReader(peerAddr, binlogBase string, resolve PathResolver, pool *connpool.Pool, marks *MarkStore, minBackoff, maxBackoff time.Duration, bufSize int) *PeerReader {
	if bufSize <= 0 {
		bufSize = 256 * 1024
	}
	return &PeerReader{
		PeerAddr:   peerAddr,
		BinlogBase: binlogBase,
		Resolve:    resolve,
		Pool:       pool,
		Marks:      marks,
		BufSize:    bufSize,
		pacer:      newPacer(minBackoff, maxBackoff),
	}
}

// Run tails the binlog and ships records to the peer until done fires. It
// always persists the mark on return, so a clean shutdown never replays
// already-sent records on restart.
func (pr *PeerReader) Run(done <-chan struct{}) {
	mark, _, err := pr.Marks.Load(pr.PeerAddr)
	if err != nil {
		log.WithError(err).WithField("peer", pr.PeerAddr).Error("mark load failed, replication halted")
		return
	}
	defer func() {
		if err := pr.Marks.Save(pr.PeerAddr, mark); err != nil {
			log.WithError(err).WithField("peer", pr.PeerAddr).Warn("final mark flush failed")
		}
	}()

	rd := binlog.NewReader(pr.BinlogBase, mark.SegmentIndex, mark.Offset)
	buf := make([]byte, pr.BufSize)
	unflushed := 0

	for {
		select {
		case <-done:
			return
		default:
		}

		segBefore, offBefore := rd.Cursor()
		rec, err := rd.Next()
		if err == binlog.ErrNoData {
			pr.pacer.Sleep(done)
			continue
		}
		if err != nil {
			log.WithError(err).WithField("peer", pr.PeerAddr).Error("binlog read failed, replication halted")
			return
		}

		if err := pr.send(rec, buf); err != nil {
			log.WithError(err).WithField("peer", pr.PeerAddr).WithField("file", rec.Filename).
				Warn("replication send failed, will retry")
			pr.pacer.OnFailure()
			rd = binlog.NewReader(pr.BinlogBase, segBefore, offBefore)
			pr.pacer.Sleep(done)
			continue
		}
		pr.pacer.OnSuccess()

		seg, off := rd.Cursor()
		mark.SegmentIndex, mark.Offset = seg, off
		if mark.NeedSyncOld {
			mark.NeedSyncOld = false
			mark.SyncOldDone = true
		}
		unflushed++
		if unflushed >= markFlushEvery {
			unflushed = 0
			if err := pr.Marks.Save(pr.PeerAddr, mark); err != nil {
				log.WithError(err).WithField("peer", pr.PeerAddr).Warn("mark flush failed")
			}
		}
	}
}

// send translates one binlog record into its sync-* wire request and
// round-trips it against the peer, returning an error (triggering a
// no-mark-advance retry) for anything but a clean OK reply.
func (pr *PeerReader) send(rec binlog.Record, buf []byte) error {
	conn, err := pr.Pool.Acquire(pr.PeerAddr)
	if err != nil {
		return err
	}
	ok := false
	defer func() { pr.Pool.Release(pr.PeerAddr, conn, !ok) }()

	cmd, body, fileBody, fileLen, err := pr.buildRequest(rec)
	if err != nil {
		if err == errUnsupportedOp {
			// Nothing more we can do for an op letter buildRequest has no
			// case for; treat as handled so the reader doesn't spin on it
			// forever.
			ok = true
			return nil
		}
		return err
	}

	if err := protoerr.WriteHeader(conn, protoerr.Header{BodyLen: uint64(len(body)) + uint64(fileLen), Cmd: cmd}); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	if fileBody != nil {
		if _, err := io.CopyBuffer(conn, fileBody, buf); err != nil {
			return err
		}
	}

	r := bufio.NewReader(conn)
	respHdr, err := protoerr.ReadHeader(r, 1<<20)
	if err != nil {
		return err
	}
	if respHdr.BodyLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(respHdr.BodyLen)); err != nil {
			return err
		}
	}
	if respHdr.Status != protoerr.StatusOK {
		return fmt.Errorf("replication: peer %s replied status %d for %s", pr.PeerAddr, respHdr.Status, rec.Filename)
	}
	ok = true
	return nil
}

var errUnsupportedOp = fmt.Errorf("replication: unsupported op type")

// buildRequest returns the command, the fixed/prefix body, and (for
// content-bearing ops) a reader plus length for the file bytes that follow.
// Content is opened fresh here rather than carried from write time, so a
// vanished file at send time (create-then-delete race) degrades to an
// empty-content create rather than failing the whole record, so the
// record still advances the mark and the subsequent delete record
// converges the peer correctly.
func (pr *PeerReader) buildRequest(rec binlog.Record) (cmd protoerr.Command, body []byte, fileBody io.Reader, fileLen int64, err error) {
	ts := uint32(rec.Timestamp)
	source := rec.Op.ToSource()

	switch source {
	case 'C', 'L':
		f, size, openErr := pr.openForSend(rec.Filename)
		if openErr != nil {
			return 0, nil, nil, 0, openErr
		}
		if f == nil {
			// Tie-break: the create's target is already gone by send time.
			return protoerr.CmdSyncCreateFile, protoerr.EncodeSyncCreatePrefix(ts, rec.Filename, 0), nil, 0, nil
		}
		return protoerr.CmdSyncCreateFile, protoerr.EncodeSyncCreatePrefix(ts, rec.Filename, uint64(size)), f, size, nil

	case 'A':
		start, length, perr := parseExtraPair(rec.Extra)
		if perr != nil {
			return 0, nil, nil, 0, perr
		}
		f, size, openErr := pr.openRangeForSend(rec.Filename, start, length)
		if openErr != nil {
			return 0, nil, nil, 0, openErr
		}
		if f == nil {
			return protoerr.CmdSyncAppendFile, protoerr.EncodeSyncAppendPrefix(ts, rec.Filename, 0), nil, 0, nil
		}
		return protoerr.CmdSyncAppendFile, protoerr.EncodeSyncAppendPrefix(ts, rec.Filename, uint64(size)), f, size, nil

	case 'M':
		offset, length, perr := parseExtraPair(rec.Extra)
		if perr != nil {
			return 0, nil, nil, 0, perr
		}
		f, size, openErr := pr.openRangeForSend(rec.Filename, offset, length)
		if openErr != nil {
			return 0, nil, nil, 0, openErr
		}
		if f == nil {
			return protoerr.CmdSyncModifyFile, protoerr.EncodeSyncModifyPrefix(ts, rec.Filename, uint64(offset), 0), nil, 0, nil
		}
		return protoerr.CmdSyncModifyFile, protoerr.EncodeSyncModifyPrefix(ts, rec.Filename, uint64(offset), uint64(size)), f, size, nil

	case 'T':
		remain, _, perr := parseExtraPair(rec.Extra)
		if perr != nil {
			return 0, nil, nil, 0, perr
		}
		return protoerr.CmdSyncTruncateFile, protoerr.EncodeSyncTruncateRequest(ts, rec.Filename, uint64(remain)), nil, 0, nil

	case 'D':
		return protoerr.CmdSyncDeleteFile, protoerr.EncodeDeleteRequest(protoerr.DeleteRequest{Filename: rec.Filename}), nil, 0, nil

	case 'U':
		// The binlog record only says a change happened, not what it was;
		// re-reading the sidecar's current (fully resolved) content at send
		// time and replicating it as an overwrite, regardless of the
		// source op that produced it, is what makes this converge even
		// across overwrite-then-merge sequences collapsed onto one record.
		path, perr := pr.Resolve(rec.Filename)
		if perr != nil {
			return 0, nil, nil, 0, perr
		}
		m, merr := metadata.Get(path)
		if merr != nil {
			return 0, nil, nil, 0, merr
		}
		return protoerr.CmdSyncSetMetadata, protoerr.EncodeSyncSetMetadataPrefix(ts, rec.Filename, byte(protoerr.MetaOverwrite), metadata.Encode(m)), nil, 0, nil

	default:
		return 0, nil, nil, 0, errUnsupportedOp
	}
}

// openForSend opens the whole current content of logicalName, returning a
// nil file (not an error) when the path no longer exists.
func (pr *PeerReader) openForSend(logicalName string) (*os.File, int64, error) {
	path, err := pr.Resolve(logicalName)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// openRangeForSend opens [start, start+length) of logicalName's current
// content as of send time, clamping length to whatever remains in the
// (possibly since-truncated) file.
func (pr *PeerReader) openRangeForSend(logicalName string, start, length int64) (io.Reader, int64, error) {
	path, err := pr.Resolve(logicalName)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if start >= fi.Size() {
		f.Close()
		return nil, 0, nil
	}
	if start+length > fi.Size() {
		length = fi.Size() - start
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	return io.LimitReader(f, length), length, nil
}

func parseExtraPair(extra string) (a, b int64, err error) {
	fields := strings.Fields(extra)
	if len(fields) < 1 {
		return 0, 0, fmt.Errorf("replication: empty extra field")
	}
	a, err = strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if len(fields) > 1 {
		b, err = strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
	}
	return a, b, nil
}
