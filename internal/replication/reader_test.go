package replication

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastdfs-go/storaged/internal/binlog"
	"github.com/fastdfs-go/storaged/internal/connpool"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
)

// fakePeer accepts one connection at a time and records every request it
// receives, always replying with a clean OK and no body.
type fakePeer struct {
	ln       net.Listener
	received chan protoerr.Header
	bodies   chan []byte
}

func startFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fp := &fakePeer{ln: ln, received: make(chan protoerr.Header, 16), bodies: make(chan []byte, 16)}
	go fp.serve()
	return fp
}

func (fp *fakePeer) serve() {
	for {
		conn, err := fp.ln.Accept()
		if err != nil {
			return
		}
		go fp.handle(conn)
	}
}

func (fp *fakePeer) handle(conn net.Conn) {
	defer conn.Close()
	for {
		hdr, err := protoerr.ReadHeader(conn, 1<<20)
		if err != nil {
			return
		}
		body := make([]byte, hdr.BodyLen)
		if hdr.BodyLen > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		fp.received <- hdr
		fp.bodies <- body
		protoerr.WriteHeader(conn, protoerr.Header{Cmd: hdr.Cmd, Status: protoerr.StatusOK})
	}
}

func (fp *fakePeer) close() { fp.ln.Close() }

func newTestReader(t *testing.T, addr string, resolve PathResolver) (*PeerReader, *MarkStore) {
	t.Helper()
	dir := t.TempDir()
	binlogBase := filepath.Join(dir, "binlog")
	require.NoError(t, os.MkdirAll(binlogBase, 0o755))

	marks, err := OpenMarkStore(filepath.Join(dir, "marks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { marks.Close() })

	pool := connpool.New(func(a string) (net.Conn, error) {
		return net.DialTimeout("tcp", a, time.Second)
	}, 2, time.Minute)
	t.Cleanup(pool.Stop)

	return NewPeerReader(addr, binlogBase, resolve, pool, marks, time.Millisecond, 10*time.Millisecond, 64*1024), marks
}

func TestPeerReaderSendsCreateAndAdvancesMark(t *testing.T) {
	peer := startFakePeer(t)
	defer peer.close()

	dataDir := t.TempDir()
	logicalName := "M00/00/00/abcdef"
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "abcdef"), []byte("hello world"), 0o644))

	resolve := func(name string) (string, error) {
		return filepath.Join(dataDir, "abcdef"), nil
	}
	pr, marks := newTestReader(t, peer.ln.Addr().String(), resolve)

	w, err := binlog.Open(pr.BinlogBase, 0)
	require.NoError(t, err)
	defer w.Close()
	_, _, err = w.Append(binlog.Record{Timestamp: 1, Op: binlog.OpSourceCreateFile, Filename: logicalName})
	require.NoError(t, err)

	done := make(chan struct{})
	runDone := make(chan struct{})
	go func() {
		pr.Run(done)
		close(runDone)
	}()

	select {
	case hdr := <-peer.received:
		assert.Equal(t, protoerr.CmdSyncCreateFile, hdr.Cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the sync-create request")
	}
	body := <-peer.bodies
	assert.Contains(t, string(body), "hello world")

	close(done)
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after done was closed")
	}

	mark, found, err := marks.Load(pr.PeerAddr)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, mark.NeedSyncOld)
	assert.True(t, mark.SegmentIndex > 0 || mark.Offset > 0)
}

func TestPeerReaderCreateThenDeleteSendsZeroContent(t *testing.T) {
	peer := startFakePeer(t)
	defer peer.close()

	logicalName := "M00/00/00/vanished"
	resolve := func(name string) (string, error) {
		// Always reports the file as missing, simulating the
		// create-then-delete race: by send time the file is already gone.
		return filepath.Join(t.TempDir(), "never-exists"), nil
	}
	pr, _ := newTestReader(t, peer.ln.Addr().String(), resolve)

	w, err := binlog.Open(pr.BinlogBase, 0)
	require.NoError(t, err)
	defer w.Close()
	_, _, err = w.Append(binlog.Record{Timestamp: 1, Op: binlog.OpSourceCreateFile, Filename: logicalName})
	require.NoError(t, err)

	done := make(chan struct{})
	defer close(done)
	go pr.Run(done)

	select {
	case hdr := <-peer.received:
		assert.Equal(t, protoerr.CmdSyncCreateFile, hdr.Cmd)
		body := <-peer.bodies
		require.True(t, len(body) >= 8)
		fileSize := uint64(0)
		for _, b := range body[len(body)-8:] {
			fileSize = fileSize<<8 | uint64(b)
		}
		assert.Equal(t, uint64(0), fileSize, "vanished file should degrade to a zero-length create")
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the degraded sync-create request")
	}
}
