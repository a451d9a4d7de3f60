// Package node wires every subsystem of a storage node together: the
// store-path chooser, disk worker pool, dispatcher, trunk coordinator,
// binlog writer, connection pool, stats counters, replication readers and
// the network listener. It is the single place that owns the lifetime of
// all of the above for as long as the process runs, not just for one
// command.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fastdfs-go/storaged/internal/binlog"
	"github.com/fastdfs-go/storaged/internal/config"
	"github.com/fastdfs-go/storaged/internal/connpool"
	"github.com/fastdfs-go/storaged/internal/dispatch"
	"github.com/fastdfs-go/storaged/internal/diskworker"
	"github.com/fastdfs-go/storaged/internal/dupindex"
	"github.com/fastdfs-go/storaged/internal/filename"
	"github.com/fastdfs-go/storaged/internal/logging"
	"github.com/fastdfs-go/storaged/internal/netio"
	"github.com/fastdfs-go/storaged/internal/replication"
	"github.com/fastdfs-go/storaged/internal/stats"
	"github.com/fastdfs-go/storaged/internal/storepath"
	"github.com/fastdfs-go/storaged/internal/taskbuf"
	"github.com/fastdfs-go/storaged/internal/tracker"
	"github.com/fastdfs-go/storaged/internal/trunk"
)

var log = logging.For("node")

// Node is one running storage node. Its fields are immutable after New;
// Run/Shutdown are the only lifecycle entry points a caller needs.
type Node struct {
	cfg *config.Config

	chooser    *storepath.Chooser
	pool       *diskworker.Pool
	binlogw    *binlog.Writer
	trunkCoord *trunk.Coordinator
	statsC     *stats.Counters
	dup        dupindex.Index
	trk        tracker.Tracker
	dispatcher *dispatch.Dispatcher
	bufs       *taskbuf.Pool
	connPool   *connpool.Pool
	marks      *replication.MarkStore
	server     *netio.Server

	peerDone    chan struct{}
	peerWG      sync.WaitGroup
	heartbeatWG sync.WaitGroup
	retentionWG sync.WaitGroup
}

// Dependencies are the external collaborators a standalone node is
// constructed with: tracker and dup-index are consumed as interfaces,
// never implemented here. Either may be nil, in which case a no-op
// stand-in is used.
type Dependencies struct {
	Tracker tracker.Tracker
	DupIndex dupindex.Index
}

// New builds every subsystem from cfg but does not yet accept connections
// or start replication; call Run for that.
func New(cfg *config.Config, deps Dependencies) (*Node, error) {
	if len(cfg.StorePaths) == 0 {
		return nil, fmt.Errorf("node: no store paths configured")
	}
	for _, sp := range cfg.StorePaths {
		if err := os.MkdirAll(filepath.Join(sp.Root, "data"), 0o755); err != nil {
			return nil, fmt.Errorf("node: prepare store path %d: %w", sp.Index, err)
		}
	}

	statFn := diskUsageStatFn(cfg)
	chooser := storepath.New(cfg, statFn)
	pool := diskworker.NewPool(cfg.DiskWorkersPerPath, false)

	binlogw, err := binlog.Open(cfg.BinlogBasePath, cfg.BinlogRotateBytes)
	if err != nil {
		return nil, fmt.Errorf("node: open binlog: %w", err)
	}

	var trunkCoord *trunk.Coordinator
	if cfg.TrunkEnabled {
		roots := make(map[int]string, len(cfg.StorePaths))
		for _, sp := range cfg.StorePaths {
			roots[sp.Index] = sp.Root
		}
		trunkCoord, err = trunk.NewCoordinator(roots, cfg.TrunkFileSize, cfg.SubdirCountPerPath)
		if err != nil {
			binlogw.Close()
			return nil, fmt.Errorf("node: init trunk coordinator: %w", err)
		}
	}

	statsC := stats.New()
	dup := deps.DupIndex
	if dup == nil {
		dup = dupindex.NoOp{}
	}
	trk := deps.Tracker
	if trk == nil {
		trk = tracker.NoOp{}
	}

	originID, err := nodeOriginID(cfg)
	if err != nil {
		return nil, err
	}

	var trunkForDispatch dispatch.TrunkCoordinator
	if trunkCoord != nil {
		trunkForDispatch = trunkCoord
	}
	d := dispatch.New(cfg, chooser, pool, binlogw, trunkForDispatch, statsC, dup, originID)

	bufs := taskbuf.New(time.Minute, cfg.TaskBufferSize, cfg.MaxConnections*2)

	connPool := connpool.New(func(addr string) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, 10*time.Second)
	}, 4, time.Duration(cfg.ConnIdleTimeoutSec)*time.Second)

	marksPath := filepath.Join(cfg.BinlogBasePath, "replication_marks.db")
	marks, err := replication.OpenMarkStore(marksPath)
	if err != nil {
		binlogw.Close()
		return nil, fmt.Errorf("node: open mark store: %w", err)
	}

	server := &netio.Server{
		Dispatcher:     d,
		Bufs:           bufs,
		MaxBodySize:    uint64(cfg.TrunkFileSize) * 2,
		MaxConnections: cfg.MaxConnections,
	}

	return &Node{
		cfg:        cfg,
		chooser:    chooser,
		pool:       pool,
		binlogw:    binlogw,
		trunkCoord: trunkCoord,
		statsC:     statsC,
		dup:        dup,
		trk:        trk,
		dispatcher: d,
		bufs:       bufs,
		connPool:   connPool,
		marks:      marks,
		server:     server,
		peerDone:   make(chan struct{}),
	}, nil
}

// nodeOriginID derives the 4-byte origin id embedded in every filename this
// node generates from the configured node id, falling back to a hash of
// the bind address when no id-based identity is configured.
func nodeOriginID(cfg *config.Config) (uint32, error) {
	if cfg.NodeID != "" {
		var id uint32
		if _, err := fmt.Sscanf(cfg.NodeID, "%d", &id); err == nil {
			return id, nil
		}
	}
	var h uint32 = 2166136261
	for i := 0; i < len(cfg.BindAddr); i++ {
		h ^= uint32(cfg.BindAddr[i])
		h *= 16777619
	}
	return h, nil
}

func diskUsageStatFn(cfg *config.Config) storepath.StatFunc {
	roots := make(map[int]string, len(cfg.StorePaths))
	for _, sp := range cfg.StorePaths {
		roots[sp.Index] = sp.Root
	}
	return func(index int) (storepath.Usage, error) {
		root, ok := roots[index]
		if !ok {
			return storepath.Usage{}, fmt.Errorf("node: unknown store path %d", index)
		}
		return diskUsage(root)
	}
}

// resolvePath implements replication.PathResolver: it parses a logical
// filename and rebuilds the absolute on-disk path the dispatcher itself
// would read or write, so a peer reader's re-read-at-send-time always
// reflects this node's own current view of the file.
func (n *Node) resolvePath(logicalName string) (string, error) {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return "", err
	}
	var root string
	for _, sp := range n.cfg.StorePaths {
		if sp.Index == parsed.StorePathIndex {
			root = sp.Root
			break
		}
	}
	if root == "" {
		return "", fmt.Errorf("node: unknown store path %d in %q", parsed.StorePathIndex, logicalName)
	}
	name := parsed.Base64
	if parsed.Ext != "" {
		name += "." + parsed.Ext
	}
	return filepath.Join(root, "data", fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow), name), nil
}

// Run starts replication readers and serves connections on ln until ctx is
// cancelled. It blocks until shutdown completes.
func (n *Node) Run(ctx context.Context, ln net.Listener) error {
	minB := time.Duration(n.cfg.ReplicationMinBackoffMS) * time.Millisecond
	maxB := time.Duration(n.cfg.ReplicationMaxBackoffMS) * time.Millisecond
	for _, addr := range n.cfg.PeerAddrs {
		pr := replication.NewPeerReader(addr, n.cfg.BinlogBasePath, n.resolvePath, n.connPool, n.marks, minB, maxB, n.cfg.TaskBufferSize)
		n.peerWG.Add(1)
		go func() {
			defer n.peerWG.Done()
			pr.Run(n.peerDone)
		}()
	}

	if n.cfg.HeartbeatIntervalSec > 0 {
		n.heartbeatWG.Add(1)
		go func() {
			defer n.heartbeatWG.Done()
			n.heartbeatLoop(ctx)
		}()
	}

	if len(n.cfg.PeerAddrs) > 0 {
		n.retentionWG.Add(1)
		go func() {
			defer n.retentionWG.Done()
			n.retentionLoop()
		}()
	}

	log.WithField("addr", ln.Addr().String()).Info("storage node serving")
	err := n.server.Serve(ctx, ln)
	n.Shutdown()
	return err
}

// heartbeatLoop periodically reports this node's state to the tracker
// collaborator, a no-op when none is configured.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(n.cfg.HeartbeatIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := tracker.Heartbeat{
				GroupName: n.cfg.GroupName,
				NodeID:    n.cfg.NodeID,
				Stats:     n.statsC.Snapshot(),
			}
			if err := n.trk.SendHeartbeat(ctx, hb); err != nil {
				log.WithError(err).Debug("tracker heartbeat failed")
			}
		}
	}
}

// retentionLoop purges binlog segments once every configured peer's
// persisted mark has moved past them, the condition reader.go's doc comment
// relies on to let a brand-new peer start tailing from (segment 0, offset 0)
// instead of needing a directory-walk catch-up bootstrap.
func (n *Node) retentionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.peerDone:
			return
		case <-ticker.C:
			n.purgeConsumedSegments()
		}
	}
}

func (n *Node) purgeConsumedSegments() {
	minSeg := -1
	for _, addr := range n.cfg.PeerAddrs {
		mark, found, err := n.marks.Load(addr)
		if err != nil {
			log.WithError(err).WithField("peer", addr).Warn("retention: mark load failed, skipping purge")
			return
		}
		if !found {
			// A peer that has never reported a mark may still need segment
			// 0; purging now would strand it.
			return
		}
		if minSeg == -1 || mark.SegmentIndex < minSeg {
			minSeg = mark.SegmentIndex
		}
	}
	if minSeg <= 0 {
		return
	}
	if err := binlog.PurgeSegmentsBefore(n.cfg.BinlogBasePath, minSeg); err != nil {
		log.WithError(err).Warn("retention: purge failed")
	}
}

// Shutdown stops replication readers, flushes and closes the binlog and
// connection pool. It is safe to call more than once.
func (n *Node) Shutdown() {
	select {
	case <-n.peerDone:
	default:
		close(n.peerDone)
	}
	n.peerWG.Wait()
	n.heartbeatWG.Wait()
	n.retentionWG.Wait()
	n.connPool.Stop()
	if err := n.pool.Stop(); err != nil {
		log.WithError(err).Warn("disk worker pool stop reported an error")
	}
	if err := n.binlogw.Close(); err != nil {
		log.WithError(err).Warn("binlog close failed")
	}
	if err := n.marks.Close(); err != nil {
		log.WithError(err).Warn("mark store close failed")
	}
}
