// Package dispatch implements the request dispatcher: given a validated
// request, it resolves target paths (generating a fresh logical filename
// for new uploads, consulting the trunk allocator for trunk-member
// uploads), builds a diskworker.Op, and routes it to the worker pool,
// finishing by updating stats and (for metadata ops) the sidecar directly.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fastdfs-go/storaged/internal/binlog"
	"github.com/fastdfs-go/storaged/internal/config"
	"github.com/fastdfs-go/storaged/internal/diskworker"
	"github.com/fastdfs-go/storaged/internal/dupindex"
	"github.com/fastdfs-go/storaged/internal/filename"
	"github.com/fastdfs-go/storaged/internal/logging"
	"github.com/fastdfs-go/storaged/internal/metadata"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
	"github.com/fastdfs-go/storaged/internal/stats"
	"github.com/fastdfs-go/storaged/internal/storepath"
	"github.com/fastdfs-go/storaged/internal/trunk"
)

var log = logging.For("dispatch")

// TrunkCoordinator is consulted for trunk-member uploads and for freeing a
// trunk member's chunk on delete. A standalone node is its own trunk server
// for every store path it hosts (trunk-server election across a group is a
// tracker-driven decision out of this core's scope).
type TrunkCoordinator interface {
	Alloc(storePathIndex int, size int64) (trunk.Location, error)
	Confirm(storePathIndex int, loc trunk.Location) error
	Free(storePathIndex int, loc trunk.Location) error
	// ChunkPath returns the absolute path of the trunk file a Location
	// belongs to.
	ChunkPath(storePathIndex int, loc trunk.Location) string
}

// Dispatcher wires the store-path chooser, trunk coordinator, binlog writer
// and disk worker pool into the handlers for read-path, write-path and
// management commands.
type Dispatcher struct {
	cfg      *config.Config
	chooser  *storepath.Chooser
	pool     *diskworker.Pool
	binlogw  *binlog.Writer
	trunk    TrunkCoordinator // nil when trunking is disabled
	stats    *stats.Counters
	dup      dupindex.Index
	originID uint32
	rr       *filename.RoundRobinDirs
}

// New builds a Dispatcher. trunkCoord may be nil (trunking disabled); dup
// may be nil (falls back to dupindex.NoOp).
func New(cfg *config.Config, chooser *storepath.Chooser, pool *diskworker.Pool, binlogw *binlog.Writer, trunkCoord TrunkCoordinator, st *stats.Counters, dup dupindex.Index, originID uint32) *Dispatcher {
	if dup == nil {
		dup = dupindex.NoOp{}
	}
	return &Dispatcher{
		cfg:      cfg,
		chooser:  chooser,
		pool:     pool,
		binlogw:  binlogw,
		trunk:    trunkCoord,
		stats:    st,
		dup:      dup,
		originID: originID,
		rr:       filename.NewRoundRobinDirs(cfg.SubdirCountPerPath, 1000),
	}
}

func (d *Dispatcher) storePathRoot(index int) string {
	for _, p := range d.cfg.StorePaths {
		if p.Index == index {
			return p.Root
		}
	}
	return ""
}

func dataPath(storePathRoot, dirHigh, dirLow, base64, ext string) string {
	name := base64
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(storePathRoot, "data", dirHigh, dirLow, name)
}

func (d *Dispatcher) pickDirs() (uint8, uint8) {
	if d.cfg.StorePathMode == config.StorePathRoundRobin {
		return d.rr.Next()
	}
	return 0, 0 // outside round-robin mode every regular upload lands in 00/00; no payload hash is computed
}

// UploadRegular implements UPLOAD_FILE / UPLOAD_APPENDER_FILE for the
// non-trunk path: choose a store path, reserve a logical filename, stream
// the body to disk, then append the binlog record and update stats.
func (d *Dispatcher) UploadRegular(body io.Reader, fileSize uint64, ext string, isAppender bool, buf []byte) (filenameOut string, result diskworker.Result, err error) {
	idx, err := d.chooser.Choose()
	if err != nil {
		return "", diskworker.Result{}, err
	}
	root := d.storePathRoot(idx)
	now := uint32(time.Now().Unix())

	high, low := d.pickDirs()
	logicalName, finalPath, err := filename.Generate(idx, root, high, low, d.originID, now, fileSize, 0, ext, false, isAppender,
		dataPath, func(p string) bool { _, statErr := os.Stat(p); return statErr == nil })
	if err != nil {
		return "", diskworker.Result{}, err
	}

	tempPath := filepath.Join(root, "data", fmt.Sprintf(".cp%d.tmp", time.Now().UnixNano()))
	op := &diskworker.Op{
		Kind:            diskworker.KindWrite,
		FinalPath:       finalPath,
		TempPath:        tempPath,
		Body:            body,
		BodyLen:         int64(fileSize),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Buf:             buf,
	}
	res, err := d.pool.Submit(idx, diskworker.DirWrite, op)
	d.stats.RecordUpload(err == nil, res.Size)
	if err != nil {
		return "", diskworker.Result{}, err
	}
	return logicalName, res, nil
}

// UploadTrunkMember implements the trunk-packed branch of the write
// algorithm: trunk-alloc reserves a chunk, the chunk header is written via
// BeforeOpen/BeforeClose, and on success trunk-confirm finalizes it.
// Confirm must precede any binlog record that references the chunk.
func (d *Dispatcher) UploadTrunkMember(body io.Reader, fileSize uint64, ext string, buf []byte) (filenameOut string, result diskworker.Result, err error) {
	if d.trunk == nil {
		return "", diskworker.Result{}, fmt.Errorf("dispatch: trunking not enabled")
	}
	idx, err := d.chooser.Choose()
	if err != nil {
		return "", diskworker.Result{}, err
	}
	loc, err := d.trunk.Alloc(idx, int64(fileSize))
	if err != nil {
		return "", diskworker.Result{}, err
	}

	root := d.storePathRoot(idx)
	now := uint32(time.Now().Unix())
	suffix := filename.TrunkSuffix{TrunkID: loc.TrunkID, Offset: loc.Offset, Size: int64(fileSize)}
	logicalName, _, err := filename.GenerateTrunkMember(idx, root, loc.DirHigh, loc.DirLow, d.originID, now, 0, ext, false, suffix,
		dataPath, func(string) bool { return false })
	if err != nil {
		_ = d.trunk.Free(idx, loc)
		return "", diskworker.Result{}, err
	}

	chunkHeader := trunk.ChunkHeader{Size: int64(fileSize), Ext: ext}
	chunkPath := d.trunk.ChunkPath(idx, loc)

	op := &diskworker.Op{
		Kind:        diskworker.KindWrite,
		FinalPath:   chunkPath,
		WriteOffset: loc.Offset,
		Body:        body,
		BodyLen:     int64(fileSize),
		Timestamp:   time.Now().Unix(),
		BeforeOpen: func() error {
			f, err := os.OpenFile(chunkPath, os.O_RDWR, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			chunkHeader.Used = true
			_, err = f.WriteAt(chunkHeader.Encode(), loc.Offset-int64(trunk.HeaderSize))
			return err
		},
		BeforeClose: func(finalSize int64, crc uint32, mtime int64) error {
			chunkHeader.Size = finalSize
			chunkHeader.CRC32 = crc
			chunkHeader.Mtime = mtime
			f, err := os.OpenFile(chunkPath, os.O_RDWR, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = f.WriteAt(chunkHeader.Encode(), loc.Offset-int64(trunk.HeaderSize))
			return err
		},
		Buf: buf,
	}

	res, err := d.pool.Submit(idx, diskworker.DirWrite, op)
	if err != nil {
		_ = d.trunk.Free(idx, loc)
		d.stats.RecordUpload(false, 0)
		return "", diskworker.Result{}, err
	}
	if err := d.trunk.Confirm(idx, loc); err != nil {
		log.WithError(err).Warn("trunk confirm failed after successful write")
	} else if d.binlogw != nil {
		rec := binlog.Record{Timestamp: op.Timestamp, Op: binlog.OpSourceCreateFile, Filename: logicalName}
		if _, _, err := d.binlogw.Append(rec); err != nil {
			log.WithError(err).Warn("binlog append failed after trunk confirm")
		}
	}
	d.stats.RecordUpload(true, res.Size)
	return logicalName, res, nil
}

// Upload implements UPLOAD_FILE / UPLOAD_APPENDER_FILE, routing to the
// trunk-packed path when trunking is enabled, the file is not an appender
// (an appender grows, so it cannot share a trunk file's fixed slot), and
// its size is at or below the configured small-file threshold.
func (d *Dispatcher) Upload(body io.Reader, fileSize uint64, ext string, isAppender bool, buf []byte) (filenameOut string, result diskworker.Result, err error) {
	if d.trunk != nil && !isAppender && int64(fileSize) <= d.cfg.TrunkSmallFileSizeBytes {
		return d.UploadTrunkMember(body, fileSize, ext, buf)
	}
	return d.UploadRegular(body, fileSize, ext, isAppender, buf)
}

// UploadSlaveFile implements UPLOAD_SLAVE_FILE: the new file shares the
// master's directory and base64 payload, distinguished by prefix/ext.
// Slave uniqueness comes from the stat check below: a repeat (prefix, ext)
// pair against the same master resolves to an existing final path and is
// rejected with ErrAlreadyExists.
func (d *Dispatcher) UploadSlaveFile(masterName string, body io.Reader, fileSize uint64, prefix, ext string, buf []byte) (filenameOut string, result diskworker.Result, err error) {
	master, err := filename.Parse(masterName)
	if err != nil {
		return "", diskworker.Result{}, err
	}
	logicalName, err := filename.SlaveName(master, prefix, ext)
	if err != nil {
		return "", diskworker.Result{}, err
	}
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return "", diskworker.Result{}, err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	finalPath := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)
	if _, statErr := os.Stat(finalPath); statErr == nil {
		return "", diskworker.Result{}, protoerr.ErrAlreadyExists
	}

	tempPath := filepath.Join(root, "data", fmt.Sprintf(".cp%d.tmp", time.Now().UnixNano()))
	op := &diskworker.Op{
		Kind:            diskworker.KindWrite,
		FinalPath:       finalPath,
		TempPath:        tempPath,
		Body:            body,
		BodyLen:         int64(fileSize),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Buf:             buf,
	}
	res, err := d.pool.Submit(parsed.StorePathIndex, diskworker.DirWrite, op)
	d.stats.RecordUpload(err == nil, res.Size)
	if err != nil {
		return "", diskworker.Result{}, err
	}
	return logicalName, res, nil
}

// CreateLink implements CREATE_LINK: a link file records a reference to a
// remote source file (src, validated by sig) rather than holding file
// content of its own, sharing a master's directory/base64 the same way a
// slave file does.
func (d *Dispatcher) CreateLink(masterName, group, prefix, ext, src string, sig []byte) (filenameOut string, err error) {
	master, err := filename.Parse(masterName)
	if err != nil {
		return "", err
	}
	logicalName, err := filename.SlaveName(master, prefix, ext)
	if err != nil {
		return "", err
	}
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return "", err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	finalPath := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)
	if _, statErr := os.Stat(finalPath); statErr == nil {
		return "", protoerr.ErrAlreadyExists
	}

	body := bytes.NewReader(linkRecordBody(group, src, sig))
	tempPath := filepath.Join(root, "data", fmt.Sprintf(".cp%d.tmp", time.Now().UnixNano()))
	op := &diskworker.Op{
		Kind:            diskworker.KindWrite,
		FinalPath:       finalPath,
		TempPath:        tempPath,
		Body:            body,
		BodyLen:         int64(body.Len()),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		BinlogOp:        'L',
	}
	if _, err := d.pool.Submit(parsed.StorePathIndex, diskworker.DirWrite, op); err != nil {
		return "", err
	}
	return logicalName, nil
}

// linkRecordBody serializes a link file's on-disk content: the referenced
// group, source filename and signature, using the metadata sidecar's wire
// format since a link file carries no content of its own to overload.
func linkRecordBody(group, src string, sig []byte) []byte {
	return metadata.Encode(map[string]string{
		"group": group,
		"src":   src,
		"sig":   string(sig),
	})
}

// ReplicaCreateFile implements SYNC_CREATE_FILE: unlike UploadRegular, the
// logical filename is the one the source node already generated and is
// written verbatim at its corresponding local path, with the binlog record
// appended under the lowercase replica op code.
func (d *Dispatcher) ReplicaCreateFile(logicalName string, body io.Reader, fileSize uint64, sourceTimestamp int64, buf []byte) (diskworker.Result, error) {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	finalPath := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)
	tempPath := filepath.Join(root, "data", fmt.Sprintf(".cp%d.tmp", time.Now().UnixNano()))

	op := &diskworker.Op{
		Kind:            diskworker.KindWrite,
		FinalPath:       finalPath,
		TempPath:        tempPath,
		Body:            body,
		BodyLen:         int64(fileSize),
		Timestamp:       sourceTimestamp,
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Replica:         true,
		Buf:             buf,
	}
	res, err := d.pool.Submit(parsed.StorePathIndex, diskworker.DirWrite, op)
	d.stats.RecordSyncUpdate()
	return res, err
}

// ReplicaAppendFile implements SYNC_APPEND_FILE.
func (d *Dispatcher) ReplicaAppendFile(logicalName string, body io.Reader, appendLen int64, sourceTimestamp int64, buf []byte) (diskworker.Result, error) {
	idx, path, err := d.appenderPath(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskworker.Result{}, protoerr.ErrNotFound
		}
		return diskworker.Result{}, err
	}
	op := &diskworker.Op{
		Kind:            diskworker.KindAppend,
		FinalPath:       path,
		Body:            body,
		PriorSize:       fi.Size(),
		Timestamp:       sourceTimestamp,
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Replica:         true,
		Buf:             buf,
	}
	return d.pool.Submit(idx, diskworker.DirWrite, op)
}

// ReplicaModifyFile implements SYNC_MODIFY_FILE.
func (d *Dispatcher) ReplicaModifyFile(logicalName string, offset uint64, body io.Reader, modifyLen int64, sourceTimestamp int64, buf []byte) (diskworker.Result, error) {
	idx, path, err := d.appenderPath(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskworker.Result{}, protoerr.ErrNotFound
		}
		return diskworker.Result{}, err
	}
	op := &diskworker.Op{
		Kind:            diskworker.KindModify,
		FinalPath:       path,
		WriteOffset:     int64(offset),
		Body:            body,
		BodyLen:         modifyLen,
		PriorSize:       fi.Size(),
		Timestamp:       sourceTimestamp,
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Replica:         true,
		Buf:             buf,
	}
	return d.pool.Submit(idx, diskworker.DirWrite, op)
}

// ReplicaTruncateFile implements SYNC_TRUNCATE_FILE.
func (d *Dispatcher) ReplicaTruncateFile(logicalName string, remainSize uint64, sourceTimestamp int64) (diskworker.Result, error) {
	idx, path, err := d.appenderPath(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskworker.Result{}, protoerr.ErrNotFound
		}
		return diskworker.Result{}, err
	}
	op := &diskworker.Op{
		Kind:            diskworker.KindTruncate,
		FinalPath:       path,
		WriteOffset:     int64(remainSize),
		PriorSize:       fi.Size(),
		Timestamp:       sourceTimestamp,
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Replica:         true,
	}
	return d.pool.Submit(idx, diskworker.DirWrite, op)
}

// Download implements DOWNLOAD_FILE.
func (d *Dispatcher) Download(logicalName string, offset, length uint64, dest io.Writer, buf []byte) error {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return err
	}

	op := &diskworker.Op{
		Kind:       diskworker.KindRead,
		ReadOffset: int64(offset),
		ReadLength: int64(length),
		Dest:       dest,
		Buf:        buf,
	}

	if parsed.HasTrunk && d.trunk != nil {
		loc := trunk.Location{
			StorePathIndex: parsed.StorePathIndex,
			DirHigh:        parsed.DirHigh,
			DirLow:         parsed.DirLow,
			TrunkID:        parsed.Trunk.TrunkID,
			Offset:         parsed.Trunk.Offset,
			Size:           parsed.Trunk.Size,
		}
		op.FinalPath = d.trunk.ChunkPath(parsed.StorePathIndex, loc)
		op.WriteOffset = loc.Offset
		op.BodyLen = loc.Size
		if op.ReadLength > 0 && op.ReadOffset+op.ReadLength > loc.Size {
			op.ReadLength = loc.Size - op.ReadOffset
		}
	} else {
		root := d.storePathRoot(parsed.StorePathIndex)
		op.FinalPath = dataPath(root, fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow), parsed.Base64, parsed.Ext)
	}

	res, err := d.pool.Submit(parsed.StorePathIndex, diskworker.DirRead, op)
	d.stats.RecordDownload(err == nil, res.Size)
	return err
}

func (d *Dispatcher) appenderPath(logicalName string) (int, string, error) {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return 0, "", err
	}
	if !filename.IsAppender(parsed.Payload.MaskedSize) {
		return 0, "", fmt.Errorf("%w: not an appender file", protoerr.ErrInvalid)
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	path := dataPath(root, fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow), parsed.Base64, parsed.Ext)
	return parsed.StorePathIndex, path, nil
}

// Append implements APPEND_FILE.
func (d *Dispatcher) Append(logicalName string, body io.Reader, appendLen int64, buf []byte) (diskworker.Result, error) {
	idx, path, err := d.appenderPath(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskworker.Result{}, protoerr.ErrNotFound
		}
		return diskworker.Result{}, err
	}
	op := &diskworker.Op{
		Kind:            diskworker.KindAppend,
		FinalPath:       path,
		Body:            body,
		PriorSize:       fi.Size(),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Buf:             buf,
	}
	return d.pool.Submit(idx, diskworker.DirWrite, op)
}

// Modify implements MODIFY_FILE.
func (d *Dispatcher) Modify(logicalName string, offset uint64, body io.Reader, modifyLen int64, buf []byte) (diskworker.Result, error) {
	idx, path, err := d.appenderPath(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskworker.Result{}, protoerr.ErrNotFound
		}
		return diskworker.Result{}, err
	}
	op := &diskworker.Op{
		Kind:            diskworker.KindModify,
		FinalPath:       path,
		WriteOffset:     int64(offset),
		Body:            body,
		BodyLen:         modifyLen,
		PriorSize:       fi.Size(),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Buf:             buf,
	}
	return d.pool.Submit(idx, diskworker.DirWrite, op)
}

// Truncate implements TRUNCATE_FILE.
func (d *Dispatcher) Truncate(logicalName string, remainSize uint64) (diskworker.Result, error) {
	idx, path, err := d.appenderPath(logicalName)
	if err != nil {
		return diskworker.Result{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskworker.Result{}, protoerr.ErrNotFound
		}
		return diskworker.Result{}, err
	}
	op := &diskworker.Op{
		Kind:            diskworker.KindTruncate,
		FinalPath:       path,
		WriteOffset:     int64(remainSize),
		PriorSize:       fi.Size(),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
	}
	return d.pool.Submit(idx, diskworker.DirWrite, op)
}

// Delete implements DELETE_FILE, including the trunk-member and
// duplicate-index branches.
func (d *Dispatcher) Delete(logicalName string, replica bool) error {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	path := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)

	op := &diskworker.Op{
		Kind:            diskworker.KindDelete,
		FinalPath:       path,
		MetaPath:        metadata.SidecarPath(path),
		Timestamp:       time.Now().Unix(),
		LogicalFilename: logicalName,
		Binlog:          d.binlogw,
		Replica:         replica,
	}

	if parsed.HasTrunk && d.trunk != nil {
		loc := trunk.Location{
			StorePathIndex: parsed.StorePathIndex,
			DirHigh:        parsed.DirHigh,
			DirLow:         parsed.DirLow,
			TrunkID:        parsed.Trunk.TrunkID,
			Offset:         parsed.Trunk.Offset,
			Size:           parsed.Trunk.Size,
		}
		op.IsTrunkMember = true
		op.TrunkFree = func() error { return d.trunk.Free(parsed.StorePathIndex, loc) }
	}

	_, err = d.pool.Submit(parsed.StorePathIndex, diskworker.DirWrite, op)
	d.stats.RecordDelete(err == nil)
	if err != nil {
		return err
	}
	if d.cfg.DupDetectionEnabled {
		ctx := context.Background()
		if n, decErr := d.dup.Inc(ctx, logicalName, -1); decErr == nil && n <= 0 {
			_ = d.dup.Delete(ctx, logicalName)
		}
	}
	return nil
}

// metaOpFlag is the binlog Extra field recording SetMetadata's overwrite-vs-
// merge op, so a replica (and a downstream peer replaying the binlog record)
// can reconstruct exactly what the source applied.
func metaOpFlag(op metadata.Op) byte {
	if op == metadata.Merge {
		return byte(protoerr.MetaMerge)
	}
	return byte(protoerr.MetaOverwrite)
}

// SetMetadata implements SET_METADATA.
func (d *Dispatcher) SetMetadata(logicalName string, meta map[string]string, op metadata.Op) error {
	return d.setMetadata(logicalName, meta, op, time.Now().Unix(), false)
}

// ReplicaSetMetadata implements SYNC_SET_METADATA: applies a metadata
// change replicated from the source node, recording it under the lowercase
// replica binlog op.
func (d *Dispatcher) ReplicaSetMetadata(logicalName string, meta map[string]string, op metadata.Op, sourceTimestamp int64) error {
	return d.setMetadata(logicalName, meta, op, sourceTimestamp, true)
}

func (d *Dispatcher) setMetadata(logicalName string, meta map[string]string, op metadata.Op, ts int64, replica bool) error {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	path := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return protoerr.ErrNotFound
		}
		return err
	}
	if err := metadata.Set(path, meta, op); err != nil {
		return err
	}

	binOp := binlog.OpSourceUpdateFile
	if replica {
		binOp = binlog.OpReplicaUpdateFile
	}
	if d.binlogw != nil {
		if _, _, err := d.binlogw.Append(binlog.Record{
			Timestamp: ts,
			Op:        binOp,
			Filename:  logicalName,
			Extra:     string(metaOpFlag(op)),
		}); err != nil {
			log.WithError(err).WithField("file", logicalName).Warn("binlog append failed for metadata change")
		}
	}
	if replica {
		d.stats.RecordSyncUpdate()
	}
	return nil
}

// GetMetadata implements GET_METADATA.
func (d *Dispatcher) GetMetadata(logicalName string) (map[string]string, error) {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return nil, err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	path := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)
	return metadata.Get(path)
}

// QueryFileInfo implements QUERY_FILE_INFO.
func (d *Dispatcher) QueryFileInfo(logicalName string) (size uint64, mtime uint64, crc uint64, err error) {
	parsed, err := filename.Parse(logicalName)
	if err != nil {
		return 0, 0, 0, err
	}
	root := d.storePathRoot(parsed.StorePathIndex)
	dh, dl := fmt.Sprintf("%02X", parsed.DirHigh), fmt.Sprintf("%02X", parsed.DirLow)
	path := dataPath(root, dh, dl, parsed.Base64, parsed.Ext)
	fi, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, 0, 0, protoerr.ErrNotFound
		}
		return 0, 0, 0, statErr
	}
	return uint64(fi.Size()), uint64(fi.ModTime().Unix()), uint64(parsed.Payload.CRC32), nil
}
