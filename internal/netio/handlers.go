package netio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fastdfs-go/storaged/internal/metadata"
	protoerr "github.com/fastdfs-go/storaged/internal/proto"
)

// dispatch decodes one request body for cmd, invokes the matching
// Dispatcher operation and writes the framed response. For fixed-shape
// commands body already holds the full declared-length payload. For
// streamed commands (proto.StreamedCommand) body holds only the prefix
// that precedes the file bytes — the caller (handleConn) left the file
// bytes themselves unread on r, and the handler below reads them directly
// via io.LimitReader so a multi-gigabyte upload is never buffered whole.
func (s *Server) dispatch(w io.Writer, r *bufio.Reader, cmd protoerr.Command, body []byte) error {
	buf := s.borrowBuf()
	defer s.returnBuf(buf)

	switch cmd {
	case protoerr.CmdUploadFile, protoerr.CmdUploadAppenderFile:
		return s.handleUpload(w, r, body, cmd == protoerr.CmdUploadAppenderFile, buf)
	case protoerr.CmdUploadSlaveFile:
		return s.handleUploadSlave(w, r, body, buf)
	case protoerr.CmdDownloadFile:
		return s.handleDownload(w, body, buf)
	case protoerr.CmdAppendFile:
		return s.handleAppend(w, r, body, buf)
	case protoerr.CmdModifyFile:
		return s.handleModify(w, r, body, buf)
	case protoerr.CmdTruncateFile:
		return s.handleTruncate(w, body)
	case protoerr.CmdDeleteFile:
		return s.handleDelete(w, body, false)
	case protoerr.CmdSyncCreateFile:
		return s.handleSyncCreate(w, r, body, buf)
	case protoerr.CmdSyncDeleteFile:
		return s.handleDelete(w, body, true)
	case protoerr.CmdSyncAppendFile:
		return s.handleSyncAppend(w, r, body, buf)
	case protoerr.CmdSyncModifyFile, protoerr.CmdSyncUpdateFile:
		return s.handleSyncModify(w, r, body, buf)
	case protoerr.CmdSyncTruncateFile:
		return s.handleSyncTruncate(w, body)
	case protoerr.CmdSyncSetMetadata:
		return s.handleSyncSetMetadata(w, body)
	case protoerr.CmdSetMetadata:
		return s.handleSetMetadata(w, body)
	case protoerr.CmdGetMetadata:
		return s.handleGetMetadata(w, body)
	case protoerr.CmdQueryFileInfo:
		return s.handleQueryFileInfo(w, body)
	case protoerr.CmdCreateLink:
		return s.handleCreateLink(w, body)
	case protoerr.CmdActiveTest:
		return writeFrame(w, cmd, protoerr.StatusOK, nil)
	default:
		return writeFrame(w, cmd, protoerr.StatusProtocol, nil)
	}
}

func (s *Server) borrowBuf() []byte {
	if s.Bufs == nil {
		return nil
	}
	return s.Bufs.Get()
}

func (s *Server) returnBuf(buf []byte) {
	if s.Bufs == nil || buf == nil {
		return
	}
	s.Bufs.Put(buf)
}

func writeFrame(w io.Writer, cmd protoerr.Command, status byte, body []byte) error {
	if err := protoerr.WriteHeader(w, protoerr.Header{BodyLen: uint64(len(body)), Cmd: cmd, Status: status}); err != nil {
		return errWriteFailed
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return errWriteFailed
		}
	}
	return nil
}

func errStatusFrame(w io.Writer, cmd protoerr.Command, err error) error {
	return writeFrame(w, cmd, protoerr.StatusForError(err), nil)
}

func (s *Server) handleUpload(w io.Writer, r *bufio.Reader, body []byte, isAppender bool, buf []byte) error {
	req, _, err := protoerr.DecodeUploadPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdUploadFile, err)
	}
	fileBody := io.LimitReader(r, int64(req.FileSize))
	name, _, err := s.Dispatcher.Upload(fileBody, req.FileSize, req.Ext, isAppender, buf)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			drainAndDiscard(r, fileBody)
		}
		return errStatusFrame(w, protoerr.CmdUploadFile, err)
	}
	resp := protoerr.EncodeUploadResponse(protoerr.UploadResponse{Filename: name})
	return writeFrame(w, protoerr.CmdUploadFile, protoerr.StatusOK, resp)
}

func (s *Server) handleUploadSlave(w io.Writer, r *bufio.Reader, body []byte, buf []byte) error {
	req, _, err := protoerr.DecodeSlaveUploadPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdUploadSlaveFile, err)
	}
	fileBody := io.LimitReader(r, int64(req.FileSize))
	name, _, err := s.Dispatcher.UploadSlaveFile(req.MasterFname, fileBody, req.FileSize, req.Prefix, req.Ext, buf)
	if err != nil {
		drainAndDiscard(r, fileBody)
		return errStatusFrame(w, protoerr.CmdUploadSlaveFile, err)
	}
	resp := protoerr.EncodeUploadResponse(protoerr.UploadResponse{Filename: name})
	return writeFrame(w, protoerr.CmdUploadSlaveFile, protoerr.StatusOK, resp)
}

func (s *Server) handleDownload(w io.Writer, body []byte, buf []byte) error {
	req, err := protoerr.DecodeDownloadRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdDownloadFile, err)
	}
	var out bytes.Buffer
	if err := s.Dispatcher.Download(req.Filename, req.Offset, req.Length, &out, buf); err != nil {
		return errStatusFrame(w, protoerr.CmdDownloadFile, err)
	}
	return writeFrame(w, protoerr.CmdDownloadFile, protoerr.StatusOK, out.Bytes())
}

func (s *Server) handleAppend(w io.Writer, r *bufio.Reader, body []byte, buf []byte) error {
	req, _, err := protoerr.DecodeAppendPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdAppendFile, err)
	}
	fileBody := io.LimitReader(r, int64(req.FileSize))
	res, err := s.Dispatcher.Append(req.AppenderFname, fileBody, int64(req.FileSize), buf)
	if err != nil {
		drainAndDiscard(r, fileBody)
		return errStatusFrame(w, protoerr.CmdAppendFile, err)
	}
	_ = res
	return writeFrame(w, protoerr.CmdAppendFile, protoerr.StatusOK, nil)
}

func (s *Server) handleModify(w io.Writer, r *bufio.Reader, body []byte, buf []byte) error {
	req, _, err := protoerr.DecodeModifyPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdModifyFile, err)
	}
	fileBody := io.LimitReader(r, int64(req.FileSize))
	_, err = s.Dispatcher.Modify(req.AppenderFname, req.Offset, fileBody, int64(req.FileSize), buf)
	if err != nil {
		drainAndDiscard(r, fileBody)
		return errStatusFrame(w, protoerr.CmdModifyFile, err)
	}
	return writeFrame(w, protoerr.CmdModifyFile, protoerr.StatusOK, nil)
}

func (s *Server) handleTruncate(w io.Writer, body []byte) error {
	req, err := protoerr.DecodeTruncateRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdTruncateFile, err)
	}
	if _, err := s.Dispatcher.Truncate(req.AppenderFname, req.RemainSize); err != nil {
		return errStatusFrame(w, protoerr.CmdTruncateFile, err)
	}
	return writeFrame(w, protoerr.CmdTruncateFile, protoerr.StatusOK, nil)
}

func (s *Server) handleDelete(w io.Writer, body []byte, replica bool) error {
	req, err := protoerr.DecodeDeleteRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdDeleteFile, err)
	}
	if err := s.Dispatcher.Delete(req.Filename, replica); err != nil {
		return errStatusFrame(w, protoerr.CmdDeleteFile, err)
	}
	return writeFrame(w, protoerr.CmdDeleteFile, protoerr.StatusOK, nil)
}

func (s *Server) handleSetMetadata(w io.Writer, body []byte) error {
	req, err := protoerr.DecodeSetMetadataRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSetMetadata, err)
	}
	m, err := metadata.Decode(req.Meta)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSetMetadata, fmt.Errorf("%w: %v", protoerr.ErrProtocol, err))
	}
	op := metadata.Overwrite
	if req.OpFlag == protoerr.MetaMerge {
		op = metadata.Merge
	}
	if err := s.Dispatcher.SetMetadata(req.Filename, m, op); err != nil {
		return errStatusFrame(w, protoerr.CmdSetMetadata, err)
	}
	return writeFrame(w, protoerr.CmdSetMetadata, protoerr.StatusOK, nil)
}

func (s *Server) handleGetMetadata(w io.Writer, body []byte) error {
	req, err := protoerr.DecodeGetMetadataRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdGetMetadata, err)
	}
	m, err := s.Dispatcher.GetMetadata(req.Filename)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdGetMetadata, err)
	}
	return writeFrame(w, protoerr.CmdGetMetadata, protoerr.StatusOK, metadata.Encode(m))
}

func (s *Server) handleQueryFileInfo(w io.Writer, body []byte) error {
	req, err := protoerr.DecodeQueryFileInfoRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdQueryFileInfo, err)
	}
	size, mtime, crc, err := s.Dispatcher.QueryFileInfo(req.Filename)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdQueryFileInfo, err)
	}
	resp := protoerr.EncodeQueryFileInfoResponse(protoerr.QueryFileInfoResponse{Size: size, Mtime: mtime, CRC32: crc})
	return writeFrame(w, protoerr.CmdQueryFileInfo, protoerr.StatusOK, resp)
}

func (s *Server) handleCreateLink(w io.Writer, body []byte) error {
	req, err := protoerr.DecodeCreateLinkRequest(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdCreateLink, err)
	}
	name, err := s.Dispatcher.CreateLink(req.Master, req.Group, req.Prefix, req.Ext, req.Src, req.Sig)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdCreateLink, err)
	}
	resp := protoerr.EncodeUploadResponse(protoerr.UploadResponse{Group: req.Group, Filename: name})
	return writeFrame(w, protoerr.CmdCreateLink, protoerr.StatusOK, resp)
}

// Sync-command bodies share one layout: a 4-byte source timestamp first,
// then the filename length and filename, then whatever the source op needs
// (an offset/remain-size, a file_size, file bytes): ts:u32_be,
// fname_len:u64_be, fname, op fields.
func decodeSyncPrefix(body []byte) (ts uint32, fname string, rest []byte, err error) {
	if len(body) < 4+8 {
		return 0, "", nil, fmt.Errorf("%w: sync prefix truncated", protoerr.ErrProtocol)
	}
	ts = be32(body[0:4])
	fnameLen := be64(body[4:12])
	end := 12 + int(fnameLen)
	if uint64(len(body)) < uint64(end) {
		return 0, "", nil, fmt.Errorf("%w: sync filename truncated", protoerr.ErrProtocol)
	}
	return ts, string(body[12:end]), body[end:], nil
}

func be32(b []byte) uint32 { return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]) }
func be64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func (s *Server) handleSyncCreate(w io.Writer, r *bufio.Reader, body []byte, buf []byte) error {
	ts, fname, rest, err := decodeSyncPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSyncCreateFile, err)
	}
	if len(rest) < 8 {
		return errStatusFrame(w, protoerr.CmdSyncCreateFile, protoerr.ErrProtocol)
	}
	fileSize := be64(rest[0:8])
	fileBody := io.LimitReader(r, int64(fileSize))
	_, err = s.Dispatcher.ReplicaCreateFile(fname, fileBody, fileSize, int64(ts), buf)
	if err != nil {
		drainAndDiscard(r, fileBody)
		return errStatusFrame(w, protoerr.CmdSyncCreateFile, err)
	}
	return writeFrame(w, protoerr.CmdSyncCreateFile, protoerr.StatusOK, nil)
}

func (s *Server) handleSyncAppend(w io.Writer, r *bufio.Reader, body []byte, buf []byte) error {
	ts, fname, rest, err := decodeSyncPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSyncAppendFile, err)
	}
	if len(rest) < 8 {
		return errStatusFrame(w, protoerr.CmdSyncAppendFile, protoerr.ErrProtocol)
	}
	fileSize := be64(rest[0:8])
	fileBody := io.LimitReader(r, int64(fileSize))
	_, err = s.Dispatcher.ReplicaAppendFile(fname, fileBody, int64(fileSize), int64(ts), buf)
	if err != nil {
		drainAndDiscard(r, fileBody)
		return errStatusFrame(w, protoerr.CmdSyncAppendFile, err)
	}
	return writeFrame(w, protoerr.CmdSyncAppendFile, protoerr.StatusOK, nil)
}

func (s *Server) handleSyncModify(w io.Writer, r *bufio.Reader, body []byte, buf []byte) error {
	ts, fname, rest, err := decodeSyncPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSyncModifyFile, err)
	}
	if len(rest) < 16 {
		return errStatusFrame(w, protoerr.CmdSyncModifyFile, protoerr.ErrProtocol)
	}
	offset := be64(rest[0:8])
	fileSize := be64(rest[8:16])
	fileBody := io.LimitReader(r, int64(fileSize))
	_, err = s.Dispatcher.ReplicaModifyFile(fname, offset, fileBody, int64(fileSize), int64(ts), buf)
	if err != nil {
		drainAndDiscard(r, fileBody)
		return errStatusFrame(w, protoerr.CmdSyncModifyFile, err)
	}
	return writeFrame(w, protoerr.CmdSyncModifyFile, protoerr.StatusOK, nil)
}

func (s *Server) handleSyncTruncate(w io.Writer, body []byte) error {
	ts, fname, rest, err := decodeSyncPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSyncTruncateFile, err)
	}
	if len(rest) < 8 {
		return errStatusFrame(w, protoerr.CmdSyncTruncateFile, protoerr.ErrProtocol)
	}
	remainSize := be64(rest[0:8])
	if _, err := s.Dispatcher.ReplicaTruncateFile(fname, remainSize, int64(ts)); err != nil {
		return errStatusFrame(w, protoerr.CmdSyncTruncateFile, err)
	}
	return writeFrame(w, protoerr.CmdSyncTruncateFile, protoerr.StatusOK, nil)
}

func (s *Server) handleSyncSetMetadata(w io.Writer, body []byte) error {
	ts, fname, rest, err := decodeSyncPrefix(body)
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSyncSetMetadata, err)
	}
	if len(rest) < 1 {
		return errStatusFrame(w, protoerr.CmdSyncSetMetadata, protoerr.ErrProtocol)
	}
	opFlag := rest[0]
	m, err := metadata.Decode(rest[1:])
	if err != nil {
		return errStatusFrame(w, protoerr.CmdSyncSetMetadata, fmt.Errorf("%w: %v", protoerr.ErrProtocol, err))
	}
	op := metadata.Overwrite
	if opFlag == protoerr.MetaMerge {
		op = metadata.Merge
	}
	if err := s.Dispatcher.ReplicaSetMetadata(fname, m, op, int64(ts)); err != nil {
		return errStatusFrame(w, protoerr.CmdSyncSetMetadata, err)
	}
	return writeFrame(w, protoerr.CmdSyncSetMetadata, protoerr.StatusOK, nil)
}

// drainAndDiscard reads whatever remains of a failed upload's body off the
// wire so the connection's framing stays intact for the next request; lr
// reads from r and is bounded by the declared body length, so draining lr
// consumes exactly the unread remainder.
func drainAndDiscard(r *bufio.Reader, lr io.Reader) {
	_, _ = io.Copy(io.Discard, lr)
	_ = r
}
