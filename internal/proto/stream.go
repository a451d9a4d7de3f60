package proto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamedCommand reports whether cmd's body carries file bytes as a
// streamed payload after a small decodable prefix, rather than the whole
// declared body length being one fixed-shape chunk worth buffering. The
// network layer uses this to avoid ever reading a multi-gigabyte upload
// into memory before dispatching it.
func StreamedCommand(cmd Command) bool {
	switch cmd {
	case CmdUploadFile, CmdUploadAppenderFile, CmdUploadSlaveFile,
		CmdAppendFile, CmdModifyFile,
		CmdSyncCreateFile, CmdSyncAppendFile, CmdSyncModifyFile, CmdSyncUpdateFile:
		return true
	default:
		return false
	}
}

// ReadPrefix reads exactly the fixed-plus-variable prefix of a streamed
// command off r, i.e. every field preceding the file payload, and returns
// it as a buffer shaped exactly like DecodeUploadPrefix/DecodeAppendPrefix/
// etc. expect. It never reads a single byte of the file payload itself,
// leaving those bytes on r for the caller to stream directly from the
// connection.
func ReadPrefix(r io.Reader, cmd Command) ([]byte, error) {
	switch cmd {
	case CmdUploadFile, CmdUploadAppenderFile:
		return readFull(r, uploadPrefixLen)
	case CmdUploadSlaveFile:
		// master_fname_len:u64_be, file_size:u64_be, prefix:16B, ext:16B,
		// then master_fname of master_fname_len bytes.
		return readVarPrefix(r, slaveUploadPrefixLen, 0)
	case CmdAppendFile:
		// appender_fname_len:u64_be, file_size:u64_be, then appender_fname.
		return readVarPrefix(r, appendPrefixLen, 0)
	case CmdModifyFile:
		// appender_fname_len:u64_be, offset:u64_be, file_size:u64_be, then
		// appender_fname.
		return readVarPrefix(r, modifyPrefixLen, 0)
	case CmdSyncCreateFile, CmdSyncAppendFile:
		// ts:u32_be, fname_len:u64_be, fname, file_size:u64_be.
		return readSyncPrefix(r, 8)
	case CmdSyncModifyFile, CmdSyncUpdateFile:
		// ts:u32_be, fname_len:u64_be, fname, offset:u64_be, file_size:u64_be.
		return readSyncPrefix(r, 16)
	default:
		return nil, fmt.Errorf("proto: %s is not a streamed command", cmd)
	}
}

// EncodeSyncCreatePrefix / EncodeSyncAppendPrefix build the ts+fname+file_size
// prefix a SYNC_CREATE_FILE/SYNC_APPEND_FILE request sends ahead of its file
// bytes (mirrors readSyncPrefix's 8-byte trailer case).
func EncodeSyncCreatePrefix(ts uint32, fname string, fileSize uint64) []byte {
	return encodeSyncPrefix(ts, fname, fileSize, 0, false)
}

func EncodeSyncAppendPrefix(ts uint32, fname string, fileSize uint64) []byte {
	return encodeSyncPrefix(ts, fname, fileSize, 0, false)
}

// EncodeSyncModifyPrefix builds the ts+fname+offset+file_size prefix a
// SYNC_MODIFY_FILE/SYNC_UPDATE_FILE request sends ahead of its file bytes.
func EncodeSyncModifyPrefix(ts uint32, fname string, offset, fileSize uint64) []byte {
	return encodeSyncPrefix(ts, fname, offset, fileSize, true)
}

// EncodeSyncTruncateRequest builds the full SYNC_TRUNCATE_FILE body: it
// carries no file bytes, so unlike the prefixes above this is the complete
// request body.
func EncodeSyncTruncateRequest(ts uint32, fname string, remainSize uint64) []byte {
	return encodeSyncPrefix(ts, fname, remainSize, 0, false)
}

// EncodeSyncSetMetadataPrefix builds the full SYNC_SET_METADATA body: it
// carries metadata bytes inline rather than as a streamed file payload
// (mirrors EncodeSyncTruncateRequest, not the file-bearing prefixes above).
func EncodeSyncSetMetadataPrefix(ts uint32, fname string, opFlag byte, meta []byte) []byte {
	buf := make([]byte, 4+8+len(fname)+1+len(meta))
	binary.BigEndian.PutUint32(buf[0:4], ts)
	binary.BigEndian.PutUint64(buf[4:12], uint64(len(fname)))
	off := 12
	copy(buf[off:], fname)
	off += len(fname)
	buf[off] = opFlag
	off++
	copy(buf[off:], meta)
	return buf
}

func encodeSyncPrefix(ts uint32, fname string, a, b uint64, twoTrailers bool) []byte {
	trailerLen := 8
	if twoTrailers {
		trailerLen = 16
	}
	buf := make([]byte, 4+8+len(fname)+trailerLen)
	binary.BigEndian.PutUint32(buf[0:4], ts)
	binary.BigEndian.PutUint64(buf[4:12], uint64(len(fname)))
	off := 12
	copy(buf[off:], fname)
	off += len(fname)
	if twoTrailers {
		binary.BigEndian.PutUint64(buf[off:off+8], a)
		binary.BigEndian.PutUint64(buf[off+8:off+16], b)
	} else {
		binary.BigEndian.PutUint64(buf[off:off+8], a)
	}
	return buf
}

func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: prefix read: %v", ErrProtocol, err)
	}
	return buf, nil
}

// readVarPrefix reads fixedLen bytes, interprets the u64_be length field at
// lenFieldOffset as a trailing variable-length name's byte count, reads
// that many further bytes, and returns the concatenation.
func readVarPrefix(r io.Reader, fixedLen int, lenFieldOffset int) ([]byte, error) {
	fixed, err := readFull(r, fixedLen)
	if err != nil {
		return nil, err
	}
	nameLen := binary.BigEndian.Uint64(fixed[lenFieldOffset : lenFieldOffset+8])
	name, err := readFull(r, int(nameLen))
	if err != nil {
		return nil, err
	}
	return append(fixed, name...), nil
}

// readSyncPrefix reads the shared SYNC_* prefix (ts:u32_be, fname_len:u64_be,
// fname) then a further trailingFixed bytes of op-specific fixed fields
// (offset/file_size), returning the concatenation.
func readSyncPrefix(r io.Reader, trailingFixed int) ([]byte, error) {
	head, err := readFull(r, 4+8)
	if err != nil {
		return nil, err
	}
	fnameLen := binary.BigEndian.Uint64(head[4:12])
	fname, err := readFull(r, int(fnameLen))
	if err != nil {
		return nil, err
	}
	trailer, err := readFull(r, trailingFixed)
	if err != nil {
		return nil, err
	}
	out := append(head, fname...)
	return append(out, trailer...), nil
}
