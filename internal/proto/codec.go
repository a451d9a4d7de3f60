package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// UploadRequest decodes the fixed-width prefix of an UPLOAD_FILE /
// UPLOAD_APPENDER_FILE body: store_path_index:u8, file_size:u64_be,
// ext:16B_padded. File bytes follow immediately in the stream and are
// handled by the caller as a streamed copy, not buffered here.
type UploadRequest struct {
	StorePathIndex uint8
	FileSize       uint64
	Ext            string
}

const uploadPrefixLen = 1 + 8 + ExtNameSize

func DecodeUploadPrefix(body []byte) (UploadRequest, int, error) {
	if len(body) < uploadPrefixLen {
		return UploadRequest{}, 0, fmt.Errorf("%w: upload prefix truncated", ErrProtocol)
	}
	return UploadRequest{
		StorePathIndex: body[0],
		FileSize:       binary.BigEndian.Uint64(body[1:9]),
		Ext:            GetPadded(body[9:25]),
	}, uploadPrefixLen, nil
}

func EncodeUploadPrefix(req UploadRequest) []byte {
	buf := make([]byte, uploadPrefixLen)
	buf[0] = req.StorePathIndex
	binary.BigEndian.PutUint64(buf[1:9], req.FileSize)
	PutPadded(buf[9:25], req.Ext)
	return buf
}

// UploadResponse: group:16B_padded, logical_filename:variable.
type UploadResponse struct {
	Group    string
	Filename string
}

func EncodeUploadResponse(r UploadResponse) []byte {
	buf := make([]byte, GroupNameSize+len(r.Filename))
	PutPadded(buf[:GroupNameSize], r.Group)
	copy(buf[GroupNameSize:], r.Filename)
	return buf
}

func DecodeUploadResponse(body []byte) (UploadResponse, error) {
	if len(body) < GroupNameSize {
		return UploadResponse{}, fmt.Errorf("%w: upload response truncated", ErrProtocol)
	}
	return UploadResponse{
		Group:    GetPadded(body[:GroupNameSize]),
		Filename: string(body[GroupNameSize:]),
	}, nil
}

// SlaveUploadRequest: master_fname_len:u64_be, file_size:u64_be,
// prefix:16B_padded, ext:16B_padded, master_fname, then file bytes.
type SlaveUploadRequest struct {
	MasterFnameLen uint64
	FileSize       uint64
	Prefix         string
	Ext            string
	MasterFname    string
}

const slaveUploadPrefixLen = 8 + 8 + ExtNameSize + ExtNameSize

func DecodeSlaveUploadPrefix(body []byte) (SlaveUploadRequest, int, error) {
	if len(body) < slaveUploadPrefixLen {
		return SlaveUploadRequest{}, 0, fmt.Errorf("%w: slave upload prefix truncated", ErrProtocol)
	}
	req := SlaveUploadRequest{
		MasterFnameLen: binary.BigEndian.Uint64(body[0:8]),
		FileSize:       binary.BigEndian.Uint64(body[8:16]),
		Prefix:         GetPadded(body[16:32]),
		Ext:            GetPadded(body[32:48]),
	}
	end := slaveUploadPrefixLen + int(req.MasterFnameLen)
	if uint64(len(body)) < uint64(end) {
		return SlaveUploadRequest{}, 0, fmt.Errorf("%w: slave upload master filename truncated", ErrProtocol)
	}
	req.MasterFname = string(body[slaveUploadPrefixLen:end])
	return req, end, nil
}

// DownloadRequest: offset:u64_be, length:u64_be (0 = to end),
// group:16B_padded, logical_filename.
type DownloadRequest struct {
	Offset   uint64
	Length   uint64
	Group    string
	Filename string
}

const downloadPrefixLen = 8 + 8 + GroupNameSize

func DecodeDownloadRequest(body []byte) (DownloadRequest, error) {
	if len(body) < downloadPrefixLen {
		return DownloadRequest{}, fmt.Errorf("%w: download request truncated", ErrProtocol)
	}
	return DownloadRequest{
		Offset:   binary.BigEndian.Uint64(body[0:8]),
		Length:   binary.BigEndian.Uint64(body[8:16]),
		Group:    GetPadded(body[16:32]),
		Filename: string(body[downloadPrefixLen:]),
	}, nil
}

func EncodeDownloadRequest(r DownloadRequest) []byte {
	buf := make([]byte, downloadPrefixLen+len(r.Filename))
	binary.BigEndian.PutUint64(buf[0:8], r.Offset)
	binary.BigEndian.PutUint64(buf[8:16], r.Length)
	PutPadded(buf[16:32], r.Group)
	copy(buf[downloadPrefixLen:], r.Filename)
	return buf
}

// AppendRequest: appender_fname_len:u64_be, file_size:u64_be, appender_fname,
// then file bytes.
type AppendRequest struct {
	AppenderFnameLen uint64
	FileSize         uint64
	AppenderFname    string
}

const appendPrefixLen = 8 + 8

func DecodeAppendPrefix(body []byte) (AppendRequest, int, error) {
	if len(body) < appendPrefixLen {
		return AppendRequest{}, 0, fmt.Errorf("%w: append prefix truncated", ErrProtocol)
	}
	req := AppendRequest{
		AppenderFnameLen: binary.BigEndian.Uint64(body[0:8]),
		FileSize:         binary.BigEndian.Uint64(body[8:16]),
	}
	end := appendPrefixLen + int(req.AppenderFnameLen)
	if uint64(len(body)) < uint64(end) {
		return AppendRequest{}, 0, fmt.Errorf("%w: append filename truncated", ErrProtocol)
	}
	req.AppenderFname = string(body[appendPrefixLen:end])
	return req, end, nil
}

// ModifyRequest: appender_fname_len:u64_be, offset:u64_be, file_size:u64_be,
// appender_fname, then file bytes.
type ModifyRequest struct {
	AppenderFnameLen uint64
	Offset           uint64
	FileSize         uint64
	AppenderFname    string
}

const modifyPrefixLen = 8 + 8 + 8

func DecodeModifyPrefix(body []byte) (ModifyRequest, int, error) {
	if len(body) < modifyPrefixLen {
		return ModifyRequest{}, 0, fmt.Errorf("%w: modify prefix truncated", ErrProtocol)
	}
	req := ModifyRequest{
		AppenderFnameLen: binary.BigEndian.Uint64(body[0:8]),
		Offset:           binary.BigEndian.Uint64(body[8:16]),
		FileSize:         binary.BigEndian.Uint64(body[16:24]),
	}
	end := modifyPrefixLen + int(req.AppenderFnameLen)
	if uint64(len(body)) < uint64(end) {
		return ModifyRequest{}, 0, fmt.Errorf("%w: modify filename truncated", ErrProtocol)
	}
	req.AppenderFname = string(body[modifyPrefixLen:end])
	return req, end, nil
}

// TruncateRequest: appender_fname_len:u64_be, remain_size:u64_be,
// appender_fname.
type TruncateRequest struct {
	AppenderFnameLen uint64
	RemainSize       uint64
	AppenderFname    string
}

const truncatePrefixLen = 8 + 8

func DecodeTruncateRequest(body []byte) (TruncateRequest, error) {
	if len(body) < truncatePrefixLen {
		return TruncateRequest{}, fmt.Errorf("%w: truncate request truncated", ErrProtocol)
	}
	req := TruncateRequest{
		AppenderFnameLen: binary.BigEndian.Uint64(body[0:8]),
		RemainSize:       binary.BigEndian.Uint64(body[8:16]),
	}
	end := truncatePrefixLen + int(req.AppenderFnameLen)
	if uint64(len(body)) < uint64(end) {
		return TruncateRequest{}, fmt.Errorf("%w: truncate filename truncated", ErrProtocol)
	}
	req.AppenderFname = string(body[truncatePrefixLen:end])
	return req, nil
}

func EncodeTruncateRequest(r TruncateRequest) []byte {
	r.AppenderFnameLen = uint64(len(r.AppenderFname))
	buf := make([]byte, truncatePrefixLen+len(r.AppenderFname))
	binary.BigEndian.PutUint64(buf[0:8], r.AppenderFnameLen)
	binary.BigEndian.PutUint64(buf[8:16], r.RemainSize)
	copy(buf[truncatePrefixLen:], r.AppenderFname)
	return buf
}

// DeleteRequest: group:16B_padded, logical_filename.
type DeleteRequest struct {
	Group    string
	Filename string
}

func DecodeDeleteRequest(body []byte) (DeleteRequest, error) {
	if len(body) < GroupNameSize {
		return DeleteRequest{}, fmt.Errorf("%w: delete request truncated", ErrProtocol)
	}
	return DeleteRequest{
		Group:    GetPadded(body[:GroupNameSize]),
		Filename: string(body[GroupNameSize:]),
	}, nil
}

func EncodeDeleteRequest(r DeleteRequest) []byte {
	buf := make([]byte, GroupNameSize+len(r.Filename))
	PutPadded(buf[:GroupNameSize], r.Group)
	copy(buf[GroupNameSize:], r.Filename)
	return buf
}

// SetMetadataRequest: fname_len:u64_be, meta_len:u64_be, op_flag:u8
// ('O'|'M'), group:16B_padded, filename, meta_bytes.
type SetMetadataOp byte

const (
	MetaOverwrite SetMetadataOp = 'O'
	MetaMerge     SetMetadataOp = 'M'
)

type SetMetadataRequest struct {
	FnameLen uint64
	MetaLen  uint64
	OpFlag   SetMetadataOp
	Group    string
	Filename string
	Meta     []byte
}

const setMetadataPrefixLen = 8 + 8 + 1 + GroupNameSize

func DecodeSetMetadataRequest(body []byte) (SetMetadataRequest, error) {
	if len(body) < setMetadataPrefixLen {
		return SetMetadataRequest{}, fmt.Errorf("%w: set_metadata truncated", ErrProtocol)
	}
	req := SetMetadataRequest{
		FnameLen: binary.BigEndian.Uint64(body[0:8]),
		MetaLen:  binary.BigEndian.Uint64(body[8:16]),
		OpFlag:   SetMetadataOp(body[16]),
		Group:    GetPadded(body[17 : 17+GroupNameSize]),
	}
	off := setMetadataPrefixLen
	fend := off + int(req.FnameLen)
	mend := fend + int(req.MetaLen)
	if uint64(len(body)) < uint64(mend) {
		return SetMetadataRequest{}, fmt.Errorf("%w: set_metadata body truncated", ErrProtocol)
	}
	req.Filename = string(body[off:fend])
	req.Meta = body[fend:mend]
	return req, nil
}

func EncodeSetMetadataRequest(r SetMetadataRequest) []byte {
	r.FnameLen = uint64(len(r.Filename))
	r.MetaLen = uint64(len(r.Meta))
	buf := make([]byte, setMetadataPrefixLen+len(r.Filename)+len(r.Meta))
	binary.BigEndian.PutUint64(buf[0:8], r.FnameLen)
	binary.BigEndian.PutUint64(buf[8:16], r.MetaLen)
	buf[16] = byte(r.OpFlag)
	PutPadded(buf[17:17+GroupNameSize], r.Group)
	off := setMetadataPrefixLen
	copy(buf[off:], r.Filename)
	copy(buf[off+len(r.Filename):], r.Meta)
	return buf
}

// GetMetadataRequest / QueryFileInfoRequest share the same shape as
// DeleteRequest: group:16B_padded, filename.
type GetMetadataRequest = DeleteRequest

func DecodeGetMetadataRequest(body []byte) (GetMetadataRequest, error) {
	return DecodeDeleteRequest(body)
}

type QueryFileInfoRequest = DeleteRequest

func DecodeQueryFileInfoRequest(body []byte) (QueryFileInfoRequest, error) {
	return DecodeDeleteRequest(body)
}

// QueryFileInfoResponse: size:u64_be, mtime:u64_be, crc32:u64_be,
// source_ip:16B_padded.
type QueryFileInfoResponse struct {
	Size     uint64
	Mtime    uint64
	CRC32    uint64
	SourceIP string
}

func EncodeQueryFileInfoResponse(r QueryFileInfoResponse) []byte {
	buf := make([]byte, 8+8+8+GroupNameSize)
	binary.BigEndian.PutUint64(buf[0:8], r.Size)
	binary.BigEndian.PutUint64(buf[8:16], r.Mtime)
	binary.BigEndian.PutUint64(buf[16:24], r.CRC32)
	PutPadded(buf[24:24+GroupNameSize], r.SourceIP)
	return buf
}

func DecodeQueryFileInfoResponse(body []byte) (QueryFileInfoResponse, error) {
	if len(body) < 24+GroupNameSize {
		return QueryFileInfoResponse{}, fmt.Errorf("%w: query_file_info response truncated", ErrProtocol)
	}
	return QueryFileInfoResponse{
		Size:     binary.BigEndian.Uint64(body[0:8]),
		Mtime:    binary.BigEndian.Uint64(body[8:16]),
		CRC32:    binary.BigEndian.Uint64(body[16:24]),
		SourceIP: GetPadded(body[24 : 24+GroupNameSize]),
	}, nil
}

// CreateLinkRequest: master_fname_len:u64_be, src_fname_len:u64_be,
// src_sig_len:u64_be, group:16B_padded, prefix:16B_padded, ext:16B_padded,
// master, src, sig.
type CreateLinkRequest struct {
	MasterFnameLen uint64
	SrcFnameLen    uint64
	SrcSigLen      uint64
	Group          string
	Prefix         string
	Ext            string
	Master         string
	Src            string
	Sig            []byte
}

const createLinkPrefixLen = 8 + 8 + 8 + GroupNameSize + ExtNameSize + ExtNameSize

func DecodeCreateLinkRequest(body []byte) (CreateLinkRequest, error) {
	if len(body) < createLinkPrefixLen {
		return CreateLinkRequest{}, fmt.Errorf("%w: create_link truncated", ErrProtocol)
	}
	req := CreateLinkRequest{
		MasterFnameLen: binary.BigEndian.Uint64(body[0:8]),
		SrcFnameLen:    binary.BigEndian.Uint64(body[8:16]),
		SrcSigLen:      binary.BigEndian.Uint64(body[16:24]),
	}
	off := 24
	req.Group = GetPadded(body[off : off+GroupNameSize])
	off += GroupNameSize
	req.Prefix = GetPadded(body[off : off+ExtNameSize])
	off += ExtNameSize
	req.Ext = GetPadded(body[off : off+ExtNameSize])
	off += ExtNameSize

	mEnd := off + int(req.MasterFnameLen)
	sEnd := mEnd + int(req.SrcFnameLen)
	gEnd := sEnd + int(req.SrcSigLen)
	if uint64(len(body)) < uint64(gEnd) {
		return CreateLinkRequest{}, fmt.Errorf("%w: create_link body truncated", ErrProtocol)
	}
	req.Master = string(body[off:mEnd])
	req.Src = string(body[mEnd:sEnd])
	req.Sig = body[sEnd:gEnd]
	return req, nil
}

// InsertSyncTimestamp returns a copy of body with a 4-byte big-endian
// source timestamp inserted at atOffset.
func InsertSyncTimestamp(body []byte, atOffset int, sourceTimestamp uint32) []byte {
	out := make([]byte, 0, len(body)+4)
	out = append(out, body[:atOffset]...)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], sourceTimestamp)
	out = append(out, ts[:]...)
	out = append(out, body[atOffset:]...)
	return out
}

// StripSyncTimestamp is the inverse of InsertSyncTimestamp.
func StripSyncTimestamp(body []byte, atOffset int) ([]byte, uint32, error) {
	if len(body) < atOffset+4 {
		return nil, 0, fmt.Errorf("%w: sync timestamp truncated", ErrProtocol)
	}
	ts := binary.BigEndian.Uint32(body[atOffset : atOffset+4])
	out := make([]byte, 0, len(body)-4)
	out = append(out, body[:atOffset]...)
	out = append(out, body[atOffset+4:]...)
	return out, ts, nil
}

// ActiveTest bodies are always empty.
var EmptyBody = []byte{}

func EqualBody(a, b []byte) bool { return bytes.Equal(a, b) }
