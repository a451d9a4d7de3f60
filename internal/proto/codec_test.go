package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := Header{BodyLen: 42, Cmd: CmdUploadFile, Status: 0}
	require.NoError(t, WriteHeader(&buf, h))
	got, err := ReadHeader(&buf, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestReadHeaderRejectsOversizeBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, Header{BodyLen: 1000, Cmd: CmdDownloadFile}))
	_, err := ReadHeader(&buf, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPaddedFieldRoundTrip(t *testing.T) {
	buf := make([]byte, GroupNameSize)
	PutPadded(buf, "group1")
	assert.Equal(t, "group1", GetPadded(buf))

	// Oversize values truncate rather than overflow the field.
	buf2 := make([]byte, 4)
	PutPadded(buf2, "toolong")
	assert.Equal(t, "tool", GetPadded(buf2))
}

func TestUploadPrefixRoundTrip(t *testing.T) {
	req := UploadRequest{StorePathIndex: 2, FileSize: 12345, Ext: "jpg"}
	buf := EncodeUploadPrefix(req)
	got, n, err := DecodeUploadPrefix(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, req, got)
}

func TestDownloadRequestRoundTrip(t *testing.T) {
	req := DownloadRequest{Offset: 10, Length: 20, Group: "group1", Filename: "M00/00/00/abc.txt"}
	buf := EncodeDownloadRequest(req)
	got, err := DecodeDownloadRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestSetMetadataRequestRoundTrip(t *testing.T) {
	req := SetMetadataRequest{
		OpFlag:   MetaMerge,
		Group:    "group1",
		Filename: "M00/00/00/abc.txt",
		Meta:     []byte("a\x021\x01b\x022"),
	}
	buf := EncodeSetMetadataRequest(req)
	got, err := DecodeSetMetadataRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req.Group, got.Group)
	assert.Equal(t, req.Filename, got.Filename)
	assert.Equal(t, req.Meta, got.Meta)
	assert.Equal(t, req.OpFlag, got.OpFlag)
}

func TestSyncTimestampInsertStrip(t *testing.T) {
	body := EncodeDeleteRequest(DeleteRequest{Group: "group1", Filename: "f"})
	withTS := InsertSyncTimestamp(body, 0, 123456)
	stripped, ts, err := StripSyncTimestamp(withTS, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(123456), ts)
	assert.Equal(t, body, stripped)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, StatusOK, StatusForError(nil))
	assert.Equal(t, StatusNotFound, StatusForError(ErrNotFound))
	assert.Equal(t, StatusNoSpace, StatusForError(ErrNoSpace))
	assert.Equal(t, StatusInternal, StatusForError(assert.AnError))
}

func TestCreateLinkRequestRoundTrip(t *testing.T) {
	req := CreateLinkRequest{
		Group:  "group1",
		Prefix: "lnk",
		Ext:    "dat",
		Master: "M00/00/00/master.dat",
		Src:    "/tmp/src.dat",
		Sig:    []byte("deadbeef"),
	}
	req.MasterFnameLen = uint64(len(req.Master))
	req.SrcFnameLen = uint64(len(req.Src))
	req.SrcSigLen = uint64(len(req.Sig))

	buf := make([]byte, 0, createLinkPrefixLen+len(req.Master)+len(req.Src)+len(req.Sig))
	hdr := make([]byte, createLinkPrefixLen)
	putU64 := func(b []byte, v uint64) { for i := 0; i < 8; i++ { b[7-i] = byte(v >> (8 * i)) } }
	putU64(hdr[0:8], req.MasterFnameLen)
	putU64(hdr[8:16], req.SrcFnameLen)
	putU64(hdr[16:24], req.SrcSigLen)
	PutPadded(hdr[24:24+GroupNameSize], req.Group)
	PutPadded(hdr[24+GroupNameSize:24+GroupNameSize+ExtNameSize], req.Prefix)
	PutPadded(hdr[24+GroupNameSize+ExtNameSize:], req.Ext)
	buf = append(buf, hdr...)
	buf = append(buf, []byte(req.Master)...)
	buf = append(buf, []byte(req.Src)...)
	buf = append(buf, req.Sig...)

	got, err := DecodeCreateLinkRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req.Group, got.Group)
	assert.Equal(t, req.Prefix, got.Prefix)
	assert.Equal(t, req.Ext, got.Ext)
	assert.Equal(t, req.Master, got.Master)
	assert.Equal(t, req.Src, got.Src)
	assert.Equal(t, req.Sig, got.Sig)
}
