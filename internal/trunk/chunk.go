// Package trunk implements the trunk subsystem: packing many small files
// into shared, pre-sized container files, a best-fit free-space allocator,
// confirm/free semantics, and a separate trunk binlog so a newly promoted
// trunk server can replay allocator state.
package trunk

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed on-disk size of a chunk header.
const HeaderSize = 8 + 1 + 4 + 8 + 16 // size + used + crc32 + mtime + ext(16)

// ChunkHeader is the small header stored at the start of every chunk
// inside a trunk file.
type ChunkHeader struct {
	Size  int64
	Used  bool
	CRC32 uint32
	Mtime int64
	Ext   string
}

// Encode serializes h into HeaderSize bytes.
func (h ChunkHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.Size))
	if h.Used {
		buf[8] = 1
	}
	binary.BigEndian.PutUint32(buf[9:13], h.CRC32)
	binary.BigEndian.PutUint64(buf[13:21], uint64(h.Mtime))
	extBuf := buf[21:37]
	for i := range extBuf {
		extBuf[i] = 0
	}
	copy(extBuf, h.Ext)
	return buf
}

// DecodeChunkHeader parses HeaderSize bytes into a ChunkHeader.
func DecodeChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) != HeaderSize {
		return ChunkHeader{}, fmt.Errorf("trunk: chunk header must be %d bytes, got %d", HeaderSize, len(buf))
	}
	h := ChunkHeader{
		Size:  int64(binary.BigEndian.Uint64(buf[0:8])),
		Used:  buf[8] != 0,
		CRC32: binary.BigEndian.Uint32(buf[9:13]),
		Mtime: int64(binary.BigEndian.Uint64(buf[13:21])),
	}
	ext := buf[21:37]
	n := len(ext)
	for n > 0 && ext[n-1] == 0 {
		n--
	}
	h.Ext = string(ext[:n])
	return h, nil
}
