package trunk

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// EventType distinguishes trunk binlog record kinds.
type EventType byte

const (
	EventAlloc   EventType = 'A'
	EventConfirm EventType = 'C'
	EventFree    EventType = 'F'
)

// Event is one trunk binlog record: an allocation, confirm, or free of a
// chunk, sufficient for a newly-promoted trunk server to replay allocator
// state from scratch.
type Event struct {
	Type    EventType
	TrunkID uint32
	Offset  int64
	Size    int64
}

func (e Event) format() string {
	return fmt.Sprintf("%c %d %d %d", byte(e.Type), e.TrunkID, e.Offset, e.Size)
}

func parseEvent(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Event{}, fmt.Errorf("trunk: malformed binlog event %q", line)
	}
	trunkID, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Event{}, err
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Event{}, err
	}
	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventType(fields[0][0]), TrunkID: uint32(trunkID), Offset: offset, Size: size}, nil
}

// Binlog is the trunk subsystem's own append-only log, separate from the
// node's operation binlog.
type Binlog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenBinlog opens (creating if needed) the trunk binlog file at path.
func OpenBinlog(path string) (*Binlog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Binlog{path: path, file: f}, nil
}

// Append records one allocator event.
func (b *Binlog) Append(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.file.WriteString(e.format() + "\n")
	return err
}

// Close closes the underlying file.
func (b *Binlog) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}

// Replay reads every event in the trunk binlog at path in order, calling fn
// for each. Used at startup (or on promotion to trunk server) to rebuild an
// Allocator's state.
func Replay(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, err := parseEvent(line)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ApplyToAllocator replays alloc/confirm/free events onto a freshly-created
// Allocator that has already had its trunk files registered via
// AddTrunkFile. Alloc events re-reserve the exact chunk; confirm finalizes
// it; free releases it. Unconfirmed allocations left dangling past a crash
// are treated as leaked-but-bounded: left reserved and never handed out
// again; nothing in this package reclaims them.
func ApplyToAllocator(a *Allocator, path string) error {
	return Replay(path, func(e Event) error {
		switch e.Type {
		case EventAlloc:
			a.mu.Lock()
			c := &chunk{trunkID: e.TrunkID, offset: e.Offset, size: e.Size, used: true}
			a.removeRangeLocked(e.TrunkID, e.Offset, e.Size)
			a.byLoc[key(e.TrunkID, e.Offset)] = c
			a.reserved[key(e.TrunkID, e.Offset)] = c
			a.mu.Unlock()
		case EventConfirm:
			return a.Confirm(Location{TrunkID: e.TrunkID, Offset: e.Offset + int64(HeaderSize), Size: e.Size - int64(HeaderSize)})
		case EventFree:
			return a.Free(Location{TrunkID: e.TrunkID, Offset: e.Offset + int64(HeaderSize), Size: e.Size - int64(HeaderSize)})
		}
		return nil
	})
}

// removeRangeLocked splits/removes whatever free chunk currently covers
// [offset, offset+size) so a replayed Alloc event can claim that exact
// range. Callers must hold a.mu.
func (a *Allocator) removeRangeLocked(trunkID uint32, offset, size int64) {
	for k, c := range a.byLoc {
		if c.trunkID != trunkID || c.used {
			continue
		}
		if offset >= c.offset && offset+size <= c.offset+c.size {
			a.removeFromSizeIndexLocked(c)
			delete(a.byLoc, k)
			if c.offset < offset {
				head := &chunk{trunkID: trunkID, offset: c.offset, size: offset - c.offset}
				a.insertFreeLocked(head)
			}
			if c.offset+c.size > offset+size {
				tail := &chunk{trunkID: trunkID, offset: offset + size, size: c.offset + c.size - offset - size}
				a.insertFreeLocked(tail)
			}
			return
		}
	}
}
