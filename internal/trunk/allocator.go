package trunk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Location pins down exactly where a trunk-member file's bytes live:
// store path, two-level fan-out directory, trunk id, and the byte range
// within that trunk file.
type Location struct {
	StorePathIndex int
	DirHigh        uint8
	DirLow         uint8
	TrunkID        uint32
	Offset         int64
	Size           int64
}

type chunk struct {
	trunkID uint32
	offset  int64
	size    int64
	used    bool
}

func key(trunkID uint32, offset int64) [2]int64 { return [2]int64{int64(trunkID), offset} }

// Allocator is the per-store-path free-space tree: a best-fit index keyed
// by chunk size, plus a location index used to coalesce adjacent free
// chunks on Free and to validate that the sum of chunk sizes equals the
// on-disk trunk length.
type Allocator struct {
	mu sync.Mutex

	bySize   map[int64][]*chunk // free chunks only, keyed by exact size
	sizeKeys []int64            // sorted ascending, kept in sync with bySize
	byLoc    map[[2]int64]*chunk

	trunkFileSize int64          // configured size of freshly created trunk files
	trunkLength   map[uint32]int64 // trunk id -> on-disk length, for the conservation invariant
	reserved      map[[2]int64]*chunk
}

// NewAllocator creates an allocator that carves fresh trunk files of
// trunkFileSize bytes when none of the existing free space satisfies a
// request.
func NewAllocator(trunkFileSize int64) *Allocator {
	return &Allocator{
		bySize:      make(map[int64][]*chunk),
		byLoc:       make(map[[2]int64]*chunk),
		trunkLength: make(map[uint32]int64),
		reserved:    make(map[[2]int64]*chunk),
		trunkFileSize: trunkFileSize,
	}
}

// AddTrunkFile registers an existing or freshly created trunk file of the
// given total length, with one initial free chunk spanning the whole length
// from offset 0 (each allocation later reserves its own header space inside
// the chunk it takes).
func (a *Allocator) AddTrunkFile(trunkID uint32, length int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trunkLength[trunkID] = length
	a.insertFreeLocked(&chunk{trunkID: trunkID, offset: 0, size: length})
}

func (a *Allocator) insertFreeLocked(c *chunk) {
	c.used = false
	a.byLoc[key(c.trunkID, c.offset)] = c
	if _, ok := a.bySize[c.size]; !ok {
		a.insertSizeKeyLocked(c.size)
	}
	a.bySize[c.size] = append(a.bySize[c.size], c)
}

func (a *Allocator) insertSizeKeyLocked(size int64) {
	i := sort.Search(len(a.sizeKeys), func(i int) bool { return a.sizeKeys[i] >= size })
	a.sizeKeys = append(a.sizeKeys, 0)
	copy(a.sizeKeys[i+1:], a.sizeKeys[i:])
	a.sizeKeys[i] = size
}

func (a *Allocator) removeSizeKeyLocked(size int64) {
	i := sort.Search(len(a.sizeKeys), func(i int) bool { return a.sizeKeys[i] >= size })
	if i < len(a.sizeKeys) && a.sizeKeys[i] == size {
		a.sizeKeys = append(a.sizeKeys[:i], a.sizeKeys[i+1:]...)
	}
}

func (a *Allocator) popBestFitLocked(size int64) *chunk {
	i := sort.Search(len(a.sizeKeys), func(i int) bool { return a.sizeKeys[i] >= size })
	if i >= len(a.sizeKeys) {
		return nil
	}
	foundSize := a.sizeKeys[i]
	list := a.bySize[foundSize]
	c := list[len(list)-1]
	list = list[:len(list)-1]
	if len(list) == 0 {
		delete(a.bySize, foundSize)
		a.removeSizeKeyLocked(foundSize)
	} else {
		a.bySize[foundSize] = list
	}
	delete(a.byLoc, key(c.trunkID, c.offset))
	return c
}

// ErrNoSpace is returned when no free chunk (and no fresh trunk file) can
// satisfy an allocation request.
type ErrNoSpace struct{ Requested int64 }

func (e ErrNoSpace) Error() string { return fmt.Sprintf("trunk: no space for %d bytes", e.Requested) }

// Reservation is the result of a tentative Alloc: both the payload-only
// Location handed to the writer and the underlying chunk's full (offset,
// size) including its header, which is what gets recorded in the trunk
// binlog so replay can reconstruct the allocator's exact chunk layout.
type Reservation struct {
	Location    Location
	ChunkOffset int64
	ChunkSize   int64
}

// Alloc reserves (tentatively) a chunk of at least size bytes using
// best-fit, splitting the remainder back into the free tree if the match
// is larger than needed. newTrunk is called (if non-nil) when no existing
// chunk fits and should create a new on-disk trunk file of the allocator's
// configured trunkFileSize, returning its new trunk id.
func (a *Allocator) Alloc(size int64, newTrunk func(fileSize int64) (uint32, error)) (Reservation, error) {
	need := size + int64(HeaderSize)
	a.mu.Lock()
	c := a.popBestFitLocked(need)
	a.mu.Unlock()

	if c == nil {
		if newTrunk == nil || a.trunkFileSize <= 0 {
			return Reservation{}, ErrNoSpace{Requested: size}
		}
		id, err := newTrunk(a.trunkFileSize)
		if err != nil {
			return Reservation{}, err
		}
		a.AddTrunkFile(id, a.trunkFileSize)
		a.mu.Lock()
		c = a.popBestFitLocked(need)
		a.mu.Unlock()
		if c == nil {
			return Reservation{}, ErrNoSpace{Requested: size}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c.size > need {
		remainder := &chunk{trunkID: c.trunkID, offset: c.offset + need, size: c.size - need}
		a.insertFreeLocked(remainder)
		c.size = need
	}
	c.used = true
	a.byLoc[key(c.trunkID, c.offset)] = c
	a.reserved[key(c.trunkID, c.offset)] = c

	return Reservation{
		Location:    Location{TrunkID: c.trunkID, Offset: c.offset + int64(HeaderSize), Size: size},
		ChunkOffset: c.offset,
		ChunkSize:   c.size,
	}, nil
}

// Confirm finalizes a tentative allocation, making it permanent. A caller
// must Confirm (or Free on failure) before any binlog record references
// the chunk.
func (a *Allocator) Confirm(loc Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(loc.TrunkID, loc.Offset-int64(HeaderSize))
	if _, ok := a.reserved[k]; !ok {
		return fmt.Errorf("trunk: confirm of unknown reservation at trunk=%d offset=%d", loc.TrunkID, loc.Offset)
	}
	delete(a.reserved, k)
	return nil
}

// Free releases a chunk (whether reserved-then-abandoned, or a confirmed
// chunk whose file was deleted), coalescing with adjacent free chunks.
func (a *Allocator) Free(loc Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	baseOffset := loc.Offset - int64(HeaderSize)
	k := key(loc.TrunkID, baseOffset)
	c, ok := a.byLoc[k]
	if !ok {
		return fmt.Errorf("trunk: free of unknown chunk at trunk=%d offset=%d", loc.TrunkID, loc.Offset)
	}
	delete(a.reserved, k)
	a.removeFromSizeIndexLocked(c)

	// Coalesce with the following chunk if it is free and contiguous.
	if next, ok := a.byLoc[key(c.trunkID, c.offset+c.size)]; ok && !next.used {
		a.removeFromSizeIndexLocked(next)
		delete(a.byLoc, key(next.trunkID, next.offset))
		c.size += next.size
	}
	// Chunks only link forward (offset+size), so finding the preceding
	// chunk means a linear scan of every chunk still registered on this
	// trunk id; byLoc carries no reverse index.
	for _, prev := range a.byLoc {
		if prev.trunkID == c.trunkID && !prev.used && prev.offset+prev.size == c.offset {
			a.removeFromSizeIndexLocked(prev)
			delete(a.byLoc, key(prev.trunkID, prev.offset))
			delete(a.byLoc, key(c.trunkID, c.offset))
			prev.size += c.size
			c = prev
			break
		}
	}

	a.insertFreeLocked(c)
	return nil
}

func (a *Allocator) removeFromSizeIndexLocked(c *chunk) {
	list := a.bySize[c.size]
	for i, x := range list {
		if x == c {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(a.bySize, c.size)
		a.removeSizeKeyLocked(c.size)
	} else {
		a.bySize[c.size] = list
	}
}

// Conserved reports whether, for every known trunk file, free+used chunk
// bytes sum to exactly its on-disk length.
func (a *Allocator) Conserved() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	sums := make(map[uint32]int64)
	for _, c := range a.byLoc {
		sums[c.trunkID] += c.size
	}
	for id, length := range a.trunkLength {
		if sums[id] != length {
			return false
		}
	}
	return true
}

// NewTrunkID generates a fresh trunk id using uuid-derived entropy folded
// into 32 bits, avoiding collisions with externally-numbered trunk ids.
func NewTrunkID() uint32 {
	u := uuid.New()
	b := u[:]
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}
