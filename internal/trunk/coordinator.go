package trunk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fastdfs-go/storaged/internal/filename"
)

// Coordinator adapts a per-store-path Allocator (plus its on-disk trunk
// files and trunk binlog) into the single entry point dispatch needs:
// Alloc/Confirm/Free/ChunkPath. A standalone node is its own trunk server
// for every store path it hosts; cross-node trunk-server election is a
// tracker-driven decision out of this core's scope.
type Coordinator struct {
	storeRoots  map[int]string
	allocators  map[int]*Allocator
	binlogs     map[int]*Binlog
	fileSize    int64
	subdirCount int
}

// NewCoordinator builds a Coordinator over the given store-path roots, each
// gaining its own free-space allocator and trunk binlog under
// "<root>/data/trunk_binlog". Existing trunk files discovered on disk are
// registered with the allocator (by their actual on-disk length) before the
// trunk binlog replays alloc/confirm/free events on top, so a restart never
// loses track of a trunk file's free space: the sum of chunk sizes must
// always equal the trunk file's on-disk length.
func NewCoordinator(storeRoots map[int]string, fileSize int64, subdirCount int) (*Coordinator, error) {
	c := &Coordinator{
		storeRoots:  storeRoots,
		allocators:  make(map[int]*Allocator),
		binlogs:     make(map[int]*Binlog),
		fileSize:    fileSize,
		subdirCount: subdirCount,
	}
	for idx, root := range storeRoots {
		a := NewAllocator(fileSize)
		if err := registerExistingTrunkFiles(a, root); err != nil {
			return nil, err
		}
		blPath := filepath.Join(root, "data", "trunk_binlog")
		bl, err := OpenBinlog(blPath)
		if err != nil {
			return nil, err
		}
		if err := ApplyToAllocator(a, blPath); err != nil {
			return nil, err
		}
		c.allocators[idx] = a
		c.binlogs[idx] = bl
	}
	return c, nil
}

// registerExistingTrunkFiles walks "<root>/data/trunk" for trunk files left
// over from a prior run and calls AddTrunkFile for each, using its filename
// (the decimal trunk id, per trunkFilePath) and on-disk length.
func registerExistingTrunkFiles(a *Allocator, root string) error {
	base := filepath.Join(root, "data", "trunk")
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, highEnt := range entries {
		if !highEnt.IsDir() {
			continue
		}
		lowDirs, err := os.ReadDir(filepath.Join(base, highEnt.Name()))
		if err != nil {
			return err
		}
		for _, lowEnt := range lowDirs {
			if !lowEnt.IsDir() {
				continue
			}
			files, err := os.ReadDir(filepath.Join(base, highEnt.Name(), lowEnt.Name()))
			if err != nil {
				return err
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				var id uint32
				if _, err := fmt.Sscanf(f.Name(), "%d", &id); err != nil {
					continue
				}
				fi, err := f.Info()
				if err != nil {
					return err
				}
				a.AddTrunkFile(id, fi.Size())
			}
		}
	}
	return nil
}

// trunkDir derives a trunk file's two-level fan-out directory deterministically
// from its id, so it never needs to be persisted separately from the trunk
// file itself (a restart recomputes the same path).
func (c *Coordinator) trunkDir(trunkID uint32) (uint8, uint8) {
	return filename.HashDirs(fmt.Sprintf("%d", trunkID), c.subdirCount)
}

func (c *Coordinator) trunkFilePath(storePathIndex int, trunkID uint32) string {
	root := c.storeRoots[storePathIndex]
	high, low := c.trunkDir(trunkID)
	return filepath.Join(root, "data", "trunk", fmt.Sprintf("%02X", high), fmt.Sprintf("%02X", low), fmt.Sprintf("%d", trunkID))
}

func (c *Coordinator) createTrunkFile(storePathIndex int) func(fileSize int64) (uint32, error) {
	return func(fileSize int64) (uint32, error) {
		id := NewTrunkID()
		path := c.trunkFilePath(storePathIndex, id)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return 0, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		if err := f.Truncate(fileSize); err != nil {
			return 0, err
		}
		return id, nil
	}
}

// Alloc reserves a chunk for size bytes on the given store path, creating a
// fresh trunk file when no existing free chunk fits, and records an
// allocation event in that store path's trunk binlog.
func (c *Coordinator) Alloc(storePathIndex int, size int64) (Location, error) {
	a, ok := c.allocators[storePathIndex]
	if !ok {
		return Location{}, fmt.Errorf("trunk: no allocator for store path %d", storePathIndex)
	}
	res, err := a.Alloc(size, c.createTrunkFile(storePathIndex))
	if err != nil {
		return Location{}, err
	}
	high, low := c.trunkDir(res.Location.TrunkID)
	res.Location.DirHigh = high
	res.Location.DirLow = low
	res.Location.StorePathIndex = storePathIndex

	if bl, ok := c.binlogs[storePathIndex]; ok {
		_ = bl.Append(Event{Type: EventAlloc, TrunkID: res.Location.TrunkID, Offset: res.ChunkOffset, Size: res.ChunkSize})
	}
	return res.Location, nil
}

// Confirm finalizes a tentative allocation and records a confirm event.
func (c *Coordinator) Confirm(storePathIndex int, loc Location) error {
	a, ok := c.allocators[storePathIndex]
	if !ok {
		return fmt.Errorf("trunk: no allocator for store path %d", storePathIndex)
	}
	if err := a.Confirm(loc); err != nil {
		return err
	}
	if bl, ok := c.binlogs[storePathIndex]; ok {
		return bl.Append(Event{Type: EventConfirm, TrunkID: loc.TrunkID, Offset: loc.Offset - int64(HeaderSize), Size: loc.Size + int64(HeaderSize)})
	}
	return nil
}

// Free releases a chunk and records a free event.
func (c *Coordinator) Free(storePathIndex int, loc Location) error {
	a, ok := c.allocators[storePathIndex]
	if !ok {
		return fmt.Errorf("trunk: no allocator for store path %d", storePathIndex)
	}
	if err := a.Free(loc); err != nil {
		return err
	}
	if bl, ok := c.binlogs[storePathIndex]; ok {
		return bl.Append(Event{Type: EventFree, TrunkID: loc.TrunkID, Offset: loc.Offset - int64(HeaderSize), Size: loc.Size + int64(HeaderSize)})
	}
	return nil
}

// ChunkPath returns the absolute path of the trunk file a Location belongs
// to.
func (c *Coordinator) ChunkPath(storePathIndex int, loc Location) string {
	return c.trunkFilePath(storePathIndex, loc.TrunkID)
}

// Close closes every store path's trunk binlog.
func (c *Coordinator) Close() error {
	var firstErr error
	for _, bl := range c.binlogs {
		if err := bl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
