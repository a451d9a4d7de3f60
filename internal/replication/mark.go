// Package replication implements the per-peer replication readers: one
// reader per peer, a persisted mark, binlog tailing with roll-forward
// across segments, sync-* translation, and backoff on peer failure.
package replication

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var marksBucket = []byte("replication_marks")

// Mark is one peer's replay cursor into the node's binlog.
type Mark struct {
	SegmentIndex int
	Offset       int64
	// NeedSyncOld marks a peer still catching up from the start of
	// persisted data; the reader clears it and sets SyncOldDone after its
	// first successfully sent record. There is no separate bootstrap pass.
	NeedSyncOld bool
	SyncOldDone bool
}

func encodeMark(m Mark) []byte {
	buf := make([]byte, 8+8+1+1)
	binary.BigEndian.PutUint64(buf[0:8], uint64(m.SegmentIndex))
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.Offset))
	if m.NeedSyncOld {
		buf[16] = 1
	}
	if m.SyncOldDone {
		buf[17] = 1
	}
	return buf
}

func decodeMark(b []byte) (Mark, error) {
	if len(b) != 18 {
		return Mark{}, fmt.Errorf("replication: corrupt mark record (%d bytes)", len(b))
	}
	return Mark{
		SegmentIndex: int(binary.BigEndian.Uint64(b[0:8])),
		Offset:       int64(binary.BigEndian.Uint64(b[8:16])),
		NeedSyncOld:  b[16] == 1,
		SyncOldDone:  b[17] == 1,
	}, nil
}

// MarkStore persists every peer's replay mark in a bbolt database, flushed
// periodically rather than on every record.
type MarkStore struct {
	db *bolt.DB
}

// OpenMarkStore opens (creating if absent) the bbolt database at path.
func OpenMarkStore(path string) (*MarkStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(marksBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &MarkStore{db: db}, nil
}

// Load returns the persisted mark for peerAddr, or (Mark{NeedSyncOld:
// true}, false) when this is a never-before-seen peer needing the catch-up
// bootstrap.
func (s *MarkStore) Load(peerAddr string) (Mark, bool, error) {
	var m Mark
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(marksBucket).Get([]byte(peerAddr))
		if v == nil {
			return nil
		}
		found = true
		var err error
		m, err = decodeMark(v)
		return err
	})
	if err != nil {
		return Mark{}, false, err
	}
	if !found {
		return Mark{NeedSyncOld: true}, false, nil
	}
	return m, true, nil
}

// Save persists peerAddr's mark.
func (s *MarkStore) Save(peerAddr string, m Mark) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(marksBucket).Put([]byte(peerAddr), encodeMark(m))
	})
}

// Close closes the underlying database.
func (s *MarkStore) Close() error { return s.db.Close() }
