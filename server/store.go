package server

import (
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// SnapshotStore persists the latest replicated state per document so a
// restarted hub replays it for late joiners. Durability of document content
// itself belongs to the external document store. This is only a warm-start
// cache for the sync layer.
type SnapshotStore struct {
	db *bolt.DB
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init snapshot store")
	}
	return &SnapshotStore{
		db: db,
	}, nil
}

func (self *SnapshotStore) SaveState(documentId string, state []byte) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(documentId), state)
	})
}

// LoadState returns nil with no error for an unknown document
func (self *SnapshotStore) LoadState(documentId string) ([]byte, error) {
	var state []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(documentsBucket).Get([]byte(documentId)); v != nil {
			state = make([]byte, len(v))
			copy(state, v)
		}
		return nil
	})
	return state, err
}

func (self *SnapshotStore) Close() error {
	return self.db.Close()
}
