package roomstore

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

var roomsBucket = []byte("rooms")

// BboltBackend implements Backend on top of a single embedded bbolt
// database file, using one bucket keyed by room ID.
type BboltBackend struct {
	db *bbolt.DB
}

// OpenBboltBackend opens (creating if necessary) a bbolt database file
// at path and ensures the rooms bucket exists.
func OpenBboltBackend(path string) (*BboltBackend, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("roomstore: open bbolt database %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roomsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("roomstore: create rooms bucket: %w", err)
	}

	return &BboltBackend{db: db}, nil
}

// Close releases the underlying database file.
func (b *BboltBackend) Close() error { return b.db.Close() }

// Get implements Backend.
func (b *BboltBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("roomstore: get %q: %w", key, err)
	}
	return value, value != nil, nil
}

// Put implements Backend.
func (b *BboltBackend) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("roomstore: put %q: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *BboltBackend) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(roomsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("roomstore: delete %q: %w", key, err)
	}
	return nil
}
