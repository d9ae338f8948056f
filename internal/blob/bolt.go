package blob

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var (
	objectsBucket = []byte("objects")
	// metaBucket holds an 8-byte big-endian unix-nano modification time per key.
	metaBucket = []byte("meta")
)

var _ Store = (*BoltStore)(nil)

// BoltStore implements Store in a single bolt database file.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (creating if needed) the bolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{objectsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create blob buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Put(_ context.Context, key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("blob key is required")
	}
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(s.now().UnixNano()))
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(objectsBucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		return tx.Bucket(metaBucket).Put([]byte(key), stamp[:])
	})
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(objectsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) List(_ context.Context, prefix string) ([]Object, error) {
	var objects []Object
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(objectsBucket)
		c := tx.Bucket(metaBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			obj := Object{Key: string(k), Size: int64(len(data.Get(k)))}
			if len(v) == 8 {
				obj.ModTime = time.Unix(0, int64(binary.BigEndian.Uint64(v))).UTC()
			}
			objects = append(objects, obj)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return objects, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *BoltStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(objectsBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Delete([]byte(key))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
