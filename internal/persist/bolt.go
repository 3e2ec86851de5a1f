package persist

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltDB wraps one bbolt file shared by every namespace of a session. bbolt
// holds an exclusive file lock, so the persistence and transport stores must
// come from the same handle.
type BoltDB struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &BoltDB{db: db}, nil
}

// Opener returns a StoreOpener backed by this database.
func (b *BoltDB) Opener() StoreOpener {
	return func(documentID, namespace string) (Store, error) {
		bucket := []byte(documentID + "\x00" + namespace)
		err := b.db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucket)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		return &boltStore{db: b.db, bucket: bucket}, nil
	}
}

// Close releases the underlying file.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

type boltStore struct {
	db     *bolt.DB
	bucket []byte
}

func (s *boltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *boltStore) Entries() (map[string][]byte, error) {
	entries := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			entries[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *boltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

func (s *boltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

func (s *boltStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
}

func (s *boltStore) Close() error {
	// Lifetime of the file is owned by BoltDB; individual stores share it.
	return nil
}
