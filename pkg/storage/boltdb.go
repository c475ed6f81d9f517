package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// versionSuffix marks the companion key bbolt uses to track a row's
// version number, stored next to the value in the same bucket.
const versionSuffix = "\x00__version"

// BoltBlobStore is the local, single-process implementation of
// BlobStore. Buckets map 1:1 to the cloud object store's "bucket"
// concept; blob names are bbolt keys within that bucket.
type BoltBlobStore struct {
	db *bolt.DB
}

// NewBoltBlobStore opens (creating if absent) a bbolt file at
// <dataDir>/blobs.db to back BlobStore.
func NewBoltBlobStore(dataDir string) (*BoltBlobStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "blobs.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return &BoltBlobStore{db: db}, nil
}

func (s *BoltBlobStore) Close() error {
	return s.db.Close()
}

func (s *BoltBlobStore) PutBlob(_ context.Context, bucket, name string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("put blob %s/%s: %w", bucket, name, err)
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		return b.Put([]byte(name), cp)
	})
}

func (s *BoltBlobStore) GetBlob(_ context.Context, bucket, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltBlobStore) ListBlobs(_ context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			names = append(names, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs %s/%s*: %w", bucket, prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// BoltNoSqlTable is the local implementation of NoSqlTable. Each row's
// version number is kept in a sibling key so PutRowIfVersion can
// emulate the cloud NoSQL conditional-write contract inside a single
// bbolt transaction.
type BoltNoSqlTable struct {
	db *bolt.DB
}

// NewBoltNoSqlTable opens (creating if absent) a bbolt file at
// <dataDir>/rows.db to back NoSqlTable.
func NewBoltNoSqlTable(dataDir string) (*BoltNoSqlTable, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "rows.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open nosql table: %w", err)
	}
	return &BoltNoSqlTable{db: db}, nil
}

func (s *BoltNoSqlTable) Close() error {
	return s.db.Close()
}

func versionKey(key string) []byte {
	return []byte(key + versionSuffix)
}

func (s *BoltNoSqlTable) GetRow(_ context.Context, table, key string) ([]byte, uint64, error) {
	var (
		value   []byte
		version uint64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = make([]byte, len(v))
		copy(value, v)
		if vb := b.Get(versionKey(key)); vb != nil {
			version = binary.BigEndian.Uint64(vb)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return value, version, nil
}

func (s *BoltNoSqlTable) PutRowIfVersion(_ context.Context, table, key string, value []byte, expectedVersion uint64) (uint64, error) {
	var newVersion uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return fmt.Errorf("put row %s/%s: %w", table, key, err)
		}
		var current uint64
		if vb := b.Get(versionKey(key)); vb != nil {
			current = binary.BigEndian.Uint64(vb)
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}
		newVersion = current + 1
		vb := make([]byte, 8)
		binary.BigEndian.PutUint64(vb, newVersion)
		cp := make([]byte, len(value))
		copy(cp, value)
		if err := b.Put([]byte(key), cp); err != nil {
			return err
		}
		return b.Put(versionKey(key), vb)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *BoltNoSqlTable) DeleteRow(_ context.Context, table, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		return b.Delete(versionKey(key))
	})
}
