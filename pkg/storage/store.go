package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob or row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned by PutRowIfVersion when the row's
// current version does not match the caller's expected version.
var ErrVersionConflict = errors.New("storage: version conflict")

// BlobStore is the journal's persistence boundary: one named blob per
// journal file, written in full on every flush. The cloud deployment of
// this interface is an object store; the local implementation in this
// package is bbolt.
type BlobStore interface {
	// PutBlob writes the full contents of a blob, replacing any prior value.
	PutBlob(ctx context.Context, bucket, name string, data []byte) error

	// GetBlob reads the full contents of a blob. Returns ErrNotFound if absent.
	GetBlob(ctx context.Context, bucket, name string) ([]byte, error)

	// ListBlobs returns blob names in a bucket with the given prefix, sorted.
	ListBlobs(ctx context.Context, bucket, prefix string) ([]string, error)

	Close() error
}

// NoSqlTable is a single-row-keyed conditional-write store: the budget
// key cache's persisted hourly counters and the partition lease each
// live in one row of one table. The cloud deployment is a NoSQL
// database with conditional-put support; the local implementation here
// is bbolt, using a per-table bucket and a version number stored
// alongside the row to emulate compare-and-swap.
type NoSqlTable interface {
	// GetRow reads a row's value and its current version. Returns
	// ErrNotFound if the row has never been written.
	GetRow(ctx context.Context, table, key string) (value []byte, version uint64, err error)

	// PutRowIfVersion writes a row only if its current version equals
	// expectedVersion (0 meaning "row must not exist yet"), and returns
	// the row's new version. Returns ErrVersionConflict on mismatch.
	PutRowIfVersion(ctx context.Context, table, key string, value []byte, expectedVersion uint64) (newVersion uint64, err error)

	// DeleteRow removes a row unconditionally.
	DeleteRow(ctx context.Context, table, key string) error

	Close() error
}
