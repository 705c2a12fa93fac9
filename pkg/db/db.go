// Package db defines the public key-value API implemented by the storage
// engine, plus helpers written against it.
package db

import (
	"context"

	"mvccdb/pkg/batch"
	"mvccdb/pkg/types"
)

// Iterator walks user keys in ascending order, yielding the newest value
// visible at its read timestamp. Deleted keys are skipped.
type Iterator interface {
	First()
	SeekGE(key []byte)
	Next()
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// DB is the public key-value API.
type DB interface {
	Get(key types.Key) (types.Value, bool, error)
	Insert(key types.Key, value types.Value) error
	Remove(key types.Key) error
	ApplyBatch(b batch.Batch) (batch.ReadResult, error)

	// Scan iterates over [lower, upper). A nil bound is open.
	Scan(lower, upper []byte) (Iterator, error)

	// Maintenance
	Flush(ctx context.Context) error
	Compact(ctx context.Context) error
	Close() error
}
