// Package iterator merges the sorted sources of the engine (memtables and
// disk tables) and filters the merged stream down to what a reader may see.
package iterator

import "mvccdb/pkg/keys"

// Iterator iterates over a sorted sequence of internal keys.
// Key and Value stay valid only until the next positioning call.
type Iterator interface {
	// SeekGE moves the iterator to the first key >= target.
	SeekGE(target keys.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() keys.Key
	// Value returns the current value. Tombstones have an empty value.
	Value() []byte
	// Error reports the error that made the iterator invalid, if any.
	Error() error
	// Close releases resources.
	Close() error
}

type empty struct{ err error }

// Empty returns an iterator with nothing in it. A non-nil err is reported by Error.
func Empty(err error) Iterator { return &empty{err: err} }

func (e *empty) SeekGE(keys.Key) {}
func (e *empty) First()          {}
func (e *empty) Next()           {}
func (e *empty) Valid() bool     { return false }
func (e *empty) Key() keys.Key   { return keys.Key{} }
func (e *empty) Value() []byte   { return nil }
func (e *empty) Error() error    { return e.err }
func (e *empty) Close() error    { return nil }
