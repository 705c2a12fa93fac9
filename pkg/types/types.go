package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Timestamp orders the versions of a key. Only the low 56 bits are usable,
// the top byte is taken by the entry kind once the timestamp is packed into a trailer.
type Timestamp = uint64

// FileID numbers WAL files, memtables and disk tables from one shared sequence.
type FileID = uint64
