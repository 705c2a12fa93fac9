package dberrors

import "github.com/cockroachdb/errors"

// Error classes. Concrete errors are marked with one of them and callers
// classify with errors.Is.
var (
	// ErrDurability marks failed WAL, manifest or table I/O.
	ErrDurability = errors.New("mvccdb: durability failure")
	// ErrCorruption marks checksum mismatches and undecodable on-disk data.
	ErrCorruption = errors.New("mvccdb: corruption")
	// ErrState marks operations on a frozen, closed or finished object.
	ErrState = errors.New("mvccdb: invalid state")
	// ErrConflict marks an optimistic commit that lost to a concurrent writer.
	ErrConflict = errors.New("mvccdb: transaction conflict")

	ErrClosed          = errors.Mark(errors.New("mvccdb: closed"), ErrState)
	ErrInvalidArgument = errors.New("mvccdb: invalid argument")
)

// Durability wraps an I/O failure from the write or persistence path.
func Durability(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrDurability)
}

// Corruption wraps err (which may be nil) as a corruption of on-disk state.
func Corruption(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), ErrCorruption)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCorruption)
}

func State(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrState)
}

// Conflict reports that key changed after the transaction took its snapshot.
func Conflict(key []byte, readTs, latestTs uint64) error {
	return errors.Mark(
		errors.Newf("key %q written at %d after snapshot %d", key, latestTs, readTs),
		ErrConflict,
	)
}

func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
