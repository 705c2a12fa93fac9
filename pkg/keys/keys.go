// Package keys defines the internal MVCC key: a user key plus a trailer that
// packs the write timestamp and the entry kind.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/types"
)

// Kind tells whether an entry sets a value or deletes the key.
type Kind uint8

const (
	KindDelete Kind = 0
	KindSet    Kind = 1

	// kindSeek sorts before every real kind at the same timestamp. It is only
	// used for lookups and never persisted.
	kindSeek Kind = 0xff
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindSet:
		return "SET"
	case kindSeek:
		return "SEEK"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

const (
	// MaxTimestamp is the largest timestamp a trailer can carry.
	MaxTimestamp types.Timestamp = 1<<56 - 1
	// TrailerLen is the encoded size of a trailer.
	TrailerLen = 8
)

// Trailer is timestamp<<8 | kind.
type Trailer uint64

func MakeTrailer(ts types.Timestamp, kind Kind) Trailer {
	if ts > MaxTimestamp {
		panic(fmt.Sprintf("keys: timestamp %d overflows trailer", ts))
	}
	return Trailer(ts<<8 | uint64(kind))
}

func (t Trailer) Timestamp() types.Timestamp { return uint64(t) >> 8 }
func (t Trailer) Kind() Kind                 { return Kind(t & 0xff) }

// DecodeError reports a trailer whose kind byte is neither Set nor Delete.
type DecodeError struct {
	Kind byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("keys: invalid entry kind %d", e.Kind)
}

// DecodeTrailer validates a raw trailer read from disk.
func DecodeTrailer(v uint64) (Trailer, error) {
	t := Trailer(v)
	switch t.Kind() {
	case KindDelete, KindSet:
		return t, nil
	default:
		return 0, errors.Mark(&DecodeError{Kind: byte(t.Kind())}, dberrors.ErrCorruption)
	}
}

// Key is an internal key. UserKey is borrowed: it aliases whatever buffer it
// was decoded from unless the key was produced by Clone.
type Key struct {
	UserKey []byte
	Trailer Trailer
}

func Make(user []byte, ts types.Timestamp, kind Kind) Key {
	return Key{UserKey: user, Trailer: MakeTrailer(ts, kind)}
}

// SeekKey is the smallest key of user whose timestamp is at most ts.
func SeekKey(user []byte, ts types.Timestamp) Key {
	return Key{UserKey: user, Trailer: MakeTrailer(ts, kindSeek)}
}

func (k Key) Timestamp() types.Timestamp { return k.Trailer.Timestamp() }
func (k Key) Kind() Kind                 { return k.Trailer.Kind() }
func (k Key) EncodedLen() int            { return len(k.UserKey) + TrailerLen }

// Encode appends the user key and the little-endian trailer to dst.
func (k Key) Encode(dst []byte) []byte {
	dst = append(dst, k.UserKey...)
	return binary.LittleEndian.AppendUint64(dst, uint64(k.Trailer))
}

// Clone returns a key that owns its bytes.
func (k Key) Clone() Key {
	if k.UserKey == nil {
		return k
	}
	return Key{UserKey: bytes.Clone(k.UserKey), Trailer: k.Trailer}
}

func (k Key) String() string {
	return fmt.Sprintf("%q#%d,%s", k.UserKey, k.Timestamp(), k.Kind())
}

// Decode parses an encoded key. The returned UserKey aliases b.
func Decode(b []byte) (Key, error) {
	if len(b) < TrailerLen {
		return Key{}, dberrors.Corruption(nil, "keys: encoded key too short (%d bytes)", len(b))
	}
	n := len(b) - TrailerLen
	t, err := DecodeTrailer(binary.LittleEndian.Uint64(b[n:]))
	if err != nil {
		return Key{}, err
	}
	return Key{UserKey: b[:n:n], Trailer: t}, nil
}

// Compare orders by user key ascending, then timestamp descending. At equal
// timestamps the larger kind sorts first, which places seek keys ahead of entries.
func Compare(a, b Key) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Trailer > b.Trailer:
		return -1
	case a.Trailer < b.Trailer:
		return 1
	default:
		return 0
	}
}

// KeyBuf is an owned, reusable key buffer for iterators that must keep the
// previous key around while their source moves on.
type KeyBuf struct {
	buf []byte
	key Key
	set bool
}

func (b *KeyBuf) Set(k Key) {
	b.buf = append(b.buf[:0], k.UserKey...)
	b.key = Key{UserKey: b.buf, Trailer: k.Trailer}
	b.set = true
}

func (b *KeyBuf) Key() Key    { return b.key }
func (b *KeyBuf) IsSet() bool { return b.set }

func (b *KeyBuf) Reset() {
	b.buf = b.buf[:0]
	b.key = Key{}
	b.set = false
}
