package wal

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/keys"
)

// payload: timestamp u64 | count uvarint | (kind u8 | keyLen uvarint | key | valLen uvarint | value)*
func encodeRecord(dst []byte, ts uint64, entries []Entry) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, ts)
	dst = binary.AppendUvarint(dst, uint64(len(entries)))
	for _, e := range entries {
		dst = append(dst, byte(e.Kind))
		dst = binary.AppendUvarint(dst, uint64(len(e.Key)))
		dst = append(dst, e.Key...)
		dst = binary.AppendUvarint(dst, uint64(len(e.Value)))
		dst = append(dst, e.Value...)
	}
	return dst
}

var errShortRecord = errors.New("short record")

func decodeRecord(b []byte) (Record, error) {
	var rec Record
	if len(b) < 8 {
		return rec, errShortRecord
	}
	rec.Timestamp = binary.LittleEndian.Uint64(b)
	b = b[8:]

	count, n := binary.Uvarint(b)
	if n <= 0 || count > uint64(len(b)) {
		return rec, errors.New("bad entry count")
	}
	b = b[n:]

	rec.Entries = make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(b) < 1 {
			return rec, errShortRecord
		}
		kind := keys.Kind(b[0])
		if kind != keys.KindSet && kind != keys.KindDelete {
			return rec, errors.Newf("invalid entry kind %d", kind)
		}
		b = b[1:]

		key, rest, err := readBytes(b)
		if err != nil {
			return rec, err
		}
		value, rest, err := readBytes(rest)
		if err != nil {
			return rec, err
		}
		b = rest

		rec.Entries = append(rec.Entries, Entry{Kind: kind, Key: key, Value: value})
	}
	if len(b) != 0 {
		return rec, errors.Newf("%d trailing bytes in record", len(b))
	}
	return rec, nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	l, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, errShortRecord
	}
	b = b[n:]
	if l > uint64(len(b)) {
		return nil, nil, errShortRecord
	}
	return b[:l:l], b[l:], nil
}
