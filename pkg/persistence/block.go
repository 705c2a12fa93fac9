package persistence

import (
	"encoding/binary"
	"sort"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
)

// blockBuilder accumulates sorted entries for one data block.
type blockBuilder struct {
	buf     []byte
	offsets []uint32
	scratch []byte
}

func (b *blockBuilder) add(k keys.Key, value []byte) {
	b.offsets = append(b.offsets, uint32(len(b.buf)))
	b.buf = binary.AppendUvarint(b.buf, uint64(k.EncodedLen()))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = k.Encode(b.buf)
	b.buf = append(b.buf, value...)
}

func (b *blockBuilder) empty() bool { return len(b.offsets) == 0 }

func (b *blockBuilder) estimatedSize() int {
	return len(b.buf) + 4*len(b.offsets) + 4
}

// finish returns the block payload. It stays valid until reset.
func (b *blockBuilder) finish() []byte {
	out := append(b.scratch[:0], b.buf...)
	for _, off := range b.offsets {
		out = binary.LittleEndian.AppendUint32(out, off)
	}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.offsets)))
	b.scratch = out
	return out
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.offsets = b.offsets[:0]
}

// block is a decoded data block. Keys and values alias data.
type block struct {
	data    []byte
	offsets []byte
	count   int
}

func parseBlock(data []byte) (*block, error) {
	if len(data) < 4 {
		return nil, dberrors.Corruption(nil, "data block too short")
	}
	count := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	end := len(data) - 4 - 4*count
	if count == 0 || end < 0 {
		return nil, dberrors.Corruption(nil, "data block has bad entry count %d", count)
	}
	return &block{data: data[:end], offsets: data[end : len(data)-4], count: count}, nil
}

func (b *block) entry(i int) (keys.Key, []byte, error) {
	off := int(binary.LittleEndian.Uint32(b.offsets[4*i:]))
	if off >= len(b.data) {
		return keys.Key{}, nil, dberrors.Corruption(nil, "entry offset %d out of range", off)
	}
	p := b.data[off:]
	klen, n := binary.Uvarint(p)
	if n <= 0 {
		return keys.Key{}, nil, dberrors.Corruption(nil, "bad key length at entry %d", i)
	}
	p = p[n:]
	vlen, n := binary.Uvarint(p)
	if n <= 0 || klen+vlen > uint64(len(p)-n) {
		return keys.Key{}, nil, dberrors.Corruption(nil, "bad value length at entry %d", i)
	}
	p = p[n:]
	k, err := keys.Decode(p[:klen])
	if err != nil {
		return keys.Key{}, nil, err
	}
	return k, p[klen : klen+vlen : klen+vlen], nil
}

// seek returns the index of the first entry >= target, or count.
func (b *block) seek(target keys.Key) (int, error) {
	var err error
	i := sort.Search(b.count, func(i int) bool {
		if err != nil {
			return true
		}
		k, _, e := b.entry(i)
		if e != nil {
			err = e
			return true
		}
		return keys.Compare(k, target) >= 0
	})
	return i, err
}

// indexEntry locates one data block and bounds its keys.
type indexEntry struct {
	first  keys.Key
	last   keys.Key
	handle blockHandle
}

func encodeIndex(entries []indexEntry) []byte {
	var b []byte
	b = binary.AppendUvarint(b, uint64(len(entries)))
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(e.first.EncodedLen()))
		b = e.first.Encode(b)
		b = binary.AppendUvarint(b, uint64(e.last.EncodedLen()))
		b = e.last.Encode(b)
		b = binary.AppendUvarint(b, e.handle.offset)
		b = binary.AppendUvarint(b, e.handle.length)
	}
	return b
}

func decodeIndex(b []byte) ([]indexEntry, error) {
	bad := func(what string) error { return dberrors.Corruption(nil, "index block: bad %s", what) }

	count, n := binary.Uvarint(b)
	if n <= 0 || count > uint64(len(b)) {
		return nil, bad("entry count")
	}
	b = b[n:]

	readKey := func() (keys.Key, error) {
		l, n := binary.Uvarint(b)
		if n <= 0 || l > uint64(len(b)-n) {
			return keys.Key{}, bad("key length")
		}
		k, err := keys.Decode(b[n : n+int(l)])
		b = b[n+int(l):]
		return k, err
	}
	readUint := func() (uint64, error) {
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return 0, bad("block handle")
		}
		b = b[n:]
		return v, nil
	}

	entries := make([]indexEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		var (
			e   indexEntry
			err error
		)
		if e.first, err = readKey(); err != nil {
			return nil, err
		}
		if e.last, err = readKey(); err != nil {
			return nil, err
		}
		if e.handle.offset, err = readUint(); err != nil {
			return nil, err
		}
		if e.handle.length, err = readUint(); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
