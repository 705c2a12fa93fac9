package persistence

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/iterator"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

type ReaderOptions struct {
	Cache  *BlockCache
	Logger *slog.Logger
}

// SSTable is an open, immutable disk table. It is safe for concurrent use:
// all reads go through ReadAt.
type SSTable struct {
	id       types.FileID
	filePath string
	file     *os.File
	size     uint64

	index []indexEntry
	bloom *BloomFilter
	props Properties

	cache  *BlockCache
	logger *slog.Logger
}

// Open reads and verifies the footer, index, filter and properties of a table.
func Open(path string, id types.FileID, opts ReaderOptions) (*SSTable, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.Durability(err, "failed to open table %s", path)
	}
	s := &SSTable{
		id:       id,
		filePath: path,
		file:     file,
		cache:    opts.Cache,
		logger:   logger.With("component", "sstable", "table", id),
	}
	if err := s.load(); err != nil {
		if cerr := file.Close(); cerr != nil {
			s.logger.Warn("failed to close sstable file after load error", "error", cerr)
		}
		return nil, errors.Wrapf(err, "table %d", id)
	}
	return s, nil
}

func (s *SSTable) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return dberrors.Durability(err, "failed to stat file")
	}
	s.size = uint64(info.Size())
	if s.size < footerSize {
		return dberrors.Corruption(nil, "file too small (%d bytes)", s.size)
	}

	buf := make([]byte, footerSize)
	if _, err := s.file.ReadAt(buf, int64(s.size-footerSize)); err != nil {
		return readError(err, "failed to read footer")
	}
	f, err := decodeFooter(buf, s.size)
	if err != nil {
		return err
	}

	raw, err := s.readBlock(f.filter)
	if err != nil {
		return err
	}
	if s.bloom, err = decodeBloomFilter(raw); err != nil {
		return err
	}

	if raw, err = s.readBlock(f.index); err != nil {
		return err
	}
	if s.index, err = decodeIndex(raw); err != nil {
		return err
	}

	if raw, err = s.readBlock(f.props); err != nil {
		return err
	}
	if s.props, err = decodeProperties(raw); err != nil {
		return err
	}
	if s.props.ID != s.id {
		return dberrors.Corruption(nil, "properties belong to table %d", s.props.ID)
	}
	return nil
}

func (s *SSTable) readBlock(h blockHandle) ([]byte, error) {
	raw := make([]byte, h.length)
	if _, err := s.file.ReadAt(raw, int64(h.offset)); err != nil {
		return nil, readError(err, "failed to read block at %d", h.offset)
	}
	data, err := openBlock(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "block at offset %d", h.offset)
	}
	return data, nil
}

// readError classifies a failed read. Running off the end of the file means
// a handle points past the data that was written.
func readError(err error, format string, args ...interface{}) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return dberrors.Corruption(err, format, args...)
	}
	return dberrors.Durability(err, format, args...)
}

func (s *SSTable) dataBlock(i int) (*block, error) {
	h := s.index[i].handle
	key := cacheKey{table: s.id, offset: h.offset}
	if b, ok := s.cache.get(key); ok {
		return b, nil
	}
	data, err := s.readBlock(h)
	if err != nil {
		return nil, err
	}
	b, err := parseBlock(data)
	if err != nil {
		return nil, errors.Wrapf(err, "block at offset %d", h.offset)
	}
	s.cache.set(key, b)
	return b, nil
}

func (s *SSTable) ID() types.FileID       { return s.id }
func (s *SSTable) Path() string           { return s.filePath }
func (s *SSTable) Size() uint64           { return s.size }
func (s *SSTable) Properties() Properties { return s.props }

// Get returns the newest entry for user with timestamp at or below readTs.
// The returned entry may be a tombstone. The value is a copy.
func (s *SSTable) Get(user []byte, readTs types.Timestamp) (keys.Key, []byte, bool, error) {
	if len(s.index) == 0 || !s.bloom.MayContain(user) {
		return keys.Key{}, nil, false, nil
	}

	seek := keys.SeekKey(user, readTs)
	i := sort.Search(len(s.index), func(i int) bool {
		return keys.Compare(s.index[i].last, seek) >= 0
	})
	if i == len(s.index) {
		return keys.Key{}, nil, false, nil
	}

	b, err := s.dataBlock(i)
	if err != nil {
		return keys.Key{}, nil, false, err
	}
	j, err := b.seek(seek)
	if err != nil {
		return keys.Key{}, nil, false, err
	}
	if j == b.count {
		return keys.Key{}, nil, false, nil
	}
	k, v, err := b.entry(j)
	if err != nil {
		return keys.Key{}, nil, false, err
	}
	if !bytes.Equal(k.UserKey, user) {
		return keys.Key{}, nil, false, nil
	}
	return k.Clone(), bytes.Clone(v), true, nil
}

// Overlaps reports whether the table's user key range intersects [smallest, largest].
func (s *SSTable) Overlaps(smallest, largest []byte) bool {
	return bytes.Compare(s.props.Smallest, largest) <= 0 && bytes.Compare(smallest, s.props.Largest) <= 0
}

// NewIterator returns a lazy iterator over every entry of the table.
func (s *SSTable) NewIterator() *TableIterator {
	return &TableIterator{t: s, blockIdx: -1}
}

// Scan returns the visible view of the table at readTs bounded to [start, end).
func (s *SSTable) Scan(start, end []byte, readTs types.Timestamp) *iterator.Visible {
	return iterator.NewVisibleIterator(s.NewIterator(), readTs, start, end)
}

// VerifyChecksums reads every data block and reports the first corruption.
func (s *SSTable) VerifyChecksums() error {
	for i := range s.index {
		data, err := s.readBlock(s.index[i].handle)
		if err != nil {
			return errors.Wrapf(err, "table %d", s.id)
		}
		if _, err := parseBlock(data); err != nil {
			return errors.Wrapf(err, "table %d", s.id)
		}
	}
	return nil
}

func (s *SSTable) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// TableIterator walks one table, loading blocks on demand.
type TableIterator struct {
	t        *SSTable
	blockIdx int
	blk      *block
	pos      int

	key   keys.Key
	value []byte
	err   error
}

func (it *TableIterator) First() {
	it.err = nil
	it.loadBlock(0)
	it.pos = 0
	it.settle()
}

func (it *TableIterator) SeekGE(target keys.Key) {
	it.err = nil
	i := sort.Search(len(it.t.index), func(i int) bool {
		return keys.Compare(it.t.index[i].last, target) >= 0
	})
	it.loadBlock(i)
	if it.blk == nil {
		return
	}
	it.pos, it.err = it.blk.seek(target)
	if it.err != nil {
		it.blk = nil
		return
	}
	it.settle()
}

func (it *TableIterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.settle()
}

// settle moves past exhausted blocks and decodes the current entry.
func (it *TableIterator) settle() {
	for it.blk != nil && it.pos >= it.blk.count {
		it.loadBlock(it.blockIdx + 1)
		it.pos = 0
	}
	if it.blk == nil {
		return
	}
	it.key, it.value, it.err = it.blk.entry(it.pos)
	if it.err != nil {
		it.blk = nil
	}
}

func (it *TableIterator) loadBlock(i int) {
	it.blockIdx = i
	it.blk = nil
	if i >= len(it.t.index) {
		return
	}
	b, err := it.t.dataBlock(i)
	if err != nil {
		it.err = err
		return
	}
	it.blk = b
}

func (it *TableIterator) Valid() bool   { return it.blk != nil && it.err == nil }
func (it *TableIterator) Key() keys.Key { return it.key }
func (it *TableIterator) Value() []byte { return it.value }
func (it *TableIterator) Error() error  { return it.err }

func (it *TableIterator) Close() error {
	it.blk = nil
	return nil
}
