package persistence

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/compression"
	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
)

type WriterOptions struct {
	BlockSize   int
	Compression compression.Type
	BloomFPRate float64
	Logger      *slog.Logger
}

func (o *WriterOptions) ensureDefaults() {
	if o.BlockSize <= 0 {
		o.BlockSize = 4 << 10
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Writer builds a table from keys added in strictly increasing order.
type Writer struct {
	id     types.FileID
	path   string
	file   *os.File
	bw     *bufio.Writer
	offset uint64
	opts   WriterOptions
	logger *slog.Logger

	block  blockBuilder
	first  keys.KeyBuf
	last   keys.KeyBuf
	index  []indexEntry
	hashes []uint64
	props  Properties

	err      error
	finished bool
}

// NewWriter creates the file at path. It fails if the file already exists.
func NewWriter(path string, id types.FileID, opts WriterOptions) (*Writer, error) {
	opts.ensureDefaults()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, dberrors.Durability(err, "failed to create table %s", path)
	}
	return &Writer{
		id:     id,
		path:   path,
		file:   file,
		bw:     bufio.NewWriterSize(file, 64<<10),
		opts:   opts,
		logger: opts.Logger.With("component", "sstable", "table", id),
		props: Properties{
			ID:          id,
			MinTs:       keys.MaxTimestamp,
			Compression: opts.Compression.String(),
		},
	}, nil
}

func (w *Writer) ID() types.FileID { return w.id }

// Add appends an entry. Keys must be strictly increasing.
func (w *Writer) Add(k keys.Key, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.last.IsSet() && keys.Compare(w.last.Key(), k) >= 0 {
		w.err = errors.Mark(
			errors.Newf("table %d: key %s added after %s", w.id, k, w.last.Key()),
			dberrors.ErrInvalidArgument,
		)
		return w.err
	}

	if !w.last.IsSet() || !bytes.Equal(w.last.Key().UserKey, k.UserKey) {
		w.hashes = append(w.hashes, hashKey(k.UserKey))
	}
	if w.props.Entries == 0 {
		w.props.Smallest = bytes.Clone(k.UserKey)
	}
	w.props.Entries++
	w.props.MinTs = min(w.props.MinTs, k.Timestamp())
	w.props.MaxTs = max(w.props.MaxTs, k.Timestamp())

	if w.block.empty() {
		w.first.Set(k)
	}
	w.block.add(k, value)
	w.last.Set(k)

	if w.block.estimatedSize() >= w.opts.BlockSize {
		w.err = w.flushBlock()
	}
	return w.err
}

// EstimatedSize is the file size if the table were finished now, minus metadata.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize())
}

// Entries is the number of entries added so far.
func (w *Writer) Entries() uint64 { return w.props.Entries }

func (w *Writer) flushBlock() error {
	if w.block.empty() {
		return nil
	}
	payload := w.block.finish()
	ct := w.opts.Compression
	data, err := compression.Compress(ct, payload)
	if err != nil {
		return errors.Wrapf(err, "table %d: compress block", w.id)
	}
	if ct != compression.None && len(data) >= len(payload) {
		data, ct = payload, compression.None
	}

	h, err := w.writeBlock(data, ct)
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{
		first:  w.first.Key().Clone(),
		last:   w.last.Key().Clone(),
		handle: h,
	})
	w.props.Blocks++
	w.block.reset()
	return nil
}

func (w *Writer) writeBlock(data []byte, ct compression.Type) (blockHandle, error) {
	raw := sealBlock(append([]byte(nil), data...), ct)
	if _, err := w.bw.Write(raw); err != nil {
		return blockHandle{}, dberrors.Durability(err, "table %d: write block", w.id)
	}
	h := blockHandle{offset: w.offset, length: uint64(len(raw))}
	w.offset += uint64(len(raw))
	return h, nil
}

// Finish writes the metadata blocks and footer, syncs and closes the file.
// It returns the table properties and the final file size.
func (w *Writer) Finish() (Properties, uint64, error) {
	if w.err != nil {
		return Properties{}, 0, w.err
	}
	if err := w.flushBlock(); err != nil {
		return Properties{}, 0, w.fail(err)
	}
	if w.last.IsSet() {
		w.props.Largest = bytes.Clone(w.last.Key().UserKey)
	} else {
		w.props.MinTs = 0
	}
	w.props.CreatedAt = time.Now().UTC()

	var (
		f   footer
		err error
	)
	filter := buildBloomFilter(w.hashes, w.opts.BloomFPRate)
	if f.filter, err = w.writeBlock(filter.encode(), compression.None); err != nil {
		return Properties{}, 0, w.fail(err)
	}
	if f.index, err = w.writeBlock(encodeIndex(w.index), compression.None); err != nil {
		return Properties{}, 0, w.fail(err)
	}
	props, err := w.props.encode()
	if err != nil {
		return Properties{}, 0, w.fail(err)
	}
	if f.props, err = w.writeBlock(props, compression.None); err != nil {
		return Properties{}, 0, w.fail(err)
	}
	if _, err := w.bw.Write(f.encode()); err != nil {
		return Properties{}, 0, w.fail(dberrors.Durability(err, "table %d: write footer", w.id))
	}
	size := w.offset + footerSize

	if err := w.bw.Flush(); err != nil {
		return Properties{}, 0, w.fail(dberrors.Durability(err, "table %d: flush", w.id))
	}
	if err := w.file.Sync(); err != nil {
		return Properties{}, 0, w.fail(dberrors.Durability(err, "table %d: sync", w.id))
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		return Properties{}, 0, w.fail(dberrors.Durability(err, "table %d: close", w.id))
	}
	w.file = nil
	w.finished = true
	w.err = errors.New("table writer is finished")

	return w.props, size, nil
}

func (w *Writer) fail(err error) error {
	w.err = err
	w.Abort()
	return err
}

// Abort closes and removes a table that will not be finished. It does
// nothing once Finish has succeeded.
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			w.logger.Warn("failed to close aborted table", "path", w.path, "error", err)
		}
		w.file = nil
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to remove aborted table", "path", w.path, "error", err)
	}
	if w.err == nil {
		w.err = errors.New("table writer is aborted")
	}
}
