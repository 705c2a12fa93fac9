package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zeebo/xxh3"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/types"
	"mvccdb/pkg/vfs"
)

const (
	fileExt = ".wal"

	// checksum (8) + payload length (4)
	headerSize = 12
	// a single batch larger than this is refused on write and treated as garbage on replay
	maxRecordSize = 1 << 30
)

var ErrRecordTooLarge = errors.New("wal: record too large")

var syncDir = vfs.SyncDir

// Entry is one mutation inside a logged batch.
type Entry struct {
	Kind  keys.Kind
	Key   []byte
	Value []byte
}

// Record is one durable batch: every entry shares the batch timestamp.
type Record struct {
	Timestamp types.Timestamp
	Entries   []Entry
}

type Options struct {
	// Sync fsyncs after every append. Without it a crash may lose acknowledged writes.
	Sync   bool
	Logger *slog.Logger
}

// WAL is the log of a single memtable generation. Appends are serialized by
// the caller and by the internal mutex.
type WAL struct {
	mu       sync.Mutex
	id       types.FileID
	file     *os.File
	writer   *bufio.Writer
	filePath string
	sync     bool
	logger   *slog.Logger

	// end of the last fully written record
	offset int64
	// set when a failed append could not be rolled back
	failed error
	buf    []byte
}

// FileName is the log file name of generation id, e.g. 000042.wal.
func FileName(id types.FileID) string {
	return fmt.Sprintf("%06d%s", id, fileExt)
}

func Path(dir string, id types.FileID) string {
	return filepath.Join(dir, FileName(id))
}

// ParseFileName extracts the generation id from a WAL file name.
func ParseFileName(name string) (types.FileID, bool) {
	if !strings.HasSuffix(name, fileExt) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, fileExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Create starts a fresh log for generation id. The file must not exist yet.
// The directory is synced before Create returns, so acknowledged appends
// cannot be lost with the file's directory entry.
func Create(dir string, id types.FileID, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, errors.New("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, dberrors.Durability(err, "failed to create WAL directory")
	}

	filePath := Path(dir, id)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, dberrors.Durability(err, "failed to open WAL file %s", filePath)
	}
	if err := syncDir(dir); err != nil {
		_ = file.Close()
		_ = os.Remove(filePath)
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &WAL{
		id:       id,
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		sync:     opts.Sync,
		logger:   logger.With("component", "wal", "wal", id),
	}, nil
}

func (w *WAL) ID() types.FileID { return w.id }

// Size is the number of durable bytes in the log.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Append logs a batch and returns once it is on stable storage (when Sync is
// set). On failure nothing of the record remains in the file and the caller
// must not apply the batch.
func (w *WAL) Append(ts types.Timestamp, entries []Entry) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed != nil {
		return 0, dberrors.Durability(w.failed, "WAL %d is unusable after a failed rollback", w.id)
	}
	if w.writer == nil {
		return 0, dberrors.ErrClosed
	}

	payload := encodeRecord(w.buf[:0], ts, entries)
	w.buf = payload
	if len(payload) > maxRecordSize {
		return 0, errors.Wrapf(ErrRecordTooLarge, "%d bytes", len(payload))
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], xxh3.Hash(payload))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))

	if err := w.writeRecord(header[:], payload); err != nil {
		w.rollback()
		return 0, dberrors.Durability(err, "failed to append to WAL %d", w.id)
	}

	n := headerSize + len(payload)
	w.offset += int64(n)
	return n, nil
}

func (w *WAL) writeRecord(header, payload []byte) error {
	if _, err := w.writer.Write(header); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush")
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return errors.Wrap(err, "sync")
		}
	}
	return nil
}

// rollback cuts the file back to the last complete record so that later
// appends stay replayable.
func (w *WAL) rollback() {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(w.offset); err != nil {
		w.failed = err
		w.logger.Error("failed to roll back partial WAL record", "offset", w.offset, "error", err)
	}
}

// Close flushes and syncs the log. The file stays on disk until Remove.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return dberrors.Durability(err, "failed to flush WAL on close")
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			w.logger.Warn("failed to sync WAL on close", "error", err)
		}
		if err := w.file.Close(); err != nil {
			return dberrors.Durability(err, "failed to close WAL file")
		}
		w.file = nil
	}

	return nil
}

// ReplayStats describes what a replay found.
type ReplayStats struct {
	Records       int
	Entries       int
	LastTimestamp types.Timestamp
	// ValidBytes is the length of the trusted prefix.
	ValidBytes int64
	// TornTail is set when trailing bytes were discarded.
	TornTail bool
}

// Replay feeds every complete record of the log at path to fn, in write order.
// A truncated or checksum-failing record ends the replay: it is the
// incomplete last write and it and everything after it are discarded.
func Replay(path string, logger *slog.Logger, fn func(Record) error) (ReplayStats, error) {
	var stats ReplayStats
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return stats, dberrors.Durability(err, "failed to open WAL for reading")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return tornTail(logger, path, stats, "truncated header"), nil
			}
			return stats, dberrors.Durability(err, "failed to read WAL %s", path)
		}

		sum := binary.LittleEndian.Uint64(header[0:8])
		size := binary.LittleEndian.Uint32(header[8:12])
		if size > maxRecordSize {
			return tornTail(logger, path, stats, "bad record length"), nil
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return tornTail(logger, path, stats, "truncated payload"), nil
			}
			return stats, dberrors.Durability(err, "failed to read WAL %s", path)
		}
		if xxh3.Hash(payload) != sum {
			return tornTail(logger, path, stats, "checksum mismatch"), nil
		}

		rec, err := decodeRecord(payload)
		if err != nil {
			return tornTail(logger, path, stats, err.Error()), nil
		}

		if err := fn(rec); err != nil {
			return stats, errors.Wrap(err, "WAL replay callback failed")
		}

		stats.Records++
		stats.Entries += len(rec.Entries)
		stats.LastTimestamp = rec.Timestamp
		stats.ValidBytes += int64(headerSize) + int64(size)
	}
}

func tornTail(logger *slog.Logger, path string, stats ReplayStats, reason string) ReplayStats {
	logger.Warn("discarding torn WAL tail",
		"path", path,
		"reason", reason,
		"valid_bytes", stats.ValidBytes,
		"records", stats.Records,
	)
	stats.TornTail = true
	return stats
}

// List returns the generation ids of all logs in dir, oldest first.
func List(dir string) ([]types.FileID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberrors.Durability(err, "failed to list WAL directory")
	}

	var ids []types.FileID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := ParseFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Remove deletes the log of generation id. A missing file is not an error.
func Remove(dir string, id types.FileID) error {
	if err := os.Remove(Path(dir, id)); err != nil && !os.IsNotExist(err) {
		return dberrors.Durability(err, "failed to remove WAL %d", id)
	}
	return nil
}
