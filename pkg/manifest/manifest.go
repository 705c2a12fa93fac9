// Package manifest records which disk tables are live. It is an append-only
// log of edits, each fsynced before the change it describes takes effect.
// Recovery folds the edits in order into a State.
package manifest

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"mvccdb/pkg/dberrors"
	"mvccdb/pkg/types"
	"mvccdb/pkg/vfs"
)

const (
	FileName = "MANIFEST"
	tmpName  = "MANIFEST.tmp"

	headerSize    = 12
	maxRecordSize = 64 << 20
)

type EditKind string

const (
	EditInit       EditKind = "init"
	EditFlush      EditKind = "flush"
	EditCompaction EditKind = "compaction"
	EditSnapshot   EditKind = "snapshot"
)

// Edit is one manifest record.
type Edit struct {
	Kind EditKind `json:"kind"`
	// DBID is set by init and snapshot edits.
	DBID    string         `json:"db_id,omitempty"`
	Added   []TableMeta    `json:"added,omitempty"`
	Removed []types.FileID `json:"removed,omitempty"`
	// LogNumber is the newest memtable generation whose contents are in tables.
	LogNumber     types.FileID    `json:"log_number,omitempty"`
	NextFileID    types.FileID    `json:"next_file_id,omitempty"`
	LastTimestamp types.Timestamp `json:"last_ts,omitempty"`
	Time          time.Time       `json:"time"`
}

// State is the fold of all edits.
type State struct {
	DBID          string
	Tables        map[types.FileID]TableMeta
	LogNumber     types.FileID
	NextFileID    types.FileID
	LastTimestamp types.Timestamp
	Edits         int
}

func NewState() State {
	return State{Tables: make(map[types.FileID]TableMeta), NextFileID: 1}
}

// Apply folds e into s. Additions and removals are keyed by table id and
// counters only move forward, so applying an edit again changes nothing.
func (s *State) Apply(e Edit) {
	if e.Kind == EditSnapshot {
		s.Tables = make(map[types.FileID]TableMeta, len(e.Added))
	}
	if e.DBID != "" {
		s.DBID = e.DBID
	}
	for _, id := range e.Removed {
		delete(s.Tables, id)
	}
	for _, t := range e.Added {
		s.Tables[t.ID] = t
		s.NextFileID = max(s.NextFileID, t.ID+1)
	}
	s.LogNumber = max(s.LogNumber, e.LogNumber)
	s.NextFileID = max(s.NextFileID, e.NextFileID)
	s.LastTimestamp = max(s.LastTimestamp, e.LastTimestamp)
	s.Edits++
}

// Version arranges the live tables into numLevels levels.
func (s *State) Version(numLevels int) *Version {
	return NewVersion(s.Tables, numLevels)
}

// snapshotEdit captures the whole state in one record.
func (s *State) snapshotEdit() Edit {
	e := Edit{
		Kind:          EditSnapshot,
		DBID:          s.DBID,
		LogNumber:     s.LogNumber,
		NextFileID:    s.NextFileID,
		LastTimestamp: s.LastTimestamp,
		Time:          time.Now().UTC(),
	}
	for _, t := range s.Tables {
		e.Added = append(e.Added, t)
	}
	return e
}

// Manifest is the open manifest log of a database directory.
type Manifest struct {
	mu      sync.Mutex
	dir     string
	file    vfs.WritableFile
	records int
	logger  *slog.Logger

	// end of the last durable record
	offset int64
	// set once the file may hold a record that is neither durable nor removed
	failed error

	nextFileID atomic.Uint64
}

// Open opens or creates the manifest in dir and returns the recovered state.
// A new manifest starts with an init edit carrying a fresh database id.
func Open(dir string, logger *slog.Logger) (*Manifest, State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manifest{dir: dir, logger: logger.With("component", "manifest")}

	path := filepath.Join(dir, FileName)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	// leftovers of an interrupted rewrite
	if err := os.Remove(filepath.Join(dir, tmpName)); err != nil && !os.IsNotExist(err) {
		return nil, State{}, dberrors.Durability(err, "failed to remove stale manifest temp file")
	}

	state := NewState()
	var valid int64
	if !fresh {
		var err error
		if state, valid, err = m.recoverState(); err != nil {
			return nil, State{}, err
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, State{}, dberrors.Durability(err, "failed to open manifest")
	}
	// drop a torn tail so new records follow the last complete one
	if info, err := file.Stat(); err == nil && info.Size() > valid {
		m.logger.Warn("truncating torn manifest tail", "valid_bytes", valid, "size", info.Size())
		if err := file.Truncate(valid); err != nil {
			_ = file.Close()
			return nil, State{}, dberrors.Durability(err, "failed to truncate manifest")
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return nil, State{}, dberrors.Durability(err, "failed to sync manifest")
		}
	}
	m.file = file
	m.offset = valid
	m.records = state.Edits
	m.nextFileID.Store(state.NextFileID)

	if fresh {
		init := Edit{Kind: EditInit, DBID: uuid.NewString(), NextFileID: 1}
		if err := m.Append(init); err != nil {
			_ = file.Close()
			return nil, State{}, err
		}
		state.Apply(init)
		if err := vfs.SyncDir(dir); err != nil {
			_ = file.Close()
			return nil, State{}, err
		}
		m.logger.Info("created manifest", "db_id", init.DBID)
	}

	return m, state, nil
}

// Recover reads the manifest from disk and folds every complete edit. A torn
// final record is ignored. Calling it again yields the same state.
func (m *Manifest) Recover() (State, error) {
	state, _, err := m.recoverState()
	return state, err
}

// recoverState also returns the length of the trusted prefix of the file.
func (m *Manifest) recoverState() (State, int64, error) {
	state := NewState()
	valid, err := readEdits(filepath.Join(m.dir, FileName), m.logger, func(e Edit) {
		state.Apply(e)
	})
	return state, valid, err
}

// ReadEdits returns every complete edit of the manifest in dir.
func ReadEdits(dir string) ([]Edit, error) {
	var edits []Edit
	_, err := readEdits(filepath.Join(dir, FileName), slog.Default(), func(e Edit) {
		edits = append(edits, e)
	})
	return edits, err
}

// readEdits feeds every complete edit to fn and returns the number of bytes
// they occupy. A torn final record ends the read without an error.
func readEdits(path string, logger *slog.Logger, fn func(Edit)) (valid int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, dberrors.Durability(err, "failed to open manifest")
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			logger.Warn("failed to close manifest", "error", cerr)
		}
	}()

	r := bufio.NewReader(file)
	var header [headerSize]byte
	for n := 0; ; n++ {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return valid, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn("ignoring torn manifest record", "record", n)
				return valid, nil
			}
			return valid, dberrors.Durability(err, "failed to read manifest")
		}
		sum := binary.LittleEndian.Uint64(header[:8])
		size := binary.LittleEndian.Uint32(header[8:])
		if size > maxRecordSize {
			logger.Warn("ignoring manifest record with bad length", "record", n, "size", size)
			return valid, nil
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn("ignoring torn manifest record", "record", n)
				return valid, nil
			}
			return valid, dberrors.Durability(err, "failed to read manifest")
		}
		if xxh3.Hash(payload) != sum {
			// a bad checksum followed by more data is not a torn write
			if _, err := r.Peek(1); err == nil {
				return valid, dberrors.Corruption(nil, "manifest record %d checksum mismatch", n)
			}
			logger.Warn("ignoring torn manifest record", "record", n)
			return valid, nil
		}

		var e Edit
		if err := json.Unmarshal(payload, &e); err != nil {
			return valid, dberrors.Corruption(err, "manifest record %d", n)
		}
		fn(e)
		valid += int64(headerSize) + int64(size)
	}
}

func frame(payload []byte) []byte {
	out := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint64(out[:8], xxh3.Hash(payload))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(payload)))
	return append(out, payload...)
}

// Append durably records e. The change must not be acted on before Append
// returns. A failed write is cut back off the file. A failed sync leaves the
// record's fate unknown, so the manifest refuses every later append: files
// the record names must then stay on disk for the next Open to sort out.
func (m *Manifest) Append(e Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return dberrors.ErrClosed
	}
	if m.failed != nil {
		return dberrors.Durability(m.failed, "manifest is unusable after a failed append")
	}
	e.NextFileID = max(e.NextFileID, m.nextFileID.Load())
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest edit")
	}

	rec := frame(payload)
	if _, err := m.file.Write(rec); err != nil {
		if terr := m.file.Truncate(m.offset); terr != nil {
			m.failed = terr
			m.logger.Error("failed to roll back partial manifest record", "offset", m.offset, "error", terr)
		}
		return dberrors.Durability(err, "failed to append manifest edit")
	}
	if err := m.file.Sync(); err != nil {
		m.failed = err
		m.logger.Error("manifest sync failed, refusing further edits", "offset", m.offset, "error", err)
		return dberrors.Durability(err, "failed to sync manifest")
	}
	m.offset += int64(len(rec))
	m.records++
	return nil
}

// NextFileID allocates a file number for a WAL, memtable or table.
func (m *Manifest) NextFileID() types.FileID {
	return m.nextFileID.Add(1) - 1
}

// MarkFileIDUsed makes sure id is never handed out again.
func (m *Manifest) MarkFileIDUsed(id types.FileID) {
	for {
		cur := m.nextFileID.Load()
		if id < cur || m.nextFileID.CompareAndSwap(cur, id+1) {
			return
		}
	}
}

// Records is the number of edits in the current manifest file.
func (m *Manifest) Records() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records
}

// Rewrite replaces the manifest with a single snapshot edit of state.
// The new file is synced and renamed into place, so a crash leaves either
// the old or the new manifest.
func (m *Manifest) Rewrite(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return dberrors.ErrClosed
	}
	if m.failed != nil {
		return dberrors.Durability(m.failed, "manifest is unusable after a failed append")
	}
	state.NextFileID = max(state.NextFileID, m.nextFileID.Load())
	payload, err := json.Marshal(state.snapshotEdit())
	if err != nil {
		return errors.Wrap(err, "failed to encode manifest snapshot")
	}

	tmpPath := filepath.Join(m.dir, tmpName)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return dberrors.Durability(err, "failed to create manifest snapshot")
	}
	rec := frame(payload)
	if _, err := tmp.Write(rec); err != nil {
		_ = tmp.Close()
		return dberrors.Durability(err, "failed to write manifest snapshot")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dberrors.Durability(err, "failed to sync manifest snapshot")
	}
	if err := tmp.Close(); err != nil {
		return dberrors.Durability(err, "failed to close manifest snapshot")
	}

	path := filepath.Join(m.dir, FileName)
	if err := os.Rename(tmpPath, path); err != nil {
		return dberrors.Durability(err, "failed to install manifest snapshot")
	}
	if err := vfs.SyncDir(m.dir); err != nil {
		return err
	}

	if err := m.file.Close(); err != nil {
		m.logger.Warn("failed to close old manifest handle", "error", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		m.file = nil
		return dberrors.Durability(err, "failed to reopen manifest")
	}
	m.file = file
	m.offset = int64(len(rec))
	m.logger.Info("rewrote manifest", "previous_records", m.records, "tables", len(state.Tables))
	m.records = 1
	return nil
}

func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	if err != nil {
		return dberrors.Durability(err, "failed to close manifest")
	}
	return nil
}
