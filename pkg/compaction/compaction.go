package compaction

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"mvccdb/pkg/iterator"
	"mvccdb/pkg/keys"
	"mvccdb/pkg/manifest"
	"mvccdb/pkg/persistence"
	"mvccdb/pkg/types"
)

// cancellation is checked every checkEvery merged entries
const checkEvery = 256

type RunOptions struct {
	Dir string
	// NewFileID allocates ids for output tables.
	NewFileID func() types.FileID
	// Watermark is the oldest timestamp any reader may still read at.
	Watermark      types.Timestamp
	TargetFileSize uint64
	Writer         persistence.WriterOptions
	Logger         *slog.Logger
}

type Result struct {
	Added        []manifest.TableMeta
	Removed      []types.FileID
	ReadBytes    uint64
	WrittenBytes uint64
	// Dropped counts versions removed by garbage collection.
	Dropped  uint64
	Duration time.Duration
}

// Edit returns the manifest edit that commits the result.
func (r Result) Edit() manifest.Edit {
	return manifest.Edit{Kind: manifest.EditCompaction, Added: r.Added, Removed: r.Removed}
}

// Run merges the job's input iterators into new tables at the job's output
// level. inputs must be given in the order of job.Tables(). Run does not
// touch the manifest: on success the caller commits Result.Edit(), on
// failure every output written so far has been removed.
//
// For each user key, versions newer than the watermark are kept. Of the
// versions at or below it only the newest survives, and only if it is a
// value or a tombstone that still shadows a deeper level.
func Run(ctx context.Context, job *Job, inputs []iterator.Iterator, opts RunOptions) (res Result, err error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "compaction", "level", job.Level, "output_level", job.OutputLevel)

	if opts.TargetFileSize == 0 {
		opts.TargetFileSize = DefaultOptions().TargetFileSize
	}

	w := &outputs{job: job, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			w.abort()
		}
	}()

	merged := iterator.NewMergingIterator(inputs...)
	defer func() {
		if cerr := merged.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close compaction inputs")
		}
	}()

	var (
		prev         keys.KeyBuf
		belowVisible bool
		n            int
	)
	for merged.First(); merged.Valid(); merged.Next() {
		if n++; n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, errors.Wrap(err, "compaction cancelled")
			}
		}

		k := merged.Key()
		if prev.IsSet() && keys.Compare(k, prev.Key()) == 0 {
			// the same version present in two inputs
			continue
		}
		newUser := !prev.IsSet() || !bytes.Equal(k.UserKey, prev.Key().UserKey)
		prev.Set(k)

		if newUser {
			belowVisible = false
			if err := w.maybeSplit(); err != nil {
				return Result{}, err
			}
		}

		if k.Timestamp() <= opts.Watermark {
			if belowVisible {
				res.Dropped++
				continue
			}
			belowVisible = true
			if k.Kind() == keys.KindDelete && !job.coveredBelow(k.UserKey) {
				res.Dropped++
				continue
			}
		}

		if err := w.add(k, merged.Value()); err != nil {
			return Result{}, err
		}
	}
	if err := merged.Error(); err != nil {
		return Result{}, errors.Wrap(err, "failed to read compaction input")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errors.Wrap(err, "compaction cancelled")
	}
	if err := w.finish(); err != nil {
		return Result{}, err
	}

	res.Added = w.done
	for _, t := range job.Tables() {
		res.Removed = append(res.Removed, t.ID)
	}
	res.ReadBytes = job.InputBytes()
	for _, t := range res.Added {
		res.WrittenBytes += t.Size
	}
	res.Duration = time.Since(start)

	logger.Info("compaction finished",
		"inputs", len(res.Removed),
		"outputs", len(res.Added),
		"read_bytes", res.ReadBytes,
		"written_bytes", res.WrittenBytes,
		"dropped", res.Dropped,
		"duration", res.Duration,
	)
	return res, nil
}

// outputs manages the sequence of tables written by one job.
type outputs struct {
	job    *Job
	opts   RunOptions
	logger *slog.Logger

	cur  *persistence.Writer
	done []manifest.TableMeta
}

func (o *outputs) add(k keys.Key, value []byte) error {
	if o.cur == nil {
		id := o.opts.NewFileID()
		w, err := persistence.NewWriter(persistence.Path(o.opts.Dir, id), id, o.opts.Writer)
		if err != nil {
			return err
		}
		o.cur = w
	}
	return o.cur.Add(k, value)
}

// maybeSplit closes the current output once it reached the target size. It
// is only called between user keys, so outputs never share a user key.
func (o *outputs) maybeSplit() error {
	if o.cur == nil || o.cur.EstimatedSize() < o.opts.TargetFileSize {
		return nil
	}
	return o.finish()
}

func (o *outputs) finish() error {
	if o.cur == nil {
		return nil
	}
	w := o.cur
	o.cur = nil
	props, size, err := w.Finish()
	if err != nil {
		return errors.Wrapf(err, "failed to finish compaction output %d", w.ID())
	}
	o.done = append(o.done, manifest.TableMeta{
		ID:       props.ID,
		Level:    o.job.OutputLevel,
		Size:     size,
		Entries:  props.Entries,
		Smallest: props.Smallest,
		Largest:  props.Largest,
		MinTs:    props.MinTs,
		MaxTs:    props.MaxTs,
	})
	return nil
}

func (o *outputs) abort() {
	if o.cur != nil {
		o.cur.Abort()
		o.cur = nil
	}
	for _, t := range o.done {
		path := persistence.Path(o.opts.Dir, t.ID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("failed to remove compaction output", "path", path, "error", err)
		}
	}
	o.done = nil
}
