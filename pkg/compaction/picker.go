// Package compaction decides which tables to merge and performs the merge.
// The policy is leveled: L0 tables may overlap and are compacted together
// once there are enough of them; each deeper level is a sorted run that is
// allowed to grow by a fixed multiplier over the one above it.
package compaction

import (
	"bytes"
	"math"
	"sync"

	"mvccdb/pkg/manifest"
)

type Options struct {
	L0Trigger       int
	BaseLevelSize   uint64
	LevelMultiplier int
	MaxLevels       int
	TargetFileSize  uint64
}

func DefaultOptions() Options {
	return Options{
		L0Trigger:       4,
		BaseLevelSize:   10 << 20,
		LevelMultiplier: 10,
		MaxLevels:       7,
		TargetFileSize:  2 << 20,
	}
}

func (o *Options) ensureDefaults() {
	def := DefaultOptions()
	if o.L0Trigger <= 0 {
		o.L0Trigger = def.L0Trigger
	}
	if o.BaseLevelSize == 0 {
		o.BaseLevelSize = def.BaseLevelSize
	}
	if o.LevelMultiplier <= 1 {
		o.LevelMultiplier = def.LevelMultiplier
	}
	if o.MaxLevels < 2 {
		o.MaxLevels = def.MaxLevels
	}
	if o.TargetFileSize == 0 {
		o.TargetFileSize = def.TargetFileSize
	}
}

// Job describes one compaction unit.
type Job struct {
	Level       int
	OutputLevel int
	// Inputs are the tables taken from Level, newest first for L0.
	Inputs []manifest.TableMeta
	// Overlaps are the tables of OutputLevel that intersect the inputs.
	Overlaps []manifest.TableMeta
	// Deeper are the tables below OutputLevel that intersect the inputs.
	// A tombstone can only be dropped when none of them covers its key.
	Deeper     []manifest.TableMeta
	Bottommost bool
	Score      float64
}

// Tables returns every input table in merge priority order.
func (j *Job) Tables() []manifest.TableMeta {
	out := make([]manifest.TableMeta, 0, len(j.Inputs)+len(j.Overlaps))
	out = append(out, j.Inputs...)
	return append(out, j.Overlaps...)
}

// InputBytes is the total size of the tables read by the job.
func (j *Job) InputBytes() uint64 {
	var n uint64
	for _, t := range j.Tables() {
		n += t.Size
	}
	return n
}

func (j *Job) coveredBelow(user []byte) bool {
	for _, t := range j.Deeper {
		if bytes.Compare(t.Smallest, user) <= 0 && bytes.Compare(user, t.Largest) <= 0 {
			return true
		}
	}
	return false
}

// Picker chooses compactions. It remembers, per level, where the last
// compaction ended so that consecutive picks rotate through the key space.
type Picker struct {
	opts Options

	mu       sync.Mutex
	pointers [][]byte
}

func NewPicker(opts Options) *Picker {
	opts.ensureDefaults()
	return &Picker{opts: opts, pointers: make([][]byte, opts.MaxLevels)}
}

func (p *Picker) Options() Options { return p.opts }

// MaxLevelBytes is the size above which level n (n >= 1) needs compaction.
func (p *Picker) MaxLevelBytes(level int) uint64 {
	size := float64(p.opts.BaseLevelSize) * math.Pow(float64(p.opts.LevelMultiplier), float64(level-1))
	if size >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(size)
}

// Scores returns the compaction score of every level. A score of 1 or more
// means the level needs compaction. The last level always scores 0.
func (p *Picker) Scores(v *manifest.Version) []float64 {
	scores := make([]float64, v.NumLevels())
	for lvl := 0; lvl < p.lastLevel(v); lvl++ {
		if lvl == 0 {
			scores[lvl] = float64(len(v.Levels[0])) / float64(p.opts.L0Trigger)
			continue
		}
		scores[lvl] = float64(v.LevelSize(lvl)) / float64(p.MaxLevelBytes(lvl))
	}
	return scores
}

// Pick returns the job for the level with the highest score, if any level
// has a score of at least 1.
func (p *Picker) Pick(v *manifest.Version) (*Job, bool) {
	best, bestScore := -1, 1.0
	for lvl, score := range p.Scores(v) {
		if score >= bestScore {
			best, bestScore = lvl, score
		}
	}
	if best < 0 {
		return nil, false
	}
	job := p.jobFor(v, best)
	job.Score = bestScore
	return job, true
}

// PickLevel returns a job moving every table of level into level+1,
// regardless of scores. It is used for manual compactions.
func (p *Picker) PickLevel(v *manifest.Version, level int) (*Job, bool) {
	if level < 0 || level >= p.lastLevel(v) || len(v.Levels[level]) == 0 {
		return nil, false
	}
	inputs := append([]manifest.TableMeta(nil), v.Levels[level]...)
	return p.finish(v, level, inputs), true
}

func (p *Picker) lastLevel(v *manifest.Version) int {
	return min(v.NumLevels(), p.opts.MaxLevels) - 1
}

func (p *Picker) jobFor(v *manifest.Version, level int) *Job {
	if level == 0 {
		return p.finish(v, 0, append([]manifest.TableMeta(nil), v.Levels[0]...))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tables := v.Levels[level]
	pick := tables[0]
	if ptr := p.pointers[level]; ptr != nil {
		for _, t := range tables {
			if bytes.Compare(t.Smallest, ptr) > 0 {
				pick = t
				break
			}
		}
	}
	p.pointers[level] = bytes.Clone(pick.Largest)
	return p.finish(v, level, []manifest.TableMeta{pick})
}

func (p *Picker) finish(v *manifest.Version, level int, inputs []manifest.TableMeta) *Job {
	job := &Job{Level: level, OutputLevel: level + 1, Inputs: inputs}
	smallest, largest := manifest.KeyRange(inputs)
	job.Overlaps = v.Overlapping(job.OutputLevel, smallest, largest)

	// the output range may be wider than the inputs once overlaps are added
	smallest, largest = manifest.KeyRange(job.Tables())
	for lvl := job.OutputLevel + 1; lvl < v.NumLevels(); lvl++ {
		job.Deeper = append(job.Deeper, v.Overlapping(lvl, smallest, largest)...)
	}
	job.Bottommost = len(job.Deeper) == 0
	return job
}
