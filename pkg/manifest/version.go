package manifest

import (
	"bytes"
	"sort"

	"mvccdb/pkg/types"
)

// TableMeta describes a live disk table.
type TableMeta struct {
	ID       types.FileID    `json:"id"`
	Level    int             `json:"level"`
	Size     uint64          `json:"size"`
	Entries  uint64          `json:"entries"`
	Smallest []byte          `json:"smallest"`
	Largest  []byte          `json:"largest"`
	MinTs    types.Timestamp `json:"min_ts"`
	MaxTs    types.Timestamp `json:"max_ts"`
}

// Overlaps reports whether the table's user key range intersects [smallest, largest].
func (m TableMeta) Overlaps(smallest, largest []byte) bool {
	return bytes.Compare(m.Smallest, largest) <= 0 && bytes.Compare(smallest, m.Largest) <= 0
}

// Version is an ordered view of the live tables. L0 is ordered newest
// first; deeper levels are ordered by smallest key and do not overlap.
type Version struct {
	Levels [][]TableMeta
}

// NewVersion arranges tables into numLevels levels.
func NewVersion(tables map[types.FileID]TableMeta, numLevels int) *Version {
	v := &Version{Levels: make([][]TableMeta, numLevels)}
	for _, t := range tables {
		lvl := t.Level
		if lvl >= numLevels {
			lvl = numLevels - 1
		}
		v.Levels[lvl] = append(v.Levels[lvl], t)
	}
	for lvl := range v.Levels {
		sortLevel(lvl, v.Levels[lvl])
	}
	return v
}

func sortLevel(lvl int, tables []TableMeta) {
	if lvl == 0 {
		sort.Slice(tables, func(i, j int) bool { return tables[i].ID > tables[j].ID })
		return
	}
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].Smallest, tables[j].Smallest) < 0
	})
}

// Apply returns a new version with the edit's removals and additions.
func (v *Version) Apply(e Edit) *Version {
	removed := make(map[types.FileID]bool, len(e.Removed))
	for _, id := range e.Removed {
		removed[id] = true
	}
	tables := make(map[types.FileID]TableMeta)
	for _, lvl := range v.Levels {
		for _, t := range lvl {
			if !removed[t.ID] {
				tables[t.ID] = t
			}
		}
	}
	for _, t := range e.Added {
		tables[t.ID] = t
	}
	return NewVersion(tables, len(v.Levels))
}

func (v *Version) NumLevels() int { return len(v.Levels) }

func (v *Version) NumTables() int {
	n := 0
	for _, lvl := range v.Levels {
		n += len(lvl)
	}
	return n
}

// LevelSize is the total file size of a level.
func (v *Version) LevelSize(level int) uint64 {
	var n uint64
	for _, t := range v.Levels[level] {
		n += t.Size
	}
	return n
}

// Overlapping returns the tables of level whose ranges intersect [smallest, largest].
func (v *Version) Overlapping(level int, smallest, largest []byte) []TableMeta {
	var out []TableMeta
	for _, t := range v.Levels[level] {
		if t.Overlaps(smallest, largest) {
			out = append(out, t)
		}
	}
	return out
}

// Tables returns every live table, newest level first.
func (v *Version) Tables() []TableMeta {
	out := make([]TableMeta, 0, v.NumTables())
	for _, lvl := range v.Levels {
		out = append(out, lvl...)
	}
	return out
}

// KeyRange returns the smallest and largest user key over tables.
func KeyRange(tables []TableMeta) (smallest, largest []byte) {
	for i, t := range tables {
		if i == 0 || bytes.Compare(t.Smallest, smallest) < 0 {
			smallest = t.Smallest
		}
		if i == 0 || bytes.Compare(t.Largest, largest) > 0 {
			largest = t.Largest
		}
	}
	return smallest, largest
}
