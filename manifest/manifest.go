// Package manifest tracks the durable catalog of the store: which
// segments exist, at which level, with which index structure, and where
// retired segments live. Updates are copy-on-write; readers hold a
// snapshot that stays valid while compaction installs a successor.
package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/stratadb/strata/model"
)

// SegmentPath returns the data-dir-relative path for a segment file.
func SegmentPath(id model.SegmentID) string {
	return filepath.Join("segments", fmt.Sprintf("segment_%d.seg", id))
}

// WALPath returns the data-dir-relative path for a WAL generation.
func WALPath(generation uint64) string {
	return filepath.Join("wal", fmt.Sprintf("wal_%d.log", generation))
}

// IndexKind names the lookup structure attached to a segment. Young
// segments carry a perfect hash, mid-level segments a Bloom filter plus
// sparse index, cold segments only the sparse index.
type IndexKind string

const (
	IndexPerfectHash IndexKind = "perfecthash"
	IndexBloomSparse IndexKind = "bloomsparse"
	IndexSparse      IndexKind = "sparse"
)

// IndexKindForLevel returns the index structure segments at the given
// level are built with.
func IndexKindForLevel(level, coldLevel int) IndexKind {
	switch {
	case level == 0:
		return IndexPerfectHash
	case level < coldLevel:
		return IndexBloomSparse
	default:
		return IndexSparse
	}
}

// SegmentInfo describes one immutable segment.
type SegmentInfo struct {
	ID    model.SegmentID `json:"id"`
	Level int             `json:"level"`
	// Path is relative to the data dir for local segments.
	Path      string    `json:"path"`
	Count     uint32    `json:"count"`
	Size      int64     `json:"size"`
	MinKey    []byte    `json:"min_key"`
	MaxKey    []byte    `json:"max_key"`
	MinSeq    uint64    `json:"min_seq"`
	MaxSeq    uint64    `json:"max_seq"`
	IndexKind IndexKind `json:"index_kind"`
	CreatedAt int64     `json:"created_at"`

	// Tiered marks a segment whose bytes have been retired to the blob
	// store; TieredPath is its name there.
	Tiered     bool   `json:"tiered,omitempty"`
	TieredPath string `json:"tiered_path,omitempty"`
}

// Overlaps reports whether the segment's key range intersects [min, max].
func (s *SegmentInfo) Overlaps(min, max []byte) bool {
	return model.CompareKeys(s.MinKey, max) <= 0 && model.CompareKeys(s.MaxKey, min) >= 0
}

// Contains reports whether key falls inside the segment's key range.
func (s *SegmentInfo) Contains(key []byte) bool {
	return model.CompareKeys(s.MinKey, key) <= 0 && model.CompareKeys(s.MaxKey, key) >= 0
}

// Level holds the segments of one level. Level 0 segments may overlap
// and are ordered newest first; level 1+ segments are disjoint and
// ordered by MinKey.
type Level struct {
	Level    int           `json:"level"`
	Segments []SegmentInfo `json:"segments"`
}

// Manifest is one immutable catalog version.
type Manifest struct {
	Version       int                   `json:"version"`
	ID            uint64                `json:"id"`
	NextSegmentID model.SegmentID       `json:"next_segment_id"`
	MaxSeq        uint64                `json:"max_seq"`
	WALGeneration uint64                `json:"wal_generation"`
	Levels        []Level               `json:"levels"`
	External      []model.FileReference `json:"external,omitempty"`
}

// Clone deep-copies the manifest so a mutation never leaks into a
// snapshot a reader still holds.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		Version:       m.Version,
		ID:            m.ID,
		NextSegmentID: m.NextSegmentID,
		MaxSeq:        m.MaxSeq,
		WALGeneration: m.WALGeneration,
	}
	c.Levels = make([]Level, len(m.Levels))
	for i, lvl := range m.Levels {
		c.Levels[i] = Level{Level: lvl.Level, Segments: append([]SegmentInfo(nil), lvl.Segments...)}
	}
	c.External = append([]model.FileReference(nil), m.External...)
	return c
}

// level returns the Level struct, growing the slice as needed.
func (m *Manifest) level(n int) *Level {
	for len(m.Levels) <= n {
		m.Levels = append(m.Levels, Level{Level: len(m.Levels)})
	}
	return &m.Levels[n]
}

// AddSegment places info at its level. Level 0 prepends so the newest
// segment is consulted first; deeper levels insert by MinKey.
func (m *Manifest) AddSegment(info SegmentInfo) {
	lvl := m.level(info.Level)
	if info.Level == 0 {
		lvl.Segments = append([]SegmentInfo{info}, lvl.Segments...)
		return
	}
	at := len(lvl.Segments)
	for i, s := range lvl.Segments {
		if model.CompareKeys(info.MinKey, s.MinKey) < 0 {
			at = i
			break
		}
	}
	lvl.Segments = append(lvl.Segments, SegmentInfo{})
	copy(lvl.Segments[at+1:], lvl.Segments[at:])
	lvl.Segments[at] = info
}

// RemoveSegments drops the named segments from a level.
func (m *Manifest) RemoveSegments(level int, ids ...model.SegmentID) {
	if level >= len(m.Levels) {
		return
	}
	drop := make(map[model.SegmentID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	lvl := &m.Levels[level]
	kept := lvl.Segments[:0]
	for _, s := range lvl.Segments {
		if !drop[s.ID] {
			kept = append(kept, s)
		}
	}
	lvl.Segments = kept
}

// FindSegment locates a segment by ID across all levels.
func (m *Manifest) FindSegment(id model.SegmentID) (SegmentInfo, bool) {
	for _, lvl := range m.Levels {
		for _, s := range lvl.Segments {
			if s.ID == id {
				return s, true
			}
		}
	}
	return SegmentInfo{}, false
}

// MarkTiered flags a segment as retired to the blob store under name.
func (m *Manifest) MarkTiered(id model.SegmentID, name string) bool {
	for li := range m.Levels {
		for si := range m.Levels[li].Segments {
			if m.Levels[li].Segments[si].ID == id {
				m.Levels[li].Segments[si].Tiered = true
				m.Levels[li].Segments[si].TieredPath = name
				return true
			}
		}
	}
	return false
}

// SegmentCount returns the number of segments at a level.
func (m *Manifest) SegmentCount(level int) int {
	if level >= len(m.Levels) {
		return 0
	}
	return len(m.Levels[level].Segments)
}

// LevelSize returns the total bytes at a level.
func (m *Manifest) LevelSize(level int) int64 {
	if level >= len(m.Levels) {
		return 0
	}
	var total int64
	for _, s := range m.Levels[level].Segments {
		total += s.Size
	}
	return total
}

// AllSegments returns every segment, shallowly copied.
func (m *Manifest) AllSegments() []SegmentInfo {
	var all []SegmentInfo
	for _, lvl := range m.Levels {
		all = append(all, lvl.Segments...)
	}
	return all
}

// AddExternal registers an external file reference.
func (m *Manifest) AddExternal(ref model.FileReference) {
	m.External = append(m.External, ref)
}

// RemoveExternal drops the reference with the given path.
func (m *Manifest) RemoveExternal(path string) bool {
	for i, ref := range m.External {
		if ref.Path == path {
			m.External = append(m.External[:i], m.External[i+1:]...)
			return true
		}
	}
	return false
}
