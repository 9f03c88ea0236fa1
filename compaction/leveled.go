package compaction

import (
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
)

const (
	// DefaultL0Threshold is the level-0 segment count that triggers a
	// compaction into level 1.
	DefaultL0Threshold = 4
	// DefaultSizeRatio is the growth factor between level size targets.
	DefaultSizeRatio = 10
	// DefaultBaseLevelBytes is the size target for level 1.
	DefaultBaseLevelBytes = 64 << 20
)

// Task is one unit of compaction work: merge Inputs from FromLevel with
// the Overlapping segments at ToLevel into a fresh run at ToLevel.
type Task struct {
	FromLevel   int
	ToLevel     int
	Inputs      []manifest.SegmentInfo
	Overlapping []manifest.SegmentInfo
	MinKey      []byte
	MaxKey      []byte
}

// InputIDs returns the segment ids consumed by the task.
func (t *Task) InputIDs() []model.SegmentID {
	ids := make([]model.SegmentID, 0, len(t.Inputs)+len(t.Overlapping))
	for _, s := range t.Inputs {
		ids = append(ids, s.ID)
	}
	for _, s := range t.Overlapping {
		ids = append(ids, s.ID)
	}
	return ids
}

// LeveledPolicy selects compaction tasks for a leveled layout: level 0
// compacts wholesale once it holds enough segments, deeper levels
// compact one segment at a time once they exceed their size target.
type LeveledPolicy struct {
	L0Threshold    int
	SizeRatio      int
	BaseLevelBytes int64
}

// NewLeveledPolicy returns a policy with defaults filled in.
func NewLeveledPolicy() *LeveledPolicy {
	return &LeveledPolicy{
		L0Threshold:    DefaultL0Threshold,
		SizeRatio:      DefaultSizeRatio,
		BaseLevelBytes: DefaultBaseLevelBytes,
	}
}

// TargetSize returns the size budget for a level. Level 0 is counted in
// segments, not bytes, so it has no byte target.
func (p *LeveledPolicy) TargetSize(level int) int64 {
	if level == 0 {
		return 0
	}
	target := p.BaseLevelBytes
	for i := 1; i < level; i++ {
		target *= int64(p.SizeRatio)
	}
	return target
}

// Pick returns the most urgent task, or ok=false when no level needs
// compacting. Segments whose bytes live in tiered storage are never
// selected; they are read-through only.
func (p *LeveledPolicy) Pick(m *manifest.Manifest) (*Task, bool) {
	if t := p.pickL0(m); t != nil {
		return t, true
	}
	for level := 1; level < len(m.Levels); level++ {
		if m.LevelSize(level) <= p.TargetSize(level) {
			continue
		}
		if t := p.pickLevel(m, level); t != nil {
			return t, true
		}
	}
	return nil, false
}

func (p *LeveledPolicy) pickL0(m *manifest.Manifest) *Task {
	if m.SegmentCount(0) < p.L0Threshold {
		return nil
	}
	var inputs []manifest.SegmentInfo
	for _, s := range m.Levels[0].Segments {
		if s.Tiered {
			continue
		}
		inputs = append(inputs, s)
	}
	if len(inputs) < p.L0Threshold {
		return nil
	}
	min, max := keyRange(inputs)
	t := &Task{FromLevel: 0, ToLevel: 1, Inputs: inputs, MinKey: min, MaxKey: max}
	t.Overlapping = overlapping(m, 1, min, max)
	return t
}

func (p *LeveledPolicy) pickLevel(m *manifest.Manifest, level int) *Task {
	for _, s := range m.Levels[level].Segments {
		if s.Tiered {
			continue
		}
		t := &Task{
			FromLevel: level,
			ToLevel:   level + 1,
			Inputs:    []manifest.SegmentInfo{s},
			MinKey:    s.MinKey,
			MaxKey:    s.MaxKey,
		}
		t.Overlapping = overlapping(m, level+1, s.MinKey, s.MaxKey)
		return t
	}
	return nil
}

func overlapping(m *manifest.Manifest, level int, min, max []byte) []manifest.SegmentInfo {
	if level >= len(m.Levels) {
		return nil
	}
	var out []manifest.SegmentInfo
	for _, s := range m.Levels[level].Segments {
		if !s.Tiered && s.Overlaps(min, max) {
			out = append(out, s)
		}
	}
	return out
}

func keyRange(segs []manifest.SegmentInfo) (min, max []byte) {
	for _, s := range segs {
		if min == nil || model.CompareKeys(s.MinKey, min) < 0 {
			min = s.MinKey
		}
		if max == nil || model.CompareKeys(s.MaxKey, max) > 0 {
			max = s.MaxKey
		}
	}
	return min, max
}
