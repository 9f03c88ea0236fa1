// Package compaction merges overlapping segments into sorted runs,
// applying a deduplication policy so each key keeps exactly the versions
// the policy mandates. Jobs run in the background and never mutate
// their inputs; the manifest swap at the end is the only visible effect.
package compaction

import (
	"container/heap"

	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

// Iterator yields records in ascending key order. Versions of one key
// arrive newest first.
type Iterator interface {
	// Next returns the next record, or ok=false at the end of the stream.
	Next() (model.Record, bool, error)
	Close() error
}

// SliceIterator iterates an in-memory record slice. The slice must
// already be ordered.
type SliceIterator struct {
	recs []model.Record
	pos  int
}

func NewSliceIterator(recs []model.Record) *SliceIterator {
	return &SliceIterator{recs: recs}
}

func (it *SliceIterator) Next() (model.Record, bool, error) {
	if it.pos >= len(it.recs) {
		return model.Record{}, false, nil
	}
	rec := it.recs[it.pos]
	it.pos++
	return rec, true, nil
}

func (it *SliceIterator) Close() error { return nil }

// SegmentIterator streams a sealed segment through its embedded index.
type SegmentIterator struct {
	r       *sstable.Reader
	entries []model.IndexEntry
	pos     int
}

func NewSegmentIterator(r *sstable.Reader) (*SegmentIterator, error) {
	entries, err := r.Index()
	if err != nil {
		return nil, err
	}
	return &SegmentIterator{r: r, entries: entries}, nil
}

func (it *SegmentIterator) Next() (model.Record, bool, error) {
	if it.pos >= len(it.entries) {
		return model.Record{}, false, nil
	}
	rec, err := it.r.ReadEntry(it.entries[it.pos])
	if err != nil {
		return model.Record{}, false, err
	}
	it.pos++
	return rec, true, nil
}

func (it *SegmentIterator) Close() error { return it.r.Close() }

// mergeCursor is one source inside the merge heap.
type mergeCursor struct {
	it   Iterator
	rec  model.Record
	rank int // source order, newer sources first
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }

// Less orders by key, then newest version first. Equal sequence numbers
// fall back to the later wall-clock timestamp, then to source recency.
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if c := model.CompareKeys(a.rec.Key, b.rec.Key); c != 0 {
		return c < 0
	}
	if a.rec.Seq != b.rec.Seq {
		return a.rec.Seq > b.rec.Seq
	}
	if a.rec.Timestamp != b.rec.Timestamp {
		return a.rec.Timestamp > b.rec.Timestamp
	}
	return a.rank < b.rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeCursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// MergeIterator performs a k-way merge over sorted sources. Sources must
// be passed newest first; ties between equal (key, seq, timestamp) break
// toward the earlier source.
type MergeIterator struct {
	h       mergeHeap
	sources []Iterator
	err     error
}

var _ heap.Interface = (*mergeHeap)(nil)

func NewMergeIterator(sources ...Iterator) (*MergeIterator, error) {
	m := &MergeIterator{sources: sources}
	for rank, it := range sources {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			m.h = append(m.h, &mergeCursor{it: it, rec: rec, rank: rank})
		}
	}
	heap.Init(&m.h)
	return m, nil
}

func (m *MergeIterator) Next() (model.Record, bool, error) {
	if m.err != nil {
		return model.Record{}, false, m.err
	}
	if len(m.h) == 0 {
		return model.Record{}, false, nil
	}
	top := m.h[0]
	rec := top.rec
	next, ok, err := top.it.Next()
	if err != nil {
		m.err = err
		return model.Record{}, false, err
	}
	if ok {
		top.rec = next
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return rec, true, nil
}

func (m *MergeIterator) Close() error {
	var firstErr error
	for _, it := range m.sources {
		if err := it.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DedupIterator groups the merged stream by key and emits only the
// versions the policy keeps. Survivors of one key stay newest first.
type DedupIterator struct {
	in      Iterator
	policy  DedupPolicy
	pending []model.Record
	peeked  *model.Record
	done    bool
}

func NewDedupIterator(in Iterator, policy DedupPolicy) *DedupIterator {
	return &DedupIterator{in: in, policy: policy}
}

func (d *DedupIterator) Next() (model.Record, bool, error) {
	for {
		if len(d.pending) > 0 {
			rec := d.pending[0]
			d.pending = d.pending[1:]
			return rec, true, nil
		}
		if d.done {
			return model.Record{}, false, nil
		}

		versions, err := d.nextGroup()
		if err != nil {
			return model.Record{}, false, err
		}
		if versions == nil {
			d.done = true
			continue
		}
		d.pending = d.policy.Reduce(versions)
	}
}

// nextGroup collects all versions of the next key, newest first.
func (d *DedupIterator) nextGroup() ([]model.Record, error) {
	var first model.Record
	if d.peeked != nil {
		first = *d.peeked
		d.peeked = nil
	} else {
		rec, ok, err := d.in.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		first = rec
	}

	group := []model.Record{first}
	for {
		rec, ok, err := d.in.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return group, nil
		}
		if model.CompareKeys(rec.Key, first.Key) != 0 {
			d.peeked = &rec
			return group, nil
		}
		group = append(group, rec)
	}
}

func (d *DedupIterator) Close() error { return d.in.Close() }
