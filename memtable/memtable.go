// Package memtable implements the in-memory sorted write buffer. One
// memtable is active at a time; once its size threshold is reached it is
// frozen and handed to the background flush job.
package memtable

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/stratadb/strata/model"
)

var (
	// ErrMemTableFull signals the caller to freeze the table and flush.
	ErrMemTableFull = errors.New("memtable: full")
	// ErrFrozen is returned for writes against a frozen table.
	ErrFrozen = errors.New("memtable: frozen")
)

// MemTable maps keys to their most recent record. The skip list keeps keys
// bytewise sorted so a frozen table can be streamed to a segment without a
// sort pass. Mutation follows a single-writer discipline enforced by the
// engine; concurrent readers are safe at any time.
type MemTable struct {
	m          *skipmap.StringMap[model.Record]
	size       atomic.Int64
	threshold  int64
	frozen     atomic.Bool
	generation uint64
	createdAt  time.Time
}

// New creates an empty memtable. generation correlates the table with its
// WAL file; threshold is the freeze size in bytes.
func New(generation uint64, threshold int64) *MemTable {
	return &MemTable{
		m:          skipmap.NewString[model.Record](),
		threshold:  threshold,
		generation: generation,
		createdAt:  time.Now(),
	}
}

// Write inserts or replaces the record for rec.Key. It returns
// ErrMemTableFull when the projected size would exceed the threshold, which
// tells the caller to freeze this table and retry against a fresh one. An
// empty table always accepts, so a single oversized record cannot wedge the
// write path.
func (t *MemTable) Write(rec model.Record) error {
	if t.frozen.Load() {
		return ErrFrozen
	}

	key := string(rec.Key)
	delta := int64(rec.Size())
	if prev, ok := t.m.Load(key); ok {
		delta -= int64(prev.Size())
	}

	if projected := t.size.Load() + delta; projected > t.threshold && t.Len() > 0 {
		return ErrMemTableFull
	}

	t.m.Store(key, rec)
	t.size.Add(delta)
	return nil
}

// Read returns the most recent record for key. A Retract record is returned
// as-is; interpreting it as "not found" is the read path's job, since the
// tombstone must shadow older versions in lower levels.
func (t *MemTable) Read(key []byte) (model.Record, bool) {
	return t.m.Load(string(key))
}

// Iterate calls fn for every record in ascending key order.
func (t *MemTable) Iterate(fn func(model.Record) error) error {
	var err error
	t.m.Range(func(_ string, rec model.Record) bool {
		err = fn(rec)
		return err == nil
	})
	return err
}

// Freeze makes the table read-only. Idempotent.
func (t *MemTable) Freeze() {
	t.frozen.Store(true)
}

// IsFrozen reports whether the table accepts writes.
func (t *MemTable) IsFrozen() bool {
	return t.frozen.Load()
}

// Len returns the number of distinct keys.
func (t *MemTable) Len() int {
	return t.m.Len()
}

// Size returns the current byte footprint.
func (t *MemTable) Size() int64 {
	return t.size.Load()
}

// Generation returns the WAL generation this table correlates with.
func (t *MemTable) Generation() uint64 {
	return t.generation
}

// CreatedAt returns the table's creation time.
func (t *MemTable) CreatedAt() time.Time {
	return t.createdAt
}
