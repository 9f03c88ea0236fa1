package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stratadb/strata/index"
	"github.com/stratadb/strata/internal/mmap"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

// segmentHandle is one open segment plus its level-appropriate lookup
// structure. Handles are refcounted: the manifest holds one reference,
// every in-flight read another, and the backing resources are released
// when the last reference drops after retirement.
type segmentHandle struct {
	info manifest.SegmentInfo
	eng  *Engine

	refs atomic.Int32 // starts at 1, the manifest's reference

	dropFile atomic.Bool // delete the local file once the last ref drops

	mu      sync.Mutex
	opened  bool
	mp      *mmap.Mapping
	rdr     *sstable.Reader
	entries []model.IndexEntry

	ph     *index.PerfectHash
	bloom  *index.Bloom
	sparse *index.Sparse
}

func newSegmentHandle(eng *Engine, info manifest.SegmentInfo) *segmentHandle {
	h := &segmentHandle{info: info, eng: eng}
	h.refs.Store(1)
	return h
}

func (h *segmentHandle) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *segmentHandle) release() {
	if h.refs.Add(-1) == 0 {
		h.destroy()
	}
}

// retire drops the manifest's reference. Resources go away once the
// last in-flight read releases.
func (h *segmentHandle) retire() {
	h.release()
}

// retireAndDrop retires the handle and deletes the backing file once
// the last pinned reader releases. Readers that pinned the segment
// before it left the manifest keep a readable file until then.
func (h *segmentHandle) retireAndDrop() {
	h.dropFile.Store(true)
	h.release()
}

func (h *segmentHandle) destroy() {
	h.mu.Lock()
	if h.rdr != nil {
		_ = h.rdr.Close()
		h.rdr = nil
	}
	if h.mp != nil {
		_ = h.mp.Close()
		h.mp = nil
	}
	h.opened = false
	h.mu.Unlock()

	if h.dropFile.Load() && !h.info.Tiered {
		_ = h.eng.opts.FS.Remove(filepath.Join(h.eng.dir, h.info.Path))
	}
}

// open maps the segment (or fetches it from tiered storage) and builds
// the index structure its level mandates. Called lazily on first read.
func (h *segmentHandle) open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opened {
		return nil
	}

	if h.info.Tiered {
		if h.eng.tieredMgr == nil {
			return fmt.Errorf("engine: segment %d is tiered but no tiered store is configured", h.info.ID)
		}
		h.eng.tieredMgr.RecordAccess(h.info.ID)
		data, err := h.eng.tieredMgr.Fetch(ctx, h.info)
		if err != nil {
			return err
		}
		rdr, err := sstable.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil && isCorrupt(err) {
			// The cached copy may be damaged; the tiered store holds
			// the authoritative bytes.
			if data, err = h.eng.tieredMgr.Refetch(ctx, h.info); err != nil {
				return err
			}
			rdr, err = sstable.NewReader(bytes.NewReader(data), int64(len(data)))
		}
		if err != nil {
			return fmt.Errorf("engine: open tiered segment %d: %w", h.info.ID, err)
		}
		h.rdr = rdr
	} else {
		mp, err := mmap.Open(filepath.Join(h.eng.dir, h.info.Path))
		if err != nil {
			return fmt.Errorf("engine: map segment %d: %w", h.info.ID, err)
		}
		_ = mp.Advise(mmap.AccessRandom)
		rdr, err := sstable.NewReader(mp, int64(mp.Size()))
		if err != nil {
			_ = mp.Close()
			return fmt.Errorf("engine: open segment %d: %w", h.info.ID, err)
		}
		h.mp = mp
		h.rdr = rdr
	}

	entries, err := h.rdr.Index()
	if err != nil {
		return fmt.Errorf("engine: load index of segment %d: %w", h.info.ID, err)
	}
	h.entries = entries

	switch h.info.IndexKind {
	case manifest.IndexPerfectHash:
		ph, err := index.BuildPerfectHash(entries)
		if err != nil {
			// Rare pathological key sets; serve the segment through the
			// sparse index instead of failing reads.
			h.eng.logger.Warn("perfect hash build failed, using sparse index",
				"segment", h.info.ID, "error", err)
			h.sparse = index.NewSparse(entries, h.eng.opts.SparseInterval)
		} else {
			h.ph = ph
		}
	case manifest.IndexBloomSparse:
		bloom := index.NewBloom(len(entries), h.eng.opts.BloomFPR)
		for _, e := range entries {
			bloom.Add(e.Key)
		}
		h.bloom = bloom
		h.sparse = index.NewSparse(entries, h.eng.opts.SparseInterval)
	default:
		h.sparse = index.NewSparse(entries, h.eng.opts.SparseInterval)
	}

	h.opened = true
	return nil
}

// get looks one key up in this segment.
func (h *segmentHandle) get(ctx context.Context, key []byte) (model.Record, bool, error) {
	if !h.info.Contains(key) {
		return model.Record{}, false, nil
	}
	if err := h.open(ctx); err != nil {
		return model.Record{}, false, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ph != nil {
		e, ok := h.ph.Lookup(key)
		if !ok {
			return model.Record{}, false, nil
		}
		rec, err := h.readEntry(ctx, e)
		if err != nil {
			return model.Record{}, false, err
		}
		return rec, true, nil
	}

	if h.bloom != nil && !h.bloom.MayContain(key) {
		return model.Record{}, false, nil
	}
	floor, ok := h.sparse.Floor(key)
	if !ok {
		return model.Record{}, false, nil
	}

	// Local scan from the sparse sample toward the key.
	start := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].Offset >= floor.Offset
	})
	for i := start; i < len(h.entries); i++ {
		cmp := model.CompareKeys(h.entries[i].Key, key)
		if cmp > 0 {
			return model.Record{}, false, nil
		}
		if cmp == 0 {
			rec, err := h.readEntry(ctx, h.entries[i])
			if err != nil {
				return model.Record{}, false, err
			}
			return rec, true, nil
		}
	}
	return model.Record{}, false, nil
}

// scan calls fn for every record in [start, end], in key order. A nil
// end means no upper bound.
func (h *segmentHandle) scan(ctx context.Context, start, end []byte, fn func(model.Record) error) error {
	if err := h.open(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	from := sort.Search(len(h.entries), func(i int) bool {
		return model.CompareKeys(h.entries[i].Key, start) >= 0
	})
	for i := from; i < len(h.entries); i++ {
		if end != nil && model.CompareKeys(h.entries[i].Key, end) > 0 {
			return nil
		}
		rec, err := h.readEntry(ctx, h.entries[i])
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// readEntry reads one record, retrying once through a fresh download
// when a tiered segment's bytes fail verification. Caller holds h.mu.
func (h *segmentHandle) readEntry(ctx context.Context, e model.IndexEntry) (model.Record, error) {
	rec, err := h.rdr.ReadEntry(e)
	if err == nil || !h.info.Tiered || !isCorrupt(err) {
		return rec, err
	}
	if rerr := h.repairTiered(ctx); rerr != nil {
		return model.Record{}, err
	}
	return h.rdr.ReadEntry(e)
}

// repairTiered swaps in freshly downloaded segment bytes. Record
// offsets are identical to the damaged copy, so the index structures
// stay valid. Caller holds h.mu.
func (h *segmentHandle) repairTiered(ctx context.Context) error {
	data, err := h.eng.tieredMgr.Refetch(ctx, h.info)
	if err != nil {
		return err
	}
	rdr, err := sstable.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	_ = h.rdr.Close()
	h.rdr = rdr
	return nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, sstable.ErrCorrupted) ||
		errors.Is(err, sstable.ErrInvalidCRC) ||
		errors.Is(err, sstable.ErrInvalidMagic)
}
