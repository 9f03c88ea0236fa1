// Package engine orchestrates the write path, the leveled read path and
// the background jobs of the store: WAL-backed memtables flush into
// level-0 segments, compaction folds levels together, tiering retires
// cold segments to object storage, and external columnar files resolve
// after the native tree misses.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratadb/strata/cache"
	"github.com/stratadb/strata/compaction"
	"github.com/stratadb/strata/extfile"
	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/internal/resource"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/memtable"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/tiered"
	"github.com/stratadb/strata/wal"
)

// Engine is one storage partition. All operations are safe for
// concurrent use.
type Engine struct {
	dir  string
	opts Options

	mu        sync.RWMutex
	flushCond *sync.Cond
	closed    bool

	active     *memtable.MemTable
	activeWAL  *wal.WAL
	immutables []*memtable.MemTable // newest first, flush takes the tail

	man      *manifest.Manifest
	manStore *manifest.Store
	handles  map[model.SegmentID]*segmentHandle

	seq      atomic.Uint64
	flushing atomic.Bool
	flushMu  sync.Mutex

	pool       *WorkerPool
	compactor  *compaction.Compactor
	tieredMgr  *tiered.Manager
	extMgr     *extfile.Manager
	blockCache cache.BlockCache
	ownsCache  bool
	rc         *resource.Controller
	logger     *slog.Logger

	flushCh   chan struct{}
	compactCh chan struct{}
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Open opens or creates an engine rooted at dir. Recovery discards
// segment files the manifest does not reference and replays every WAL
// generation the manifest has not seen flushed.
func Open(dir string, options ...Option) (*Engine, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.FS == nil {
		opts.FS = fs.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Controller == nil {
		opts.Controller = resource.NewController(resource.Config{
			MemoryLimitBytes:     1 << 30,
			MaxBackgroundWorkers: int64(opts.Workers),
		})
	}

	e := &Engine{
		dir:       dir,
		opts:      opts,
		handles:   make(map[model.SegmentID]*segmentHandle),
		rc:        opts.Controller,
		logger:    opts.Logger,
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
	e.flushCond = sync.NewCond(&e.mu)

	for _, sub := range []string{"segments", "wal", "external"} {
		if err := opts.FS.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("engine: create %s dir: %w", sub, err)
		}
	}

	manStore, err := manifest.NewStore(opts.FS, filepath.Join(dir, "manifest"))
	if err != nil {
		return nil, err
	}
	m, err := manStore.Load()
	if err != nil {
		return nil, err
	}
	e.manStore = manStore
	e.man = m

	if e.blockCache = opts.Cache; e.blockCache == nil {
		e.blockCache = cache.NewShardedLRU(opts.BlockCacheSize, e.rc)
		e.ownsCache = true
	}

	if opts.TieredStore != nil {
		if opts.TieredPolicy == nil {
			opts.TieredPolicy = tiered.AgePolicy{MaxAge: 24 * time.Hour}
		}
		mgr, err := tiered.New(tiered.Config{
			FS: opts.FS, Dir: dir, View: e,
			Store:      opts.TieredStore,
			Policy:     opts.TieredPolicy,
			Cache:      e.blockCache,
			MinLevel:   1,
			Controller: e.rc,
			Logger:     e.logger,
		})
		if err != nil {
			return nil, err
		}
		e.tieredMgr = mgr
	}
	e.extMgr = extfile.New(extfile.Config{FS: opts.FS, Dir: dir, View: e})

	leveled := compaction.NewLeveledPolicy()
	leveled.L0Threshold = opts.L0Threshold
	e.compactor = compaction.New(compaction.Config{
		FS: opts.FS, Dir: dir, View: e,
		Dedup:             opts.Dedup,
		Leveled:           leveled,
		TargetSegmentSize: opts.TargetSegmentSize,
		Compression:       opts.Compression,
		ColdLevel:         opts.ColdLevel,
		Controller:        e.rc,
		KeepInputs:        true,
		Logger:            e.logger,
	})

	if err := e.recover(); err != nil {
		return nil, err
	}

	for _, s := range e.man.AllSegments() {
		e.handles[s.ID] = newSegmentHandle(e, s)
	}

	e.pool = NewWorkerPool(opts.Workers)
	e.wg.Add(2)
	goSafe(e.logger, e.runFlushLoop)
	goSafe(e.logger, e.runCompactionLoop)
	if e.tieredMgr != nil {
		e.wg.Add(1)
		goSafe(e.logger, e.runTieringLoop)
	}
	if e.opts.ColdPromotionAge > 0 {
		e.wg.Add(1)
		goSafe(e.logger, e.runPromotionLoop)
	}
	return e, nil
}

// Put inserts or replaces the value for a key.
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	return e.write(ctx, key, value, model.OpAssert)
}

// Retract writes a tombstone for a key. The space is reclaimed later by
// compaction, never by the call itself.
func (e *Engine) Retract(ctx context.Context, key []byte) error {
	return e.write(ctx, key, nil, model.OpRetract)
}

func (e *Engine) write(ctx context.Context, key, value []byte, op model.Operation) error {
	if len(key) == 0 {
		return fmt.Errorf("engine: empty key")
	}

	rec := model.Record{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: uint64(time.Now().UnixNano()),
		Op:        op,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	// Rotate before the WAL append so the record's durability always
	// lives in the WAL generation its memtable flushes from.
	if e.active.Len() > 0 && e.active.Size()+int64(rec.Size()) > e.opts.MemTableSize {
		if err := e.rotateLocked(); err != nil {
			return err
		}
	}

	rec.Seq = e.seq.Add(1)
	rec.Checksum = rec.ComputeChecksum()

	if err := e.activeWAL.Append(&rec); err != nil {
		return err
	}
	if err := e.active.Write(rec); err != nil {
		return err
	}
	return nil
}

// rotateLocked freezes the active memtable and starts a fresh one with
// its own WAL generation. Stalls when the flush queue is full.
func (e *Engine) rotateLocked() error {
	for len(e.immutables) >= e.opts.MaxImmutables && !e.closed {
		e.signalFlush()
		e.flushCond.Wait()
	}
	if e.closed {
		return ErrClosed
	}

	e.active.Freeze()
	e.immutables = append([]*memtable.MemTable{e.active}, e.immutables...)
	if err := e.activeWAL.Close(); err != nil {
		return fmt.Errorf("engine: close wal: %w", err)
	}

	gen := e.active.Generation() + 1
	w, err := wal.Open(e.opts.FS, filepath.Join(e.dir, manifest.WALPath(gen)), e.opts.WAL)
	if err != nil {
		return fmt.Errorf("engine: open wal generation %d: %w", gen, err)
	}
	e.activeWAL = w
	e.active = memtable.New(gen, e.opts.MemTableSize)
	e.signalFlush()
	return nil
}

// Get returns the newest value for a key. Lookup order is the active
// memtable, frozen memtables newest first, level 0 newest first, then
// each deeper level, then external files. The first hit wins.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrClosed
	}

	if rec, ok := e.active.Read(key); ok {
		e.mu.RUnlock()
		return recordValue(rec)
	}
	for _, mt := range e.immutables {
		if rec, ok := mt.Read(key); ok {
			e.mu.RUnlock()
			return recordValue(rec)
		}
	}

	// Pin every segment the probe may touch, then search outside the
	// lock so compaction commits never wait on reads.
	var pinned []*segmentHandle
	for _, lvl := range e.man.Levels {
		for _, s := range lvl.Segments {
			if !s.Contains(key) {
				continue
			}
			if h, ok := e.handles[s.ID]; ok && h.acquire() {
				pinned = append(pinned, h)
			}
		}
	}
	e.mu.RUnlock()

	defer func() {
		for _, h := range pinned {
			h.release()
		}
	}()
	for _, h := range pinned {
		rec, ok, err := h.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return recordValue(rec)
		}
	}

	if value, ok, err := e.extMgr.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}
	return nil, ErrNotFound
}

func recordValue(rec model.Record) ([]byte, error) {
	if rec.Op == model.OpRetract {
		return nil, ErrNotFound
	}
	return rec.Value, nil
}

// Scan calls fn for every live key in [start, end] in ascending order,
// applying recency across levels. A nil end means no upper bound.
// External files are keyed artifacts and are not part of range scans.
func (e *Engine) Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	sources, pinned, err := e.scanSources(ctx, start, end)
	defer func() {
		for _, h := range pinned {
			h.release()
		}
	}()
	if err != nil {
		return err
	}

	merged, err := compaction.NewMergeIterator(sources...)
	if err != nil {
		return err
	}
	stream := compaction.NewDedupIterator(merged, compaction.LastWriteWins{})
	for {
		rec, ok, err := stream.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if rec.Op == model.OpRetract {
			continue
		}
		if err := fn(rec.Key, rec.Value); err != nil {
			return err
		}
	}
}

// scanSources snapshots every in-range record source, newest first.
func (e *Engine) scanSources(ctx context.Context, start, end []byte) ([]compaction.Iterator, []*segmentHandle, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, nil, ErrClosed
	}

	tables := append([]*memtable.MemTable{e.active}, e.immutables...)
	var pinned []*segmentHandle
	for _, lvl := range e.man.Levels {
		for _, s := range lvl.Segments {
			if end != nil && model.CompareKeys(s.MinKey, end) > 0 {
				continue
			}
			if model.CompareKeys(s.MaxKey, start) < 0 {
				continue
			}
			if h, ok := e.handles[s.ID]; ok && h.acquire() {
				pinned = append(pinned, h)
			}
		}
	}
	e.mu.RUnlock()

	var sources []compaction.Iterator
	for _, mt := range tables {
		var recs []model.Record
		err := mt.Iterate(func(rec model.Record) error {
			if model.CompareKeys(rec.Key, start) < 0 {
				return nil
			}
			if end != nil && model.CompareKeys(rec.Key, end) > 0 {
				return nil
			}
			recs = append(recs, rec)
			return nil
		})
		if err != nil {
			return nil, pinned, err
		}
		sources = append(sources, compaction.NewSliceIterator(recs))
	}

	for _, h := range pinned {
		var recs []model.Record
		err := h.scan(ctx, start, end, func(rec model.Record) error {
			recs = append(recs, rec)
			return nil
		})
		if err != nil {
			return nil, pinned, err
		}
		sources = append(sources, compaction.NewSliceIterator(recs))
	}
	return sources, pinned, nil
}

// RegisterExternal records an already-columnar external file in the
// manifest. The payload is referenced, never copied.
func (e *Engine) RegisterExternal(ctx context.Context, ref model.FileReference) error {
	return e.extMgr.Register(ctx, ref)
}

// UnregisterExternal drops an external file reference.
func (e *Engine) UnregisterExternal(ctx context.Context, path string) error {
	return e.extMgr.Unregister(ctx, path)
}

// DeleteExternalRow masks one row of an external file.
func (e *Engine) DeleteExternalRow(ctx context.Context, path string, row uint32) error {
	return e.extMgr.DeleteRow(ctx, path, row)
}

// PromoteSegment rewrites a cold native segment as an external columnar
// file.
func (e *Engine) PromoteSegment(ctx context.Context, id model.SegmentID) error {
	e.mu.RLock()
	info, ok := e.man.FindSegment(id)
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: segment %d not found", id)
	}
	return e.extMgr.PromoteSegment(ctx, info)
}

// Flush freezes the active memtable and blocks until every frozen
// memtable has reached level 0.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.active.Len() > 0 {
		if err := e.rotateLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	e.mu.Unlock()

	for {
		if err := e.flushOne(); err != nil {
			return err
		}
		e.mu.RLock()
		pending := len(e.immutables)
		e.mu.RUnlock()
		if pending == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Stats reports engine state for observability and tests.
type Stats struct {
	Seq            uint64
	MemTableBytes  int64
	Immutables     int
	SegmentsPer    map[int]int
	TieredSegments int
	ExternalFiles  int
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Stats{
		Seq:           e.seq.Load(),
		MemTableBytes: e.active.Size(),
		Immutables:    len(e.immutables),
		SegmentsPer:   make(map[int]int),
		ExternalFiles: len(e.man.External),
	}
	for _, lvl := range e.man.Levels {
		if len(lvl.Segments) > 0 {
			st.SegmentsPer[lvl.Level] = len(lvl.Segments)
		}
		for _, s := range lvl.Segments {
			if s.Tiered {
				st.TieredSegments++
			}
		}
	}
	return st
}

// Close flushes nothing; it stops background work, closes the WAL and
// releases every open segment. Unflushed memtables recover from their
// WALs on the next Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.flushCond.Broadcast()
	e.mu.Unlock()

	close(e.closeCh)
	e.wg.Wait()
	e.pool.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.activeWAL.Close()
	for id, h := range e.handles {
		h.retire()
		delete(e.handles, id)
	}
	if e.tieredMgr != nil {
		_ = e.tieredMgr.Close()
	}
	_ = e.extMgr.Close()
	if e.ownsCache {
		if c, ok := e.blockCache.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
	return err
}

// Snapshot returns an immutable copy of the current manifest.
func (e *Engine) Snapshot() *manifest.Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.man.Clone()
}

// Commit applies a mutation to the manifest copy-on-write, persists it,
// and swaps it in. Segment handles follow the diff: retired segments
// release once their in-flight reads finish.
func (e *Engine) Commit(apply func(m *manifest.Manifest) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	next := e.man.Clone()
	if err := apply(next); err != nil {
		return err
	}
	next.MaxSeq = e.seq.Load()
	if err := e.manStore.Save(next); err != nil {
		return err
	}

	live := make(map[model.SegmentID]manifest.SegmentInfo)
	for _, s := range next.AllSegments() {
		live[s.ID] = s
	}
	for id, h := range e.handles {
		info, ok := live[id]
		if !ok {
			h.retireAndDrop()
			delete(e.handles, id)
			continue
		}
		// A segment that moved to the tiered store needs reopening
		// through the fetch path.
		if info.Tiered && !h.info.Tiered {
			h.retire()
			e.handles[id] = newSegmentHandle(e, info)
		}
	}
	for id, info := range live {
		if _, ok := e.handles[id]; !ok {
			e.handles[id] = newSegmentHandle(e, info)
		}
	}

	e.man = next
	return nil
}

// ReserveSegmentIDs hands out fresh segment ids. Reservations that die
// with a crash leave only orphan files, which recovery removes.
func (e *Engine) ReserveSegmentIDs(n int) model.SegmentID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.man.NextSegmentID == 0 {
		e.man.NextSegmentID = 1
	}
	id := e.man.NextSegmentID
	e.man.NextSegmentID += model.SegmentID(n)
	return id
}

// recover removes unreferenced segment files and replays WAL
// generations the manifest has not recorded as flushed.
func (e *Engine) recover() error {
	if err := e.removeOrphans(); err != nil {
		return err
	}
	e.seq.Store(e.man.MaxSeq)

	gens, err := e.walGenerations()
	if err != nil {
		return err
	}

	maxGen := e.man.WALGeneration
	for _, gen := range gens {
		if gen < e.man.WALGeneration {
			// Flushed before the crash; the file just outlived it.
			_ = e.opts.FS.Remove(filepath.Join(e.dir, manifest.WALPath(gen)))
			continue
		}
		if gen > maxGen {
			maxGen = gen
		}
		mt, err := e.replayGeneration(gen)
		if err != nil {
			return err
		}
		if mt.Len() == 0 {
			_ = e.opts.FS.Remove(filepath.Join(e.dir, manifest.WALPath(gen)))
			continue
		}
		mt.Freeze()
		e.immutables = append([]*memtable.MemTable{mt}, e.immutables...)
	}

	gen := maxGen + 1
	w, err := wal.Open(e.opts.FS, filepath.Join(e.dir, manifest.WALPath(gen)), e.opts.WAL)
	if err != nil {
		return err
	}
	e.activeWAL = w
	e.active = memtable.New(gen, e.opts.MemTableSize)

	if len(e.immutables) > 0 {
		e.signalFlush()
	}
	return nil
}

// replayGeneration rebuilds the memtable a WAL generation backed. A
// torn tail stops replay at the last valid frame.
func (e *Engine) replayGeneration(gen uint64) (*memtable.MemTable, error) {
	// No size bound: the WAL was written against the same threshold,
	// and replay must accept everything it holds.
	mt := memtable.New(gen, 1<<62)
	path := filepath.Join(e.dir, manifest.WALPath(gen))
	n, err := wal.Replay(e.opts.FS, path, func(rec model.Record) error {
		if rec.Seq > e.seq.Load() {
			e.seq.Store(rec.Seq)
		}
		return mt.Write(rec)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: replay wal generation %d: %w", gen, err)
	}
	if n > 0 {
		e.logger.Info("wal replayed", "generation", gen, "records", n)
	}
	return mt, nil
}

func (e *Engine) walGenerations() ([]uint64, error) {
	entries, err := e.opts.FS.ReadDir(filepath.Join(e.dir, "wal"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var gens []uint64
	for _, entry := range entries {
		name := entry.Name()
		rest, ok := strings.CutPrefix(name, "wal_")
		if !ok {
			continue
		}
		rest, ok = strings.CutSuffix(rest, ".log")
		if !ok {
			continue
		}
		gen, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, gen)
	}
	sortUint64(gens)
	return gens, nil
}

// removeOrphans deletes segment files the manifest does not reference,
// the leftovers of flushes and compactions that died before committing.
func (e *Engine) removeOrphans() error {
	segDir := filepath.Join(e.dir, "segments")
	entries, err := e.opts.FS.ReadDir(segDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	live := make(map[string]bool)
	for _, s := range e.man.AllSegments() {
		live[filepath.Base(s.Path)] = true
	}
	for _, entry := range entries {
		name := entry.Name()
		if live[name] {
			continue
		}
		if strings.HasPrefix(name, "segment_") || strings.HasSuffix(name, ".tmp") {
			e.logger.Info("removing orphan segment file", "file", name)
			if err := e.opts.FS.Remove(filepath.Join(segDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (e *Engine) signalFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

func (e *Engine) signalCompaction() {
	select {
	case e.compactCh <- struct{}{}:
	default:
	}
}
