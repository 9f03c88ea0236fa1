package tiered

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/blobstore"
	"github.com/stratadb/strata/cache"
	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

type testView struct {
	mu sync.Mutex
	m  *manifest.Manifest
}

func (v *testView) Snapshot() *manifest.Manifest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.m.Clone()
}

func (v *testView) Commit(apply func(m *manifest.Manifest) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next := v.m.Clone()
	if err := apply(next); err != nil {
		return err
	}
	next.ID++
	v.m = next
	return nil
}

func writeSegment(t *testing.T, dir string, id model.SegmentID, level int, createdAt int64) manifest.SegmentInfo {
	t.Helper()
	p := manifest.SegmentPath(id)
	full := filepath.Join(dir, p)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	f, err := os.Create(full)
	require.NoError(t, err)

	w, err := sstable.NewWriter(f, sstable.WriterOptions{SegmentID: id})
	require.NoError(t, err)
	for k := 0; k < 10; k++ {
		rec := model.Record{
			Key:   []byte(fmt.Sprintf("seg%d-key%02d", id, k)),
			Value: []byte("value"),
			Seq:   uint64(id)*100 + uint64(k),
			Op:    model.OpAssert,
		}
		rec.Checksum = rec.ComputeChecksum()
		require.NoError(t, w.Add(&rec))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	return manifest.SegmentInfo{
		ID: id, Level: level, Path: p,
		Count: meta.Count, Size: meta.Size,
		MinKey: meta.MinKey, MaxKey: meta.MaxKey,
		MinSeq: meta.MinSeq, MaxSeq: meta.MaxSeq,
		IndexKind: manifest.IndexKindForLevel(level, 3),
		CreatedAt: createdAt,
	}
}

func newManager(t *testing.T, dir string, view View, store blobstore.BlobStore, policy Policy, opts ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		FS: fs.Default, Dir: dir, View: view, Store: store, Policy: policy,
		FetchBackoff: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_TiersByAgeAndFetchesBack(t *testing.T) {
	dir := t.TempDir()
	old := writeSegment(t, dir, 1, 2, time.Now().Add(-2*time.Hour).Unix())
	fresh := writeSegment(t, dir, 2, 2, time.Now().Unix())

	view := &testView{m: &manifest.Manifest{}}
	view.m.AddSegment(old)
	view.m.AddSegment(fresh)

	store := blobstore.NewMemoryStore()
	mgr := newManager(t, dir, view, store, AgePolicy{MaxAge: time.Hour})

	moved, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	m := view.Snapshot()
	got, ok := m.FindSegment(1)
	require.True(t, ok)
	assert.True(t, got.Tiered)
	assert.Equal(t, BlobName(1), got.TieredPath)

	_, err = os.Stat(filepath.Join(dir, old.Path))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, fresh.Path))
	assert.NoError(t, err)

	// Fetched bytes decode as the original segment.
	data, err := mgr.Fetch(context.Background(), got)
	require.NoError(t, err)
	r, err := sstable.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint32(10), r.Count())
	rec, err := r.Get([]byte("seg1-key03"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(rec.Value))
}

func TestManager_MinLevelProtectsYoungSegments(t *testing.T) {
	dir := t.TempDir()
	l0 := writeSegment(t, dir, 1, 0, 0)

	view := &testView{m: &manifest.Manifest{}}
	view.m.AddSegment(l0)

	mgr := newManager(t, dir, view, blobstore.NewMemoryStore(),
		PolicyFunc(func(manifest.SegmentInfo, SegmentStats) bool { return true }))

	moved, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestManager_DiskUsagePolicyStopsAtBudget(t *testing.T) {
	dir := t.TempDir()
	view := &testView{m: &manifest.Manifest{}}
	var total int64
	for id := model.SegmentID(1); id <= 4; id++ {
		info := writeSegment(t, dir, id, 1, 0)
		view.m.AddSegment(info)
		total += info.Size
	}

	// Budget allows roughly two segments to stay local.
	budget := total / 2
	mgr := newManager(t, dir, view, blobstore.NewMemoryStore(), DiskUsagePolicy{MaxLocalBytes: budget})

	moved, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	var local int64
	for _, s := range view.Snapshot().AllSegments() {
		if !s.Tiered {
			local += s.Size
		}
	}
	assert.LessOrEqual(t, local, budget)
}

func TestManager_AccessCountPolicy(t *testing.T) {
	dir := t.TempDir()
	hot := writeSegment(t, dir, 1, 1, 0)
	cold := writeSegment(t, dir, 2, 1, 0)

	view := &testView{m: &manifest.Manifest{}}
	view.m.AddSegment(hot)
	view.m.AddSegment(cold)

	mgr := newManager(t, dir, view, blobstore.NewMemoryStore(), AccessCountPolicy{MaxAccesses: 2})
	for i := 0; i < 5; i++ {
		mgr.RecordAccess(hot.ID)
	}

	moved, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	got, _ := view.Snapshot().FindSegment(cold.ID)
	assert.True(t, got.Tiered)
	got, _ = view.Snapshot().FindSegment(hot.ID)
	assert.False(t, got.Tiered)
}

func TestManager_FetchUsesCache(t *testing.T) {
	dir := t.TempDir()
	info := writeSegment(t, dir, 1, 2, 0)

	view := &testView{m: &manifest.Manifest{}}
	view.m.AddSegment(info)

	store := &countingStore{BlobStore: blobstore.NewMemoryStore()}
	lru := cache.NewLRU(1<<20, nil)
	mgr := newManager(t, dir, view, store, PolicyFunc(func(manifest.SegmentInfo, SegmentStats) bool { return true }),
		func(c *Config) { c.Cache = lru })

	_, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	tiered, _ := view.Snapshot().FindSegment(1)

	first, err := mgr.Fetch(context.Background(), tiered)
	require.NoError(t, err)
	opens := store.opens.Load()

	second, err := mgr.Fetch(context.Background(), tiered)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, opens, store.opens.Load())
}

func TestManager_RefetchReplacesDamagedCacheEntry(t *testing.T) {
	dir := t.TempDir()
	info := writeSegment(t, dir, 1, 2, 0)

	view := &testView{m: &manifest.Manifest{}}
	view.m.AddSegment(info)

	store := blobstore.NewMemoryStore()
	lru := cache.NewLRU(1<<20, nil)
	mgr := newManager(t, dir, view, store, PolicyFunc(func(manifest.SegmentInfo, SegmentStats) bool { return true }),
		func(c *Config) { c.Cache = lru })

	_, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	tiered, _ := view.Snapshot().FindSegment(1)

	good, err := mgr.Fetch(context.Background(), tiered)
	require.NoError(t, err)

	// Damage the cached copy. Fetch serves it back verbatim; Refetch
	// goes to the store and restores the cache.
	key := cache.Key{Kind: cache.KindTieredSegment, SegmentID: tiered.ID}
	lru.Set(context.Background(), key, []byte("garbage"))

	stale, err := mgr.Fetch(context.Background(), tiered)
	require.NoError(t, err)
	assert.Equal(t, []byte("garbage"), stale)

	repaired, err := mgr.Refetch(context.Background(), tiered)
	require.NoError(t, err)
	assert.Equal(t, good, repaired)

	cached, ok := lru.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, good, cached)
}

func TestManager_FetchRetriesThenUnavailable(t *testing.T) {
	dir := t.TempDir()
	view := &testView{m: &manifest.Manifest{}}
	flaky := &failingStore{err: errors.New("connection reset")}
	mgr := newManager(t, dir, view, flaky, AgePolicy{MaxAge: time.Hour},
		func(c *Config) { c.FetchRetries = 2 })

	info := manifest.SegmentInfo{ID: 9, Tiered: true, TieredPath: BlobName(9)}
	_, err := mgr.Fetch(context.Background(), info)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, flaky.attempts)
}

func TestManager_FetchMissingBlobIsNotRetried(t *testing.T) {
	dir := t.TempDir()
	view := &testView{m: &manifest.Manifest{}}
	store := blobstore.NewMemoryStore()
	mgr := newManager(t, dir, view, store, AgePolicy{MaxAge: time.Hour})

	info := manifest.SegmentInfo{ID: 9, Tiered: true, TieredPath: BlobName(9)}
	_, err := mgr.Fetch(context.Background(), info)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestManager_FetchLocalSegmentRejected(t *testing.T) {
	dir := t.TempDir()
	view := &testView{m: &manifest.Manifest{}}
	mgr := newManager(t, dir, view, blobstore.NewMemoryStore(), AgePolicy{MaxAge: time.Hour})

	_, err := mgr.Fetch(context.Background(), manifest.SegmentInfo{ID: 1})
	assert.Error(t, err)
}

type countingStore struct {
	blobstore.BlobStore
	opens atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	s.opens.Add(1)
	return s.BlobStore.Open(ctx, name)
}

type failingStore struct {
	err      error
	attempts int
}

func (s *failingStore) Open(context.Context, string) (blobstore.Blob, error) {
	s.attempts++
	return nil, s.err
}

func (s *failingStore) Create(context.Context, string) (blobstore.WritableBlob, error) {
	return nil, s.err
}

func (s *failingStore) Put(context.Context, string, []byte) error { return s.err }
func (s *failingStore) Delete(context.Context, string) error      { return s.err }
func (s *failingStore) List(context.Context, string) ([]string, error) {
	return nil, s.err
}
