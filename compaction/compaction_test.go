package compaction

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/internal/resource"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

func rec(key, value string, seq uint64, op model.Operation) model.Record {
	r := model.Record{
		Key:       []byte(key),
		Value:     []byte(value),
		Seq:       seq,
		Timestamp: seq * 10,
		Op:        op,
	}
	r.Checksum = r.ComputeChecksum()
	return r
}

func put(key, value string, seq uint64) model.Record {
	return rec(key, value, seq, model.OpAssert)
}

func collect(t *testing.T, it Iterator) []model.Record {
	t.Helper()
	var out []model.Record
	for {
		r, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

func TestMergeIterator_InterleavedSources(t *testing.T) {
	a := NewSliceIterator([]model.Record{put("a", "1", 1), put("c", "1", 3), put("e", "1", 5)})
	b := NewSliceIterator([]model.Record{put("b", "1", 2), put("d", "1", 4)})

	m, err := NewMergeIterator(a, b)
	require.NoError(t, err)
	got := collect(t, m)

	require.Len(t, got, 5)
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, want, string(got[i].Key))
	}
}

func TestMergeIterator_NewestVersionFirstWithinKey(t *testing.T) {
	newer := NewSliceIterator([]model.Record{put("k", "v2", 9)})
	older := NewSliceIterator([]model.Record{put("k", "v1", 3)})

	m, err := NewMergeIterator(newer, older)
	require.NoError(t, err)
	got := collect(t, m)

	require.Len(t, got, 2)
	assert.Equal(t, uint64(9), got[0].Seq)
	assert.Equal(t, uint64(3), got[1].Seq)
}

func TestMergeIterator_EqualSeqLaterTimestampWins(t *testing.T) {
	early := rec("k", "early", 5, model.OpAssert)
	early.Timestamp = 100
	late := rec("k", "late", 5, model.OpAssert)
	late.Timestamp = 200

	m, err := NewMergeIterator(NewSliceIterator([]model.Record{early}), NewSliceIterator([]model.Record{late}))
	require.NoError(t, err)
	got := collect(t, m)

	require.Len(t, got, 2)
	assert.Equal(t, "late", string(got[0].Value))
}

func TestDedup_LastWriteWins(t *testing.T) {
	in := NewSliceIterator([]model.Record{put("k", "v3", 3), put("k", "v2", 2), put("k", "v1", 1)})
	got := collect(t, NewDedupIterator(in, LastWriteWins{}))

	require.Len(t, got, 1)
	assert.Equal(t, "v3", string(got[0].Value))
}

func TestDedup_FirstWins(t *testing.T) {
	in := NewSliceIterator([]model.Record{put("k", "v3", 3), put("k", "v1", 1)})
	got := collect(t, NewDedupIterator(in, FirstWins{}))

	require.Len(t, got, 1)
	assert.Equal(t, "v1", string(got[0].Value))
}

func TestDedup_MaxValueNumeric(t *testing.T) {
	num := func(v uint64) string {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return string(b[:])
	}
	in := NewSliceIterator([]model.Record{
		put("k", num(7), 3),
		put("k", num(900), 2),
		put("k", num(12), 1),
	})
	got := collect(t, NewDedupIterator(in, MaxValue{}))

	require.Len(t, got, 1)
	assert.Equal(t, uint64(900), binary.LittleEndian.Uint64(got[0].Value))
	assert.Equal(t, uint64(2), got[0].Seq)
}

func TestDedup_MaxValueSkipsTombstones(t *testing.T) {
	in := NewSliceIterator([]model.Record{
		rec("k", "", 3, model.OpRetract),
		put("k", "b", 2),
		put("k", "a", 1),
	})
	got := collect(t, NewDedupIterator(in, MaxValue{}))

	require.Len(t, got, 1)
	assert.Equal(t, "b", string(got[0].Value))
}

func TestDedup_MVCCKeepsVersions(t *testing.T) {
	in := NewSliceIterator([]model.Record{
		put("k", "v4", 4), put("k", "v3", 3), put("k", "v2", 2), put("k", "v1", 1),
	})
	got := collect(t, NewDedupIterator(in, MVCC{MaxVersions: 3}))

	require.Len(t, got, 3)
	assert.Equal(t, "v4", string(got[0].Value))
	assert.Equal(t, "v2", string(got[2].Value))
}

func TestDedup_MVCCZeroKeepsAll(t *testing.T) {
	in := NewSliceIterator([]model.Record{put("k", "v2", 2), put("k", "v1", 1)})
	got := collect(t, NewDedupIterator(in, MVCC{}))
	assert.Len(t, got, 2)
}

func TestDedup_TombstonePurgesKey(t *testing.T) {
	in := NewSliceIterator([]model.Record{
		rec("a", "", 2, model.OpRetract),
		put("a", "v1", 1),
		put("b", "kept", 1),
	})
	got := collect(t, NewDedupIterator(in, Tombstone{}))

	require.Len(t, got, 1)
	assert.Equal(t, "b", string(got[0].Key))
}

func TestDedup_TombstoneVersionsAboveRetractSurvive(t *testing.T) {
	in := NewSliceIterator([]model.Record{
		put("k", "reborn", 5),
		rec("k", "", 3, model.OpRetract),
		put("k", "old", 1),
	})
	got := collect(t, NewDedupIterator(in, Tombstone{}))

	require.Len(t, got, 1)
	assert.Equal(t, "reborn", string(got[0].Value))
}

// testView backs the compactor with a manifest store plus in-memory
// authoritative copy, the same shape the engine provides.
type testView struct {
	mu    sync.Mutex
	m     *manifest.Manifest
	store *manifest.Store
}

func newTestView(t *testing.T, fsys fs.FileSystem, dir string) *testView {
	t.Helper()
	store, err := manifest.NewStore(fsys, filepath.Join(dir, "manifest"))
	require.NoError(t, err)
	m, err := store.Load()
	require.NoError(t, err)
	return &testView{m: m, store: store}
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
	if err := v.store.Save(next); err != nil {
		return err
	}
	v.m = next
	return nil
}

func (v *testView) ReserveSegmentIDs(n int) model.SegmentID {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.m.NextSegmentID
	if id == 0 {
		id = 1
		v.m.NextSegmentID = 1
	}
	v.m.NextSegmentID += model.SegmentID(n)
	return id
}

func writeSegment(t *testing.T, fsys fs.FileSystem, dir string, id model.SegmentID, level int, recs []model.Record) manifest.SegmentInfo {
	t.Helper()
	path := manifest.SegmentPath(id)
	require.NoError(t, fsys.MkdirAll(filepath.Dir(filepath.Join(dir, path)), 0o755))
	f, err := fsys.OpenFile(filepath.Join(dir, path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)

	w, err := sstable.NewWriter(f, sstable.WriterOptions{SegmentID: id})
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Add(&recs[i]))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	return manifest.SegmentInfo{
		ID:        id,
		Level:     level,
		Path:      path,
		Count:     meta.Count,
		Size:      meta.Size,
		MinKey:    meta.MinKey,
		MaxKey:    meta.MaxKey,
		MinSeq:    meta.MinSeq,
		MaxSeq:    meta.MaxSeq,
		IndexKind: manifest.IndexKindForLevel(level, 3),
	}
}

func readAll(t *testing.T, dir, path string) []model.Record {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, path))
	require.NoError(t, err)
	defer f.Close()
	st, err := f.Stat()
	require.NoError(t, err)
	r, err := sstable.NewReader(f, st.Size())
	require.NoError(t, err)
	defer r.Close()

	var out []model.Record
	require.NoError(t, r.All(func(rec model.Record) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

// Ten overlapping level-0 segments of 100 keys each compact into a
// single sorted level-1 run holding each key exactly once, with the
// newest value surviving.
func TestCompactor_L0ToL1(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	var seq uint64
	for gen := 0; gen < 10; gen++ {
		id := view.ReserveSegmentIDs(1)
		var recs []model.Record
		for k := 0; k < 100; k++ {
			seq++
			recs = append(recs, put(fmt.Sprintf("key%03d", k), fmt.Sprintf("gen%d", gen), seq))
		}
		info := writeSegment(t, fsys, dir, id, 0, recs)
		require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
			m.AddSegment(info)
			return nil
		}))
	}

	c := New(Config{FS: fsys, Dir: dir, View: view})
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	m := view.Snapshot()
	assert.Equal(t, 0, m.SegmentCount(0))
	require.Equal(t, 1, m.SegmentCount(1))

	out := m.Levels[1].Segments[0]
	recs := readAll(t, dir, out.Path)
	require.Len(t, recs, 100)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("key%03d", i), string(r.Key))
		assert.Equal(t, "gen9", string(r.Value))
	}

	// Input files are gone once the manifest swap landed.
	for id := model.SegmentID(1); id <= 10; id++ {
		_, err := os.Stat(filepath.Join(dir, manifest.SegmentPath(id)))
		assert.True(t, os.IsNotExist(err))
	}
}

// An assert followed by a retract compacts to nothing under the
// tombstone policy.
func TestCompactor_TombstonePurge(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	infos := []manifest.SegmentInfo{
		writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{put("a", "v", 1)}),
		writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{rec("a", "", 2, model.OpRetract)}),
		writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{put("b", "v", 3)}),
		writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{put("c", "v", 4)}),
	}
	require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
		for _, info := range infos {
			m.AddSegment(info)
		}
		return nil
	}))

	c := New(Config{FS: fsys, Dir: dir, View: view, Dedup: Tombstone{}})
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	m := view.Snapshot()
	require.Equal(t, 1, m.SegmentCount(1))
	recs := readAll(t, dir, m.Levels[1].Segments[0].Path)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", string(recs[0].Key))
	assert.Equal(t, "c", string(recs[1].Key))
}

func TestCompactor_MergesOverlappingL1Run(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	l1 := writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 1, []model.Record{
		put("a", "old-a", 1), put("m", "old-m", 2), put("z", "old-z", 3),
	})
	require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
		m.AddSegment(l1)
		return nil
	}))

	for i := 0; i < 4; i++ {
		info := writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{
			put("m", fmt.Sprintf("new-m%d", i), uint64(10+i)),
		})
		require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
			m.AddSegment(info)
			return nil
		}))
	}

	c := New(Config{FS: fsys, Dir: dir, View: view})
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	m := view.Snapshot()
	require.Equal(t, 1, m.SegmentCount(1))
	recs := readAll(t, dir, m.Levels[1].Segments[0].Path)
	require.Len(t, recs, 3)
	assert.Equal(t, "old-a", string(recs[0].Value))
	assert.Equal(t, "new-m3", string(recs[1].Value))
	assert.Equal(t, "old-z", string(recs[2].Value))
}

func TestCompactor_SplitsAtTargetSize(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	var seq uint64
	for gen := 0; gen < 4; gen++ {
		var recs []model.Record
		for k := 0; k < 50; k++ {
			seq++
			recs = append(recs, put(fmt.Sprintf("key%03d", k), string(make([]byte, 100)), seq))
		}
		info := writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, recs)
		require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
			m.AddSegment(info)
			return nil
		}))
	}

	c := New(Config{FS: fsys, Dir: dir, View: view, TargetSegmentSize: 2048})
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	m := view.Snapshot()
	require.Greater(t, m.SegmentCount(1), 1)

	// Outputs are disjoint and globally sorted.
	var all []model.Record
	segs := m.Levels[1].Segments
	for i, s := range segs {
		if i > 0 {
			assert.Positive(t, model.CompareKeys(s.MinKey, segs[i-1].MaxKey))
		}
		all = append(all, readAll(t, dir, s.Path)...)
	}
	require.Len(t, all, 50)
	for i := 1; i < len(all); i++ {
		assert.Negative(t, model.CompareKeys(all[i-1].Key, all[i].Key))
	}
}

func TestCompactor_CancelLeavesInputsIntact(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	var infos []manifest.SegmentInfo
	for gen := 0; gen < 4; gen++ {
		info := writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{
			put("k", fmt.Sprintf("v%d", gen), uint64(gen+1)),
		})
		infos = append(infos, info)
	}
	require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
		for _, info := range infos {
			m.AddSegment(info)
		}
		return nil
	}))
	before := view.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Config{FS: fsys, Dir: dir, View: view})
	_, err := c.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)

	after := view.Snapshot()
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, 4, after.SegmentCount(0))
	for _, info := range infos {
		_, err := os.Stat(filepath.Join(dir, info.Path))
		assert.NoError(t, err)
	}
}

func TestCompactor_FailureBacksOff(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.NewFaultyFS(fs.Default)
	view := newTestView(t, fsys, dir)

	for gen := 0; gen < 4; gen++ {
		info := writeSegment(t, fsys, dir, view.ReserveSegmentIDs(1), 0, []model.Record{
			put("k", fmt.Sprintf("v%d", gen), uint64(gen+1)),
		})
		require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
			m.AddSegment(info)
			return nil
		}))
	}

	fsys.AddRule(".seg.tmp", fs.Fault{FailAfterBytes: 0, Err: fs.ErrInjected})
	c := New(Config{FS: fsys, Dir: dir, View: view, MaxBackoff: time.Minute})

	_, err := c.RunOnce(context.Background())
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, 4, view.Snapshot().SegmentCount(0))

	// The level pair is blacked out; the next attempt is skipped.
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestLeveledPolicy_Pick(t *testing.T) {
	p := NewLeveledPolicy()
	m := &manifest.Manifest{}

	_, ok := p.Pick(m)
	assert.False(t, ok)

	for i := 0; i < 4; i++ {
		m.AddSegment(manifest.SegmentInfo{
			ID: model.SegmentID(i + 1), Level: 0,
			MinKey: []byte("a"), MaxKey: []byte("z"), Size: 100,
		})
	}
	task, ok := p.Pick(m)
	require.True(t, ok)
	assert.Equal(t, 0, task.FromLevel)
	assert.Equal(t, 1, task.ToLevel)
	assert.Len(t, task.Inputs, 4)
}

func TestLeveledPolicy_SizeTrigger(t *testing.T) {
	p := &LeveledPolicy{L0Threshold: 4, SizeRatio: 10, BaseLevelBytes: 1000}
	m := &manifest.Manifest{}
	m.AddSegment(manifest.SegmentInfo{ID: 1, Level: 1, MinKey: []byte("a"), MaxKey: []byte("m"), Size: 600})
	m.AddSegment(manifest.SegmentInfo{ID: 2, Level: 1, MinKey: []byte("n"), MaxKey: []byte("z"), Size: 600})
	m.AddSegment(manifest.SegmentInfo{ID: 3, Level: 2, MinKey: []byte("k"), MaxKey: []byte("q"), Size: 100})

	task, ok := p.Pick(m)
	require.True(t, ok)
	assert.Equal(t, 1, task.FromLevel)
	require.Len(t, task.Inputs, 1)
	assert.Equal(t, model.SegmentID(1), task.Inputs[0].ID)
	require.Len(t, task.Overlapping, 1)
	assert.Equal(t, model.SegmentID(3), task.Overlapping[0].ID)

	assert.Equal(t, int64(1000), p.TargetSize(1))
	assert.Equal(t, int64(10000), p.TargetSize(2))
}

func TestLeveledPolicy_SkipsTiered(t *testing.T) {
	p := NewLeveledPolicy()
	m := &manifest.Manifest{}
	for i := 0; i < 4; i++ {
		m.AddSegment(manifest.SegmentInfo{
			ID: model.SegmentID(i + 1), Level: 0,
			MinKey: []byte("a"), MaxKey: []byte("z"),
			Tiered: true, TieredPath: "tiered/x",
		})
	}
	_, ok := p.Pick(m)
	assert.False(t, ok)
}

func TestCompactor_KeepInputsLeavesFilesForPinnedReaders(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	var seq uint64
	for gen := 0; gen < 4; gen++ {
		id := view.ReserveSegmentIDs(1)
		var recs []model.Record
		for k := 0; k < 20; k++ {
			seq++
			recs = append(recs, put(fmt.Sprintf("key%03d", k), fmt.Sprintf("gen%d", gen), seq))
		}
		info := writeSegment(t, fsys, dir, id, 0, recs)
		require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
			m.AddSegment(info)
			return nil
		}))
	}

	c := New(Config{FS: fsys, Dir: dir, View: view, KeepInputs: true})
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	m := view.Snapshot()
	assert.Equal(t, 0, m.SegmentCount(0))
	require.Equal(t, 1, m.SegmentCount(1))

	// Retired inputs stay on disk; their lifetime belongs to the owner.
	for id := model.SegmentID(1); id <= 4; id++ {
		_, err := os.Stat(filepath.Join(dir, manifest.SegmentPath(id)))
		assert.NoError(t, err)
	}
}

func TestCompactor_RateLimitedOutputMatchesUnlimited(t *testing.T) {
	dir := t.TempDir()
	fsys := fs.Default
	view := newTestView(t, fsys, dir)

	var seq uint64
	for gen := 0; gen < 4; gen++ {
		id := view.ReserveSegmentIDs(1)
		var recs []model.Record
		for k := 0; k < 50; k++ {
			seq++
			recs = append(recs, put(fmt.Sprintf("key%03d", k), fmt.Sprintf("gen%d", gen), seq))
		}
		info := writeSegment(t, fsys, dir, id, 0, recs)
		require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
			m.AddSegment(info)
			return nil
		}))
	}

	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 64 << 20})
	c := New(Config{FS: fsys, Dir: dir, View: view, Controller: rc})
	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	m := view.Snapshot()
	require.Equal(t, 1, m.SegmentCount(1))
	recs := readAll(t, dir, m.Levels[1].Segments[0].Path)
	require.Len(t, recs, 50)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("key%03d", i), string(r.Key))
		assert.Equal(t, "gen3", string(r.Value))
	}
}
