package extfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/fs"
	ihash "github.com/stratadb/strata/internal/hash"
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

func sortedRecords(n int) []model.Record {
	recs := make([]model.Record, n)
	for i := range recs {
		recs[i] = model.Record{
			Key:   []byte(fmt.Sprintf("key%04d", i)),
			Value: []byte(fmt.Sprintf("value-%d", i)),
			Seq:   uint64(i + 1),
			Op:    model.OpAssert,
		}
		recs[i].Checksum = recs[i].ComputeChecksum()
	}
	return recs
}

func TestColumnar_EncodeLookup(t *testing.T) {
	recs := sortedRecords(50)
	data := EncodeColumnar(recs)

	var dec Columnar
	require.NoError(t, dec.Validate(data))
	rows, err := dec.Rows(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), rows)

	value, row, ok, err := dec.Lookup(data, []byte("key0031"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(31), row)
	assert.Equal(t, "value-31", string(value))

	_, _, ok, err = dec.Lookup(data, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestColumnar_RejectsTruncated(t *testing.T) {
	data := EncodeColumnar(sortedRecords(10))
	var dec Columnar
	assert.ErrorIs(t, dec.Validate(data[:len(data)-3]), ErrBadFormat)
	assert.ErrorIs(t, dec.Validate([]byte("nope")), ErrBadFormat)
}

func TestArray_EncodeLookup(t *testing.T) {
	var keys, values [][]byte
	for i := 0; i < 20; i++ {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		v := make([]byte, 4)
		binary.LittleEndian.PutUint32(v, uint32(i*i))
		keys = append(keys, k)
		values = append(values, v)
	}
	data, err := EncodeArray(keys, values, 8, 4)
	require.NoError(t, err)

	var dec Array
	require.NoError(t, dec.Validate(data))

	value, row, ok, err := dec.Lookup(data, keys[7])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(7), row)
	assert.Equal(t, uint32(49), binary.LittleEndian.Uint32(value))

	// Wrong key width never matches.
	_, _, ok, err = dec.Lookup(data, []byte("short"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTensor_EncodeLookup(t *testing.T) {
	// 3x4 matrix of u16 cells, cell (r,c) holds r*10+c.
	cells := make([]byte, 3*4*2)
	for r := 0; r < 3; r++ {
		for col := 0; col < 4; col++ {
			binary.LittleEndian.PutUint16(cells[(r*4+col)*2:], uint16(r*10+col))
		}
	}
	data, err := EncodeTensor([]uint32{3, 4}, 2, cells)
	require.NoError(t, err)

	var dec Tensor
	require.NoError(t, dec.Validate(data))
	rows, err := dec.Rows(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), rows)

	key := make([]byte, 8)
	binary.BigEndian.PutUint32(key[0:], 2)
	binary.BigEndian.PutUint32(key[4:], 3)
	value, row, ok, err := dec.Lookup(data, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(11), row)
	assert.Equal(t, uint16(23), binary.LittleEndian.Uint16(value))

	// Out-of-range coordinate.
	binary.BigEndian.PutUint32(key[0:], 3)
	_, _, ok, err = dec.Lookup(data, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func newManager(t *testing.T, dir string) (*Manager, *testView) {
	t.Helper()
	view := &testView{m: &manifest.Manifest{}}
	m := New(Config{FS: fs.Default, Dir: dir, View: view})
	t.Cleanup(func() { _ = m.Close() })
	return m, view
}

func writeExternal(t *testing.T, dir, relPath string, data []byte) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func TestManager_RegisterAndGet(t *testing.T) {
	dir := t.TempDir()
	mgr, view := newManager(t, dir)

	data := EncodeColumnar(sortedRecords(25))
	writeExternal(t, dir, "external/a.col", data)

	ref := model.FileReference{Path: "external/a.col", Format: model.FormatColumnar}
	require.NoError(t, mgr.Register(context.Background(), ref))

	got := view.Snapshot().External
	require.Len(t, got, 1)
	assert.Equal(t, int64(len(data)), got[0].Size)
	assert.Equal(t, ihash.CRC32C(data), got[0].Checksum)

	value, ok, err := mgr.Get(context.Background(), []byte("key0010"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-10", string(value))

	_, ok, err = mgr.Get(context.Background(), []byte("nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_RegisterRejectsBadChecksum(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newManager(t, dir)

	data := EncodeColumnar(sortedRecords(5))
	writeExternal(t, dir, "external/a.col", data)

	ref := model.FileReference{Path: "external/a.col", Format: model.FormatColumnar, Checksum: 0xdeadbeef}
	assert.ErrorIs(t, mgr.Register(context.Background(), ref), ErrChecksumMismatch)
}

func TestManager_RegisterRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newManager(t, dir)
	writeExternal(t, dir, "external/bad.col", []byte("garbage"))

	err := mgr.Register(context.Background(), model.FileReference{Path: "external/bad.col", Format: model.FormatColumnar})
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestManager_RegisterRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newManager(t, dir)
	writeExternal(t, dir, "external/a.col", EncodeColumnar(sortedRecords(3)))

	ref := model.FileReference{Path: "external/a.col", Format: model.FormatColumnar}
	require.NoError(t, mgr.Register(context.Background(), ref))
	assert.Error(t, mgr.Register(context.Background(), ref))
}

func TestManager_DeletionVectorMasksRow(t *testing.T) {
	dir := t.TempDir()
	mgr, _ := newManager(t, dir)
	writeExternal(t, dir, "external/a.col", EncodeColumnar(sortedRecords(10)))
	require.NoError(t, mgr.Register(context.Background(), model.FileReference{Path: "external/a.col", Format: model.FormatColumnar}))

	_, ok, err := mgr.Get(context.Background(), []byte("key0004"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.DeleteRow(context.Background(), "external/a.col", 4))
	_, ok, err = mgr.Get(context.Background(), []byte("key0004"))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := mgr.DeletedRows("external/a.col")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	// A fresh manager reloads the persisted vector.
	mgr2 := New(Config{FS: fs.Default, Dir: dir, View: &testView{m: &manifest.Manifest{}}})
	defer mgr2.Close()
	n, err = mgr2.DeletedRows("external/a.col")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestManager_Unregister(t *testing.T) {
	dir := t.TempDir()
	mgr, view := newManager(t, dir)
	writeExternal(t, dir, "external/a.col", EncodeColumnar(sortedRecords(3)))
	require.NoError(t, mgr.Register(context.Background(), model.FileReference{Path: "external/a.col", Format: model.FormatColumnar}))

	require.NoError(t, mgr.Unregister(context.Background(), "external/a.col"))
	assert.Empty(t, view.Snapshot().External)

	_, ok, err := mgr.Get(context.Background(), []byte("key0001"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, mgr.Unregister(context.Background(), "external/a.col"))
}

func TestManager_PromoteSegment(t *testing.T) {
	dir := t.TempDir()
	mgr, view := newManager(t, dir)

	// A cold segment holding live rows and one tombstone.
	id := model.SegmentID(7)
	segPath := manifest.SegmentPath(id)
	full := filepath.Join(dir, segPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	f, err := os.Create(full)
	require.NoError(t, err)
	w, err := sstable.NewWriter(f, sstable.WriterOptions{SegmentID: id})
	require.NoError(t, err)
	recs := sortedRecords(10)
	recs[3].Op = model.OpRetract
	recs[3].Checksum = recs[3].ComputeChecksum()
	for i := range recs {
		require.NoError(t, w.Add(&recs[i]))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info := manifest.SegmentInfo{
		ID: id, Level: 3, Path: segPath,
		Count: meta.Count, Size: meta.Size,
		MinKey: meta.MinKey, MaxKey: meta.MaxKey,
		IndexKind: manifest.IndexSparse,
	}
	require.NoError(t, view.Commit(func(m *manifest.Manifest) error {
		m.AddSegment(info)
		return nil
	}))

	require.NoError(t, mgr.PromoteSegment(context.Background(), info))

	m := view.Snapshot()
	assert.Equal(t, 0, m.SegmentCount(3))
	require.Len(t, m.External, 1)
	assert.Equal(t, model.FormatColumnar, m.External[0].Format)

	_, err = os.Stat(full)
	assert.True(t, os.IsNotExist(err))

	// Live rows resolve, the tombstoned key does not.
	value, ok, err := mgr.Get(context.Background(), []byte("key0005"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value-5", string(value))

	_, ok, err = mgr.Get(context.Background(), []byte("key0003"))
	require.NoError(t, err)
	assert.False(t, ok)
}
