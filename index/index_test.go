package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/model"
)

func mkEntries(n int) []model.IndexEntry {
	entries := make([]model.IndexEntry, 0, n)
	offset := uint64(0)
	for i := 0; i < n; i++ {
		size := uint32(40 + i%100)
		entries = append(entries, model.IndexEntry{
			Key:    []byte(fmt.Sprintf("key-%06d", i)),
			Offset: offset,
			Size:   size,
		})
		offset += uint64(size)
	}
	return entries
}

func TestPerfectHash_AllKeysResolve(t *testing.T) {
	for _, n := range []int{1, 2, 7, 100, 5000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			entries := mkEntries(n)
			ph, err := BuildPerfectHash(entries)
			require.NoError(t, err)

			for _, want := range entries {
				got, ok := ph.Lookup(want.Key)
				require.True(t, ok, "key %q", want.Key)
				assert.Equal(t, want.Offset, got.Offset)
				assert.Equal(t, want.Size, got.Size)
			}
		})
	}
}

func TestPerfectHash_NoFalsePositives(t *testing.T) {
	ph, err := BuildPerfectHash(mkEntries(1000))
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		_, ok := ph.Lookup([]byte(fmt.Sprintf("absent-%06d", i)))
		assert.False(t, ok)
	}
}

func TestPerfectHash_Empty(t *testing.T) {
	ph, err := BuildPerfectHash(nil)
	require.NoError(t, err)
	_, ok := ph.Lookup([]byte("anything"))
	assert.False(t, ok)
	assert.Equal(t, 0, ph.Len())
}

func TestBloom_NoFalseNegatives(t *testing.T) {
	b := NewBloom(10000, 0.01)
	for i := 0; i < 10000; i++ {
		b.Add([]byte(fmt.Sprintf("key-%06d", i)))
	}
	for i := 0; i < 10000; i++ {
		assert.True(t, b.MayContain([]byte(fmt.Sprintf("key-%06d", i))))
	}
}

func TestBloom_FalsePositiveRate(t *testing.T) {
	b := NewBloom(10000, 0.01)
	for i := 0; i < 10000; i++ {
		b.Add([]byte(fmt.Sprintf("key-%06d", i)))
	}

	hits := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if b.MayContain([]byte(fmt.Sprintf("absent-%06d", i))) {
			hits++
		}
	}
	// Target is 1%; allow generous slack to keep the test deterministic.
	assert.Less(t, float64(hits)/probes, 0.05)
}

func TestBloom_MarshalRoundTrip(t *testing.T) {
	b := NewBloom(100, 0.01)
	for i := 0; i < 100; i++ {
		b.Add([]byte(fmt.Sprintf("key-%03d", i)))
	}

	got, err := UnmarshalBloom(b.Marshal())
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		assert.True(t, got.MayContain([]byte(fmt.Sprintf("key-%03d", i))))
	}

	_, err = UnmarshalBloom([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidBloom)
}

func TestSparse_FloorSemantics(t *testing.T) {
	entries := mkEntries(1000)
	s := NewSparse(entries, DefaultSparseInterval)

	require.Greater(t, s.Len(), 0)
	assert.Less(t, s.Len(), len(entries))

	// Exact first key.
	e, ok := s.Floor(entries[0].Key)
	require.True(t, ok)
	assert.Equal(t, entries[0].Key, e.Key)

	// A key before the segment.
	_, ok = s.Floor([]byte("aaa"))
	assert.False(t, ok)

	// Every real key floors to a sample at or before it.
	for _, want := range entries {
		e, ok := s.Floor(want.Key)
		require.True(t, ok)
		assert.LessOrEqual(t, model.CompareKeys(e.Key, want.Key), 0)
		assert.LessOrEqual(t, e.Offset, want.Offset)
	}

	// A key past the end floors to the last sample.
	e, ok = s.Floor([]byte("zzz"))
	require.True(t, ok)
	assert.Equal(t, e.Key, s.samples[len(s.samples)-1].Key)
}

func TestSparse_MarshalRoundTrip(t *testing.T) {
	s := NewSparse(mkEntries(500), 1024)

	got, err := UnmarshalSparse(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s.Len(), got.Len())

	want, ok1 := s.Floor([]byte("key-000250"))
	gotE, ok2 := got.Floor([]byte("key-000250"))
	assert.Equal(t, ok1, ok2)
	assert.Equal(t, want, gotE)

	_, err = UnmarshalSparse([]byte{0})
	assert.ErrorIs(t, err, ErrInvalidSparse)
}
