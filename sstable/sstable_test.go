package sstable

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/model"
)

func mkRec(key, value string, seq uint64) model.Record {
	rec := model.Record{
		Key:       []byte(key),
		Value:     []byte(value),
		Seq:       seq,
		Timestamp: seq,
		Op:        model.OpAssert,
	}
	rec.Checksum = rec.ComputeChecksum()
	return rec
}

func writeSegment(t *testing.T, dir string, opts WriterOptions, recs []model.Record) (string, Meta) {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("segment_%d.seg", opts.SegmentID))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f, opts)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Add(&recs[i]))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	return path, meta
}

func openSegment(t *testing.T, path string) (*Reader, *os.File) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	st, err := f.Stat()
	require.NoError(t, err)
	r, err := NewReader(f, st.Size())
	require.NoError(t, err)
	return r, f
}

func TestSegment_RoundTrip(t *testing.T) {
	recs := make([]model.Record, 0, 100)
	for i := 0; i < 100; i++ {
		recs = append(recs, mkRec(fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%d", i), uint64(i+1)))
	}

	path, meta := writeSegment(t, t.TempDir(), WriterOptions{SegmentID: 7}, recs)
	assert.Equal(t, model.SegmentID(7), meta.SegmentID)
	assert.Equal(t, uint32(100), meta.Count)
	assert.Equal(t, []byte("key-0000"), meta.MinKey)
	assert.Equal(t, []byte("key-0099"), meta.MaxKey)
	assert.Equal(t, uint64(1), meta.MinSeq)
	assert.Equal(t, uint64(100), meta.MaxSeq)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, meta.Size, st.Size())

	r, f := openSegment(t, path)
	defer f.Close()
	defer r.Close()

	assert.Equal(t, model.SegmentID(7), r.SegmentID())
	assert.Equal(t, uint32(100), r.Count())

	for _, want := range recs {
		got, err := r.Get(want.Key)
		require.NoError(t, err)
		assert.Equal(t, want.Value, got.Value)
		assert.Equal(t, want.Seq, got.Seq)
		assert.True(t, got.Verify())
	}

	_, err = r.Get([]byte("nope"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, r.VerifyChecksum())
}

func TestSegment_Compression(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			big := strings.Repeat("compressible payload ", 256)
			recs := []model.Record{
				mkRec("a", big, 1),
				mkRec("b", "tiny", 2),
				mkRec("c", big, 3),
			}

			path, _ := writeSegment(t, t.TempDir(), WriterOptions{SegmentID: 1, Compression: comp}, recs)

			if comp != CompressionNone {
				st, err := os.Stat(path)
				require.NoError(t, err)
				assert.Less(t, st.Size(), int64(2*len(big)))
			}

			r, f := openSegment(t, path)
			defer f.Close()
			defer r.Close()

			for _, want := range recs {
				got, err := r.Get(want.Key)
				require.NoError(t, err)
				assert.Equal(t, want.Value, got.Value)
			}
		})
	}
}

func TestSegment_AllSortedOrder(t *testing.T) {
	recs := []model.Record{
		mkRec("alpha", "1", 1),
		mkRec("bravo", "2", 2),
		mkRec("charlie", "3", 3),
	}
	path, _ := writeSegment(t, t.TempDir(), WriterOptions{SegmentID: 1}, recs)

	r, f := openSegment(t, path)
	defer f.Close()
	defer r.Close()

	var keys []string
	require.NoError(t, r.All(func(rec model.Record) error {
		keys = append(keys, string(rec.Key))
		return nil
	}))
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, keys)
}

func TestWriter_RejectsOutOfOrder(t *testing.T) {
	var buf seekBuffer
	w, err := NewWriter(&buf, WriterOptions{SegmentID: 1})
	require.NoError(t, err)

	b := mkRec("b", "v", 1)
	require.NoError(t, w.Add(&b))

	a := mkRec("a", "v", 2)
	assert.ErrorIs(t, w.Add(&a), ErrOutOfOrder)

	dup := mkRec("b", "v", 3)
	assert.ErrorIs(t, w.Add(&dup), ErrOutOfOrder)
}

func TestReader_DetectsCorruption(t *testing.T) {
	recs := []model.Record{mkRec("key", strings.Repeat("v", 64), 1)}
	path, _ := writeSegment(t, t.TempDir(), WriterOptions{SegmentID: 1}, recs)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[headerSize+20] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	r, f := openSegment(t, path)
	defer f.Close()
	defer r.Close()

	_, err = r.Get([]byte("key"))
	assert.ErrorIs(t, err, ErrInvalidCRC)
	assert.ErrorIs(t, r.VerifyChecksum(), ErrInvalidCRC)
}

func TestReader_RejectsTruncatedFile(t *testing.T) {
	recs := []model.Record{mkRec("key", "value", 1)}
	path, _ := writeSegment(t, t.TempDir(), WriterOptions{SegmentID: 1}, recs)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = NewReader(bytes.NewReader(raw[:len(raw)-8]), int64(len(raw)-8))
	assert.Error(t, err)
}

func TestReader_RejectsWrongMagic(t *testing.T) {
	raw := make([]byte, headerSize+footerSize)
	copy(raw, "XXXX")
	_, err := NewReader(bytes.NewReader(raw), int64(len(raw)))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

// seekBuffer is an in-memory io.WriteSeeker for writer-only tests.
type seekBuffer struct {
	buf []byte
	off int64
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if need := b.off + int64(len(p)); need > int64(len(b.buf)) {
		grown := make([]byte, need)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.off:], p)
	b.off += int64(len(p))
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		b.off = offset
	case 1:
		b.off += offset
	case 2:
		b.off = int64(len(b.buf)) + offset
	}
	return b.off, nil
}
