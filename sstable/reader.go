package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	ihash "github.com/stratadb/strata/internal/hash"
	"github.com/stratadb/strata/model"
)

// ErrKeyNotFound is returned by Get when the segment holds no such key.
var ErrKeyNotFound = fmt.Errorf("sstable: key not found")

// Reader decodes a finished segment from any io.ReaderAt, which covers
// mmap'd local files and ranged blob reads alike. A Reader is safe for
// concurrent use.
type Reader struct {
	r    io.ReaderAt
	size int64
	hdr  header
	ftr  footer

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error

	idxOnce sync.Once
	entries []model.IndexEntry
	idxErr  error
}

// NewReader validates the header and footer and returns a Reader. The
// record frames themselves are verified on access.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	if size < headerSize+footerSize {
		return nil, ErrCorrupted
	}

	var hbuf [headerSize]byte
	if _, err := r.ReadAt(hbuf[:], 0); err != nil {
		return nil, err
	}
	hdr, err := unmarshalHeader(hbuf[:])
	if err != nil {
		return nil, err
	}

	var fbuf [footerSize]byte
	if _, err := r.ReadAt(fbuf[:], size-footerSize); err != nil {
		return nil, err
	}
	ftr, err := unmarshalFooter(fbuf[:])
	if err != nil {
		return nil, err
	}

	if hdr.IndexOffset < headerSize || int64(hdr.IndexOffset) > size-footerSize {
		return nil, ErrCorrupted
	}

	return &Reader{r: r, size: size, hdr: hdr, ftr: ftr}, nil
}

func (r *Reader) SegmentID() model.SegmentID  { return model.SegmentID(r.hdr.SegmentID) }
func (r *Reader) Count() uint32               { return r.hdr.Count }
func (r *Reader) Compression() Compression    { return r.hdr.Compression }
func (r *Reader) MinSeq() uint64              { return r.hdr.MinSeq }
func (r *Reader) MaxSeq() uint64              { return r.hdr.MaxSeq }
func (r *Reader) Size() int64                 { return r.size }

func (r *Reader) decoder() (*zstd.Decoder, error) {
	r.decOnce.Do(func() {
		r.dec, r.decErr = zstd.NewReader(nil)
	})
	return r.dec, r.decErr
}

// Index returns the embedded per-record index, verified against the footer
// checksum on first load.
func (r *Reader) Index() ([]model.IndexEntry, error) {
	r.idxOnce.Do(func() {
		start := int64(r.hdr.IndexOffset)
		length := r.size - footerSize - start
		if length < 4 {
			r.idxErr = ErrCorrupted
			return
		}
		buf := make([]byte, length)
		if _, err := r.r.ReadAt(buf, start); err != nil {
			r.idxErr = err
			return
		}
		if ihash.CRC32C(buf) != r.ftr.IndexChecksum {
			r.idxErr = fmt.Errorf("%w: index block", ErrInvalidCRC)
			return
		}
		r.entries, r.idxErr = unmarshalIndex(buf)
	})
	return r.entries, r.idxErr
}

// MinKey returns the smallest key in the segment.
func (r *Reader) MinKey() ([]byte, error) {
	entries, err := r.Index()
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0].Key, nil
}

// MaxKey returns the largest key in the segment.
func (r *Reader) MaxKey() ([]byte, error) {
	entries, err := r.Index()
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[len(entries)-1].Key, nil
}

// Get locates key via binary search over the index.
func (r *Reader) Get(key []byte) (model.Record, error) {
	entries, err := r.Index()
	if err != nil {
		return model.Record{}, err
	}
	i := sort.Search(len(entries), func(i int) bool {
		return model.CompareKeys(entries[i].Key, key) >= 0
	})
	if i >= len(entries) || model.CompareKeys(entries[i].Key, key) != 0 {
		return model.Record{}, ErrKeyNotFound
	}
	return r.ReadEntry(entries[i])
}

// ReadEntry decodes the record frame an index entry points at.
func (r *Reader) ReadEntry(e model.IndexEntry) (model.Record, error) {
	if int64(e.Offset)+int64(e.Size) > r.size-headerSize || e.Size < frameHeaderSize {
		return model.Record{}, ErrCorrupted
	}
	buf := make([]byte, e.Size)
	if _, err := r.r.ReadAt(buf, headerSize+int64(e.Offset)); err != nil {
		return model.Record{}, err
	}
	return r.decodeFrame(buf)
}

func (r *Reader) decodeFrame(buf []byte) (model.Record, error) {
	if len(buf) < frameHeaderSize {
		return model.Record{}, ErrCorrupted
	}
	if ihash.CRC32C(buf[4:]) != binary.LittleEndian.Uint32(buf[0:4]) {
		return model.Record{}, ErrInvalidCRC
	}

	flags := buf[8]
	rec := model.Record{
		Seq:       binary.LittleEndian.Uint64(buf[9:17]),
		Timestamp: binary.LittleEndian.Uint64(buf[17:25]),
		Op:        model.Operation(buf[25]),
	}
	klen := int(binary.LittleEndian.Uint16(buf[26:28]))
	rawLen := int(binary.LittleEndian.Uint32(buf[28:32]))
	if frameHeaderSize+klen > len(buf) {
		return model.Record{}, ErrCorrupted
	}
	rec.Key = append([]byte(nil), buf[frameHeaderSize:frameHeaderSize+klen]...)
	value := buf[frameHeaderSize+klen:]

	switch {
	case flags&flagZstd != 0:
		dec, err := r.decoder()
		if err != nil {
			return model.Record{}, err
		}
		rec.Value, err = dec.DecodeAll(value, make([]byte, 0, rawLen))
		if err != nil {
			return model.Record{}, fmt.Errorf("sstable: zstd decode: %w", err)
		}
	case flags&flagLZ4 != 0:
		rec.Value = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(value, rec.Value)
		if err != nil {
			return model.Record{}, fmt.Errorf("sstable: lz4 decode: %w", err)
		}
		rec.Value = rec.Value[:n]
	default:
		rec.Value = append([]byte(nil), value...)
	}

	rec.Checksum = rec.ComputeChecksum()
	return rec, nil
}

// All calls fn for every record in key order.
func (r *Reader) All(fn func(model.Record) error) error {
	entries, err := r.Index()
	if err != nil {
		return err
	}
	for _, e := range entries {
		rec, err := r.ReadEntry(e)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// VerifyChecksum recomputes the whole-file checksum over the record and
// index regions and compares it to the footer.
func (r *Reader) VerifyChecksum() error {
	h := ihash.NewCRC32C()
	buf := make([]byte, 1<<16)
	off := int64(headerSize)
	end := r.size - footerSize
	for off < end {
		n := int64(len(buf))
		if end-off < n {
			n = end - off
		}
		if _, err := r.r.ReadAt(buf[:n], off); err != nil {
			return err
		}
		h.Write(buf[:n])
		off += n
	}
	if h.Sum32() != r.ftr.FileChecksum {
		return fmt.Errorf("%w: file checksum", ErrInvalidCRC)
	}
	return nil
}

// Close releases codec resources. The underlying reader is not closed.
func (r *Reader) Close() error {
	if r.dec != nil {
		r.dec.Close()
	}
	return nil
}
