package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	ihash "github.com/stratadb/strata/internal/hash"
	"github.com/stratadb/strata/model"
)

// WriterOptions configures segment encoding.
type WriterOptions struct {
	SegmentID   model.SegmentID
	Compression Compression
	// ZstdLevel is the encoder level when Compression is CompressionZstd.
	ZstdLevel int
	// CompressMin is the smallest value size the codec will try to
	// compress. Zero means the default of 512 bytes.
	CompressMin int
	// AllowDuplicateKeys permits equal consecutive keys, used for
	// segments that retain multiple versions per key. Versions of one
	// key must still arrive newest first.
	AllowDuplicateKeys bool
}

// Meta summarizes a finished segment.
type Meta struct {
	SegmentID   model.SegmentID
	MinKey      []byte
	MaxKey      []byte
	MinSeq      uint64
	MaxSeq      uint64
	Count       uint32
	Size        int64
	IndexOffset uint64
}

// Writer streams records into the segment file format. Records must be
// added in strictly ascending key order; the writer refuses duplicates so a
// finished segment never holds two versions of the same key.
type Writer struct {
	ws  io.WriteSeeker
	bw  *bufio.Writer
	crc hash.Hash32 // covers everything after the header

	opts    WriterOptions
	enc     *zstd.Encoder
	entries []model.IndexEntry

	offset   uint64 // bytes written after the header
	lastKey  []byte
	minKey   []byte
	minSeq   uint64
	maxSeq   uint64
	count    uint32
	finished bool
}

// NewWriter writes the placeholder header and returns a Writer. The final
// header is patched in during Finish, so ws must support seeking.
func NewWriter(ws io.WriteSeeker, opts WriterOptions) (*Writer, error) {
	if opts.CompressMin <= 0 {
		opts.CompressMin = 512
	}

	w := &Writer{
		ws:   ws,
		bw:   bufio.NewWriterSize(ws, 64*1024),
		crc:  ihash.NewCRC32C(),
		opts: opts,
	}

	if opts.Compression == CompressionZstd {
		level := opts.ZstdLevel
		if level <= 0 {
			level = 3
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("sstable: init zstd encoder: %w", err)
		}
		w.enc = enc
	}

	h := header{
		Version:      segVersion,
		Compression:  opts.Compression,
		ChecksumKind: checksumCRC32C,
		SegmentID:    uint64(opts.SegmentID),
	}
	if _, err := w.bw.Write(h.marshal()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) compress(value []byte) ([]byte, byte) {
	if len(value) < w.opts.CompressMin {
		return value, 0
	}
	switch w.opts.Compression {
	case CompressionZstd:
		out := w.enc.EncodeAll(value, nil)
		if len(out) < len(value) {
			return out, flagZstd
		}
	case CompressionLZ4:
		out := make([]byte, lz4.CompressBlockBound(len(value)))
		var c lz4.Compressor
		n, err := c.CompressBlock(value, out)
		if err == nil && n > 0 && n < len(value) {
			return out[:n], flagLZ4
		}
	}
	return value, 0
}

// Add appends one record. Keys must arrive in strictly ascending order.
func (w *Writer) Add(rec *model.Record) error {
	if w.finished {
		return ErrCorrupted
	}
	if w.lastKey != nil {
		cmp := model.CompareKeys(rec.Key, w.lastKey)
		if cmp < 0 || (cmp == 0 && !w.opts.AllowDuplicateKeys) {
			return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, rec.Key, w.lastKey)
		}
	}
	if len(rec.Key) > 0xFFFF {
		return ErrRecordTooLarge
	}

	value, flags := w.compress(rec.Value)

	frameLen := frameHeaderSize - 8 + len(rec.Key) + len(value)
	if frameLen > maxFrameSize {
		return ErrRecordTooLarge
	}

	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(rec.Key)+len(value))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(frameLen))
	buf[8] = flags
	binary.LittleEndian.PutUint64(buf[9:17], rec.Seq)
	binary.LittleEndian.PutUint64(buf[17:25], rec.Timestamp)
	buf[25] = byte(rec.Op)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(rec.Key)))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(rec.Value)))
	buf = append(buf, rec.Key...)
	buf = append(buf, value...)
	binary.LittleEndian.PutUint32(buf[0:4], ihash.CRC32C(buf[4:]))

	if _, err := w.bw.Write(buf); err != nil {
		return err
	}
	w.crc.Write(buf)

	w.entries = append(w.entries, model.IndexEntry{
		Key:    append([]byte(nil), rec.Key...),
		Offset: w.offset,
		Size:   uint32(len(buf)),
	})
	w.offset += uint64(len(buf))

	if w.count == 0 {
		w.minKey = append([]byte(nil), rec.Key...)
		w.minSeq = rec.Seq
		w.maxSeq = rec.Seq
	} else {
		if rec.Seq < w.minSeq {
			w.minSeq = rec.Seq
		}
		if rec.Seq > w.maxSeq {
			w.maxSeq = rec.Seq
		}
	}
	w.lastKey = append(w.lastKey[:0], rec.Key...)
	w.count++
	return nil
}

// Count returns the number of records added so far.
func (w *Writer) Count() uint32 { return w.count }

// EstimatedSize returns the bytes written so far, header included.
func (w *Writer) EstimatedSize() int64 { return int64(w.offset) + headerSize }

// Finish writes the index block and footer, then patches the header with
// the final record count and index offset. The writer is unusable after.
func (w *Writer) Finish() (Meta, error) {
	if w.finished {
		return Meta{}, ErrCorrupted
	}
	w.finished = true
	if w.enc != nil {
		defer w.enc.Close()
	}

	indexOffset := headerSize + w.offset

	index := marshalIndex(w.entries)
	indexCRC := ihash.CRC32C(index)
	if _, err := w.bw.Write(index); err != nil {
		return Meta{}, err
	}
	w.crc.Write(index)

	ftr := footer{
		IndexChecksum: indexCRC,
		FileChecksum:  w.crc.Sum32(),
	}
	if _, err := w.bw.Write(ftr.marshal()); err != nil {
		return Meta{}, err
	}
	if err := w.bw.Flush(); err != nil {
		return Meta{}, err
	}

	h := header{
		Version:      segVersion,
		Compression:  w.opts.Compression,
		ChecksumKind: checksumCRC32C,
		SegmentID:    uint64(w.opts.SegmentID),
		MinSeq:       w.minSeq,
		MaxSeq:       w.maxSeq,
		Count:        w.count,
		IndexOffset:  indexOffset,
	}
	if _, err := w.ws.Seek(0, io.SeekStart); err != nil {
		return Meta{}, err
	}
	if _, err := w.ws.Write(h.marshal()); err != nil {
		return Meta{}, err
	}
	if _, err := w.ws.Seek(0, io.SeekEnd); err != nil {
		return Meta{}, err
	}

	meta := Meta{
		SegmentID:   w.opts.SegmentID,
		MinKey:      w.minKey,
		MaxKey:      append([]byte(nil), w.lastKey...),
		MinSeq:      w.minSeq,
		MaxSeq:      w.maxSeq,
		Count:       w.count,
		Size:        int64(indexOffset) + int64(len(index)) + footerSize,
		IndexOffset: indexOffset,
	}
	return meta, nil
}

func marshalIndex(entries []model.IndexEntry) []byte {
	size := 4
	for _, e := range entries {
		size += 2 + len(e.Key) + 8 + 4
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, e.Size)
	}
	return buf
}

func unmarshalIndex(buf []byte) ([]model.IndexEntry, error) {
	if len(buf) < 4 {
		return nil, ErrCorrupted
	}
	count := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	entries := make([]model.IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 2 {
			return nil, ErrCorrupted
		}
		klen := int(binary.LittleEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < klen+12 {
			return nil, ErrCorrupted
		}
		key := append([]byte(nil), buf[:klen]...)
		buf = buf[klen:]
		entries = append(entries, model.IndexEntry{
			Key:    key,
			Offset: binary.LittleEndian.Uint64(buf[:8]),
			Size:   binary.LittleEndian.Uint32(buf[8:12]),
		})
		buf = buf[12:]
	}
	return entries, nil
}
