package sstable

import (
	"encoding/binary"
	"errors"
)

// Segment file layout:
//
//	[header 64B][record frames...][index block][footer 32B]
//
// The header carries enough to locate the index; the footer repeats the
// magic reversed so truncation is detectable from either end.
const (
	segMagic        = "STR1"
	segMagicFooter  = "1RTS"
	segVersion      = 1
	headerSize      = 64
	footerSize      = 32
	maxFrameSize    = 256 * 1024 * 1024
	frameHeaderSize = 4 + 4 + 1 + 8 + 8 + 1 + 2 + 4
)

// Compression identifies the value codec used inside a segment.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

const (
	checksumCRC32C = 1

	flagZstd = 1 << 0
	flagLZ4  = 1 << 1
)

var (
	ErrInvalidMagic        = errors.New("sstable: invalid magic")
	ErrIncompatibleVersion = errors.New("sstable: incompatible version")
	ErrInvalidCRC          = errors.New("sstable: checksum mismatch")
	ErrCorrupted           = errors.New("sstable: corrupted segment")
	ErrOutOfOrder          = errors.New("sstable: keys not in ascending order")
	ErrRecordTooLarge      = errors.New("sstable: record exceeds frame limit")
)

// header is the fixed 64 byte segment preamble. Fields are ordered
// widest first to pack the in-memory struct; the wire layout is fixed
// by marshal.
type header struct {
	SegmentID    uint64
	MinSeq       uint64
	MaxSeq       uint64
	IndexOffset  uint64
	Count        uint32
	Version      uint16
	Compression  Compression
	ChecksumKind uint8
}

func (h header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], segMagic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	buf[6] = byte(h.Compression)
	buf[7] = h.ChecksumKind
	binary.LittleEndian.PutUint64(buf[8:16], h.SegmentID)
	binary.LittleEndian.PutUint64(buf[16:24], h.MinSeq)
	binary.LittleEndian.PutUint64(buf[24:32], h.MaxSeq)
	binary.LittleEndian.PutUint32(buf[32:36], h.Count)
	binary.LittleEndian.PutUint64(buf[36:44], h.IndexOffset)
	return buf
}

func unmarshalHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, ErrCorrupted
	}
	if string(buf[0:4]) != segMagic {
		return h, ErrInvalidMagic
	}
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if h.Version > segVersion {
		return h, ErrIncompatibleVersion
	}
	h.Compression = Compression(buf[6])
	h.ChecksumKind = buf[7]
	h.SegmentID = binary.LittleEndian.Uint64(buf[8:16])
	h.MinSeq = binary.LittleEndian.Uint64(buf[16:24])
	h.MaxSeq = binary.LittleEndian.Uint64(buf[24:32])
	h.Count = binary.LittleEndian.Uint32(buf[32:36])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[36:44])
	return h, nil
}

// footer closes the file: index checksum, whole-file checksum and the
// reversed magic in the final four bytes.
type footer struct {
	IndexChecksum uint32
	FileChecksum  uint32
}

func (f footer) marshal() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(buf[0:4], f.IndexChecksum)
	binary.LittleEndian.PutUint32(buf[4:8], f.FileChecksum)
	copy(buf[footerSize-4:], segMagicFooter)
	return buf
}

func unmarshalFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) < footerSize {
		return f, ErrCorrupted
	}
	if string(buf[footerSize-4:footerSize]) != segMagicFooter {
		return f, ErrInvalidMagic
	}
	f.IndexChecksum = binary.LittleEndian.Uint32(buf[0:4])
	f.FileChecksum = binary.LittleEndian.Uint32(buf[4:8])
	return f, nil
}
