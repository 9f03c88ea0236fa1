package model

import (
	"bytes"
	"hash/crc32"
)

// SegmentID identifies an immutable segment within one engine instance.
type SegmentID uint64

// RunID identifies a sorted run at level >= 1.
type RunID uint64

// Operation is the logical kind of a record.
type Operation uint8

const (
	// OpAssert inserts or replaces the value for a key.
	OpAssert Operation = 1
	// OpRetract is a logical tombstone for a key. The physical record is
	// reclaimed later by compaction, never by the write itself.
	OpRetract Operation = 2
)

// Record is the unit of storage. Records are immutable once written.
type Record struct {
	Key       []byte
	Value     []byte
	Seq       uint64
	Timestamp uint64
	Op        Operation
	Checksum  uint32
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum returns the CRC32-C over the record's key, value and
// ordering fields. Stored in Record.Checksum at append time and verified
// on every read from disk.
func (r *Record) ComputeChecksum() uint32 {
	crc := crc32.New(crcTable)
	_, _ = crc.Write(r.Key)
	_, _ = crc.Write(r.Value)
	var buf [17]byte
	putUint64(buf[0:8], r.Seq)
	putUint64(buf[8:16], r.Timestamp)
	buf[16] = byte(r.Op)
	_, _ = crc.Write(buf[:])
	return crc.Sum32()
}

// Verify reports whether the stored checksum matches the record contents.
func (r *Record) Verify() bool {
	return r.Checksum == r.ComputeChecksum()
}

// Size returns the approximate in-memory footprint of the record in bytes.
func (r *Record) Size() int {
	return len(r.Key) + len(r.Value) + 24
}

// Clone returns a deep copy of the record. Used when handing records from a
// mutable memtable to background jobs.
func (r *Record) Clone() Record {
	out := *r
	out.Key = append([]byte(nil), r.Key...)
	out.Value = append([]byte(nil), r.Value...)
	return out
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// CompareKeys orders keys bytewise.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// IndexEntry points at a record (or a block of records) inside a segment.
// All three index kinds share this shape with different densities.
type IndexEntry struct {
	Key    []byte
	Offset uint64
	Size   uint32
}

// FileFormat tags the decoder used for an external immutable file.
type FileFormat uint8

const (
	FormatUnknown FileFormat = iota
	// FormatColumnar is a generic column-major layout.
	FormatColumnar
	// FormatTensor is a dense n-dimensional array layout.
	FormatTensor
	// FormatArray is a flat typed-array layout.
	FormatArray
)

func (f FileFormat) String() string {
	switch f {
	case FormatColumnar:
		return "columnar"
	case FormatTensor:
		return "tensor"
	case FormatArray:
		return "array"
	default:
		return "unknown"
	}
}

// FileReference describes an externally stored immutable artifact. Only the
// metadata lives in the manifest; the payload is never copied into the LSM
// tree and never compacted.
type FileReference struct {
	Path     string     `json:"path"`
	Format   FileFormat `json:"format"`
	Size     int64      `json:"size"`
	Checksum uint32     `json:"checksum"`
}
