package index

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/stratadb/strata/model"
)

// DefaultSparseInterval is the byte distance between sampled entries.
const DefaultSparseInterval = 4096

var ErrInvalidSparse = errors.New("index: invalid sparse index encoding")

// Sparse samples roughly one index entry per interval of file bytes. A
// lookup lands on the greatest sample at or before the key; the caller
// scans forward from that offset until it passes the key.
type Sparse struct {
	samples  []model.IndexEntry
	interval int
}

// NewSparse samples entries, which must be in ascending key order. The
// first entry is always kept so Floor covers the segment's full key range.
func NewSparse(entries []model.IndexEntry, interval int) *Sparse {
	if interval <= 0 {
		interval = DefaultSparseInterval
	}
	s := &Sparse{interval: interval}
	var nextOffset uint64
	for _, e := range entries {
		if e.Offset >= nextOffset {
			s.samples = append(s.samples, e)
			nextOffset = e.Offset + uint64(interval)
		}
	}
	return s
}

// Floor returns the greatest sampled entry whose key is <= key. False
// means key precedes the segment's first key.
func (s *Sparse) Floor(key []byte) (model.IndexEntry, bool) {
	i := sort.Search(len(s.samples), func(i int) bool {
		return model.CompareKeys(s.samples[i].Key, key) > 0
	})
	if i == 0 {
		return model.IndexEntry{}, false
	}
	return s.samples[i-1], true
}

// Len returns the number of retained samples.
func (s *Sparse) Len() int { return len(s.samples) }

// MemoryUsage approximates the resident size in bytes.
func (s *Sparse) MemoryUsage() int64 {
	var n int64
	for _, e := range s.samples {
		n += int64(len(e.Key)) + 12
	}
	return n
}

// Marshal encodes the samples for storage alongside segment metadata.
func (s *Sparse) Marshal() []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(s.interval))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.samples)))
	for _, e := range s.samples {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Key)))
		buf = append(buf, e.Key...)
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, e.Size)
	}
	return buf
}

// UnmarshalSparse decodes an index produced by Marshal.
func UnmarshalSparse(buf []byte) (*Sparse, error) {
	if len(buf) < 8 {
		return nil, ErrInvalidSparse
	}
	s := &Sparse{interval: int(binary.LittleEndian.Uint32(buf[0:4]))}
	count := binary.LittleEndian.Uint32(buf[4:8])
	buf = buf[8:]
	s.samples = make([]model.IndexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 2 {
			return nil, ErrInvalidSparse
		}
		klen := int(binary.LittleEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < klen+12 {
			return nil, ErrInvalidSparse
		}
		e := model.IndexEntry{
			Key:    append([]byte(nil), buf[:klen]...),
			Offset: binary.LittleEndian.Uint64(buf[klen : klen+8]),
			Size:   binary.LittleEndian.Uint32(buf[klen+8 : klen+12]),
		}
		buf = buf[klen+12:]
		s.samples = append(s.samples, e)
	}
	return s, nil
}
