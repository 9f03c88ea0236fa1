package index

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrInvalidBloom = errors.New("index: invalid bloom filter encoding")

// Bloom is a standard Bloom filter with double hashing: the i-th probe bit
// is (h1 + i*h2) mod m. No false negatives; false positive rate is set at
// construction time.
type Bloom struct {
	bits []uint64
	m    uint64
	k    uint32
}

// NewBloom sizes a filter for n keys at the target false positive rate.
func NewBloom(n int, fpr float64) *Bloom {
	if n < 1 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Bloom{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

func (b *Bloom) probes(key []byte) (uint64, uint64) {
	h1 := hashKey(0, key)
	h2 := hashKey(h1, key) | 1
	return h1, h2
}

// Add inserts key.
func (b *Bloom) Add(key []byte) {
	h1, h2 := b.probes(key)
	for i := uint32(0); i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % b.m
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

// MayContain reports whether key might be in the set. False means
// definitely absent.
func (b *Bloom) MayContain(key []byte) bool {
	h1, h2 := b.probes(key)
	for i := uint32(0); i < b.k; i++ {
		pos := (h1 + uint64(i)*h2) % b.m
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// MemoryUsage returns the filter's resident size in bytes.
func (b *Bloom) MemoryUsage() int64 {
	return int64(len(b.bits)*8 + 12)
}

// Marshal encodes the filter for storage alongside segment metadata.
func (b *Bloom) Marshal() []byte {
	buf := make([]byte, 0, 12+len(b.bits)*8)
	buf = binary.LittleEndian.AppendUint64(buf, b.m)
	buf = binary.LittleEndian.AppendUint32(buf, b.k)
	for _, w := range b.bits {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

// UnmarshalBloom decodes a filter produced by Marshal.
func UnmarshalBloom(buf []byte) (*Bloom, error) {
	if len(buf) < 12 {
		return nil, ErrInvalidBloom
	}
	m := binary.LittleEndian.Uint64(buf[0:8])
	k := binary.LittleEndian.Uint32(buf[8:12])
	words := int((m + 63) / 64)
	if k == 0 || m == 0 || len(buf) != 12+words*8 {
		return nil, ErrInvalidBloom
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(buf[12+i*8:])
	}
	return &Bloom{bits: bits, m: m, k: k}, nil
}
