package index

// 64-bit FNV-1a with the seed folded into the initial state. Keeps the
// perfect hash and the Bloom filter on the same primitive.
const (
	fnvOffset64 = 0xcbf29ce484222325
	fnvPrime64  = 0x100000001b3
)

func hashKey(seed uint64, key []byte) uint64 {
	h := uint64(fnvOffset64) ^ (seed * fnvPrime64)
	for _, b := range key {
		h ^= uint64(b)
		h *= fnvPrime64
	}
	return h
}
