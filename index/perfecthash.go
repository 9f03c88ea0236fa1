package index

import (
	"errors"
	"sort"

	"github.com/stratadb/strata/model"
)

// Hash-and-displace construction: keys are partitioned into small buckets,
// each bucket then searches for a displacement seed that maps its keys onto
// free slots. Buckets are placed largest first so the hard ones see an
// empty table.
const (
	phKeysPerBucket = 4
	phMaxSeed       = 1 << 20
	phMaxRebuilds   = 16
)

var ErrBuildFailed = errors.New("index: perfect hash construction failed")

// PerfectHash maps each indexed key to exactly one slot. Lookup compares
// the stored key, so a miss is always reported as a miss.
type PerfectHash struct {
	seed    uint64
	seeds   []uint32
	slots   []uint32
	entries []model.IndexEntry
}

// BuildPerfectHash constructs a perfect hash over entries. Duplicate keys
// make construction impossible and return ErrBuildFailed.
func BuildPerfectHash(entries []model.IndexEntry) (*PerfectHash, error) {
	n := len(entries)
	if n == 0 {
		return &PerfectHash{entries: entries}, nil
	}
	nb := (n + phKeysPerBucket - 1) / phKeysPerBucket

rebuild:
	for attempt := 0; attempt < phMaxRebuilds; attempt++ {
		seed := uint64(attempt)*0x9e3779b97f4a7c15 + 1

		buckets := make([][]uint32, nb)
		for i, e := range entries {
			b := hashKey(seed, e.Key) % uint64(nb)
			buckets[b] = append(buckets[b], uint32(i))
		}

		order := make([]int, nb)
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return len(buckets[order[a]]) > len(buckets[order[b]])
		})

		seeds := make([]uint32, nb)
		slots := make([]uint32, n)
		used := make([]bool, n)

		for _, bi := range order {
			bucket := buckets[bi]
			if len(bucket) == 0 {
				continue
			}

			placed := false
			positions := make([]uint64, 0, len(bucket))
		nextSeed:
			for d := uint32(1); d < phMaxSeed; d++ {
				positions = positions[:0]
				for _, ei := range bucket {
					pos := hashKey(seed^uint64(d), entries[ei].Key) % uint64(n)
					if used[pos] {
						continue nextSeed
					}
					for _, p := range positions {
						if p == pos {
							continue nextSeed
						}
					}
					positions = append(positions, pos)
				}
				for i, ei := range bucket {
					used[positions[i]] = true
					slots[positions[i]] = ei
				}
				seeds[bi] = d
				placed = true
				break
			}
			if !placed {
				continue rebuild
			}
		}

		return &PerfectHash{seed: seed, seeds: seeds, slots: slots, entries: entries}, nil
	}
	return nil, ErrBuildFailed
}

// Lookup returns the index entry for key, or false when the key is not in
// the segment. Never a false positive: the candidate slot's key is compared
// before returning.
func (p *PerfectHash) Lookup(key []byte) (model.IndexEntry, bool) {
	n := len(p.entries)
	if n == 0 {
		return model.IndexEntry{}, false
	}
	b := hashKey(p.seed, key) % uint64(len(p.seeds))
	d := p.seeds[b]
	if d == 0 {
		return model.IndexEntry{}, false
	}
	pos := hashKey(p.seed^uint64(d), key) % uint64(n)
	e := p.entries[p.slots[pos]]
	if model.CompareKeys(e.Key, key) != 0 {
		return model.IndexEntry{}, false
	}
	return e, true
}

// Len returns the number of indexed keys.
func (p *PerfectHash) Len() int { return len(p.entries) }

// MemoryUsage approximates the resident size in bytes, excluding the
// shared entries slice.
func (p *PerfectHash) MemoryUsage() int64 {
	return int64(len(p.seeds)*4 + len(p.slots)*4 + 8)
}
