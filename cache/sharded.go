package cache

import (
	"context"
	"encoding/binary"
	"hash/maphash"
	"sync"

	"github.com/stratadb/strata/internal/resource"
)

const numShards = 64

// ShardedLRU spreads entries over 64 independent LRU shards to cut lock
// contention on hot read paths. Capacity is divided evenly.
type ShardedLRU struct {
	shards [numShards]*LRU
	seed   maphash.Seed
}

// NewShardedLRU creates a sharded cache holding at most capacity bytes.
func NewShardedLRU(capacity int64, rc *resource.Controller) *ShardedLRU {
	shardCapacity := capacity / numShards
	if shardCapacity < 1 {
		shardCapacity = 1
	}

	s := &ShardedLRU{seed: maphash.MakeSeed()}
	for i := range s.shards {
		s.shards[i] = NewLRU(shardCapacity, rc)
	}
	return s
}

func (s *ShardedLRU) shard(key Key) *LRU {
	var h maphash.Hash
	h.SetSeed(s.seed)

	var buf [17]byte
	buf[0] = byte(key.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(key.SegmentID))
	binary.LittleEndian.PutUint64(buf[9:17], key.Offset)
	_, _ = h.Write(buf[:])

	return s.shards[h.Sum64()%numShards]
}

func (s *ShardedLRU) Get(ctx context.Context, key Key) ([]byte, bool) {
	return s.shard(key).Get(ctx, key)
}

func (s *ShardedLRU) Set(ctx context.Context, key Key, b []byte) {
	s.shard(key).Set(ctx, key, b)
}

// Invalidate removes matching entries from every shard.
func (s *ShardedLRU) Invalidate(predicate func(key Key) bool) {
	var wg sync.WaitGroup
	wg.Add(numShards)
	for i := range s.shards {
		go func(shard *LRU) {
			defer wg.Done()
			shard.Invalidate(predicate)
		}(s.shards[i])
	}
	wg.Wait()
}

// Size returns the total cached bytes across shards.
func (s *ShardedLRU) Size() int64 {
	var total int64
	for i := range s.shards {
		total += s.shards[i].Size()
	}
	return total
}

// Stats aggregates hit and miss counts across shards.
func (s *ShardedLRU) Stats() Stats {
	var st Stats
	for i := range s.shards {
		shard := s.shards[i].Stats()
		st.Hits += shard.Hits
		st.Misses += shard.Misses
	}
	return st
}

func (s *ShardedLRU) Close() error {
	for i := range s.shards {
		if err := s.shards[i].Close(); err != nil {
			return err
		}
	}
	return nil
}
