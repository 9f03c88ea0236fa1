package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/internal/resource"
	"github.com/stratadb/strata/model"
)

func key(seg uint64, off uint64) Key {
	return Key{Kind: KindSegmentBlock, SegmentID: model.SegmentID(seg), Offset: off}
}

func TestLRU_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(1024, nil)

	_, ok := c.Get(ctx, key(1, 0))
	assert.False(t, ok)

	c.Set(ctx, key(1, 0), []byte("block-a"))
	got, ok := c.Get(ctx, key(1, 0))
	require.True(t, ok)
	assert.Equal(t, []byte("block-a"), got)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestLRU_EvictsLeastRecent(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(32, nil)

	c.Set(ctx, key(1, 0), make([]byte, 16))
	c.Set(ctx, key(1, 1), make([]byte, 16))

	// Touch the first entry so the second is the eviction victim.
	_, ok := c.Get(ctx, key(1, 0))
	require.True(t, ok)

	c.Set(ctx, key(1, 2), make([]byte, 16))

	_, ok = c.Get(ctx, key(1, 0))
	assert.True(t, ok)
	_, ok = c.Get(ctx, key(1, 1))
	assert.False(t, ok)
	assert.LessOrEqual(t, c.Size(), int64(32))
}

func TestLRU_OversizedValueNotCached(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(16, nil)

	c.Set(ctx, key(1, 0), make([]byte, 64))
	_, ok := c.Get(ctx, key(1, 0))
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestLRU_RespectsResourceController(t *testing.T) {
	ctx := context.Background()
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 24})
	c := NewLRU(1024, rc)

	c.Set(ctx, key(1, 0), make([]byte, 16))
	_, ok := c.Get(ctx, key(1, 0))
	require.True(t, ok)

	// Controller denies the second entry; the cache drops it silently.
	c.Set(ctx, key(1, 1), make([]byte, 16))
	_, ok = c.Get(ctx, key(1, 1))
	assert.False(t, ok)

	require.NoError(t, c.Close())
	assert.Zero(t, rc.MemoryUsage())
}

func TestLRU_Invalidate(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(1024, nil)
	c.Set(ctx, key(1, 0), []byte("a"))
	c.Set(ctx, key(2, 0), []byte("b"))

	c.Invalidate(func(k Key) bool { return k.SegmentID == 1 })

	_, ok := c.Get(ctx, key(1, 0))
	assert.False(t, ok)
	_, ok = c.Get(ctx, key(2, 0))
	assert.True(t, ok)
}

func TestShardedLRU_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewShardedLRU(1<<20, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := key(uint64(g), uint64(i))
				c.Set(ctx, k, []byte(fmt.Sprintf("%d-%d", g, i)))
				if got, ok := c.Get(ctx, k); ok {
					assert.Equal(t, fmt.Sprintf("%d-%d", g, i), string(got))
				}
			}
		}(g)
	}
	wg.Wait()

	st := c.Stats()
	assert.Positive(t, st.Hits)
	require.NoError(t, c.Close())
}

func TestDisk_SetGetAndRescan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c, err := NewDisk(DiskConfig{RootDir: dir, MaxSizeBytes: 1 << 20})
	require.NoError(t, err)

	k := Key{Kind: KindTieredSegment, SegmentID: 42, Offset: 0}
	c.Set(ctx, k, []byte("segment bytes"))
	require.NoError(t, c.Close())

	waitFor(t, func() bool {
		_, ok := c.Get(ctx, k)
		return ok
	})

	// A fresh cache over the same directory finds the file again.
	c2, err := NewDisk(DiskConfig{RootDir: dir, MaxSizeBytes: 1 << 20})
	require.NoError(t, err)
	got, ok := c2.Get(ctx, k)
	require.True(t, ok)
	assert.Equal(t, []byte("segment bytes"), got)
	require.NoError(t, c2.Close())
}

func TestDisk_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, err := NewDisk(DiskConfig{RootDir: t.TempDir(), MaxSizeBytes: 1 << 20})
	require.NoError(t, err)

	k := Key{Kind: KindTieredSegment, SegmentID: 7, Offset: 0}
	c.Set(ctx, k, []byte("data"))
	require.NoError(t, c.Close())
	waitFor(t, func() bool {
		_, ok := c.Get(ctx, k)
		return ok
	})

	c.Invalidate(func(key Key) bool { return key.SegmentID == 7 })
	_, ok := c.Get(ctx, k)
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
