package cache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/stratadb/strata/model"
)

// DiskConfig configures a disk-backed cache.
type DiskConfig struct {
	// RootDir is where cache files live.
	RootDir string
	// MaxSizeBytes caps the total bytes on disk.
	MaxSizeBytes int64
	// MaxConcurrentWrites bounds background spill goroutines. Defaults to
	// 16 when <= 0.
	MaxConcurrentWrites int64
}

// Disk is a file-per-block cache on local disk, fronting slow object
// storage. The tiered read path parks fetched segments here so a hot
// retired segment is pulled from the store once, not per read. An
// in-memory LRU index tracks what is on disk; startup rescans the
// directory so the cache survives restarts.
type Disk struct {
	mu        sync.Mutex
	rootDir   string
	maxSize   int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List

	writeSem *semaphore.Weighted
	wg       sync.WaitGroup

	hits   atomic.Int64
	misses atomic.Int64
}

type diskEntry struct {
	key  Key
	path string
	size int64
}

// NewDisk creates the cache directory if needed and rebuilds the index
// from files already present.
func NewDisk(cfg DiskConfig) (*Disk, error) {
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, err
	}

	maxWrites := cfg.MaxConcurrentWrites
	if maxWrites <= 0 {
		maxWrites = 16
	}

	c := &Disk{
		rootDir:   cfg.RootDir,
		maxSize:   cfg.MaxSizeBytes,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
		writeSem:  semaphore.NewWeighted(maxWrites),
	}
	c.scan()
	return c, nil
}

func (c *Disk) scan() {
	entries, err := os.ReadDir(c.rootDir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		key, ok := parseBlockName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		c.add(key, filepath.Join(c.rootDir, de.Name()), info.Size())
	}
}

func blockName(key Key) string {
	return fmt.Sprintf("%d-%d-%d.blk", key.Kind, key.SegmentID, key.Offset)
}

func parseBlockName(name string) (Key, bool) {
	var kind int
	var segID uint64
	var off uint64
	n, err := fmt.Sscanf(name, "%d-%d-%d.blk", &kind, &segID, &off)
	if err != nil || n != 3 {
		return Key{}, false
	}
	return Key{Kind: Kind(kind), SegmentID: model.SegmentID(segID), Offset: off}, true
}

func (c *Disk) Get(_ context.Context, key Key) ([]byte, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	var path string
	if ok {
		c.evictList.MoveToFront(elem)
		path = elem.Value.(*diskEntry).path
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// The file vanished underneath us; drop the index entry.
		c.mu.Lock()
		if elem, ok := c.items[key]; ok {
			c.removeElement(elem)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Set spills b to disk in the background. The index is only updated once
// the file is durably in place, so a concurrent Get misses and refetches
// during the write window.
func (c *Disk) Set(_ context.Context, key Key, b []byte) {
	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		c.mu.Unlock()
		return
	}
	size := int64(len(b))
	for c.size+size > c.maxSize && c.evictList.Len() > 0 {
		c.removeElement(c.evictList.Back())
	}
	c.mu.Unlock()

	if !c.writeSem.TryAcquire(1) {
		return
	}

	absPath := filepath.Join(c.rootDir, blockName(key))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.writeSem.Release(1)

		tmp, err := os.CreateTemp(c.rootDir, "tmp-blk-*")
		if err != nil {
			return
		}
		tmpName := tmp.Name()
		defer os.Remove(tmpName)

		if _, err := tmp.Write(b); err != nil {
			_ = tmp.Close()
			return
		}
		if err := tmp.Close(); err != nil {
			return
		}
		if err := os.Rename(tmpName, absPath); err != nil {
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		for c.size+size > c.maxSize && c.evictList.Len() > 0 {
			c.removeElement(c.evictList.Back())
		}
		c.add(key, absPath, size)
	}()
}

// Invalidate deletes matching entries and their files.
func (c *Disk) Invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, elem := range c.items {
		if predicate(key) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		c.removeElement(elem)
	}
}

// Close waits for in-flight background writes.
func (c *Disk) Close() error {
	c.wg.Wait()
	return nil
}

// Size returns the indexed bytes on disk.
func (c *Disk) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns cumulative hit and miss counts.
func (c *Disk) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Disk) add(key Key, path string, size int64) {
	if _, ok := c.items[key]; ok {
		return
	}
	c.items[key] = c.evictList.PushFront(&diskEntry{key: key, path: path, size: size})
	c.size += size
}

func (c *Disk) removeElement(elem *list.Element) {
	c.evictList.Remove(elem)
	ent := elem.Value.(*diskEntry)
	delete(c.items, ent.key)
	c.size -= ent.size
	_ = os.Remove(ent.path)
}
