// Package cache provides byte-oriented caches for immutable segment data.
package cache

import (
	"context"

	"github.com/stratadb/strata/model"
)

// Kind separates key spaces so different block types never collide.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSegmentBlock
	KindIndexBlock
	KindTieredSegment
	KindExternalFile
	// KindBlobBlock keys block-aligned reads of a named blob; the
	// SegmentID field carries a hash of the blob name.
	KindBlobBlock
)

// Key identifies a cached block. Segments are immutable, so a key is valid
// for as long as the segment exists.
type Key struct {
	Kind      Kind
	SegmentID model.SegmentID
	// Offset is a logical block identifier, usually a byte offset divided
	// by the block size.
	Offset uint64
}

// BlockCache is a byte cache for immutable blocks. Returned slices must be
// treated as read-only.
type BlockCache interface {
	// Get returns a cached block, or ok=false on a miss.
	Get(ctx context.Context, key Key) (b []byte, ok bool)
	// Set caches a block. The cache may retain b; callers must not mutate
	// it afterwards.
	Set(ctx context.Context, key Key, b []byte)
}

// Stats reports cumulative hit and miss counts.
type Stats struct {
	Hits   int64
	Misses int64
}
