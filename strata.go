package strata

import (
	"context"
	"time"

	"github.com/stratadb/strata/engine"
	"github.com/stratadb/strata/model"
)

// Option configures a DB. All engine options apply unchanged.
type Option = engine.Option

// Re-exported engine options, so most callers never import the engine
// package directly.
var (
	WithMemTableSize       = engine.WithMemTableSize
	WithMaxImmutables      = engine.WithMaxImmutables
	WithL0Threshold        = engine.WithL0Threshold
	WithTargetSegmentSize  = engine.WithTargetSegmentSize
	WithCompression        = engine.WithCompression
	WithDedupPolicy        = engine.WithDedupPolicy
	WithColdLevel          = engine.WithColdLevel
	WithBloomFPR           = engine.WithBloomFPR
	WithSparseInterval     = engine.WithSparseInterval
	WithWALOptions         = engine.WithWALOptions
	WithBlockCacheSize     = engine.WithBlockCacheSize
	WithTieredStore        = engine.WithTieredStore
	WithColdPromotionAge   = engine.WithColdPromotionAge
	WithBackgroundInterval = engine.WithBackgroundInterval
	WithWorkers            = engine.WithWorkers
	WithFileSystem         = engine.WithFileSystem
	WithResourceController = engine.WithResourceController
	WithLogger             = engine.WithLogger
	WithBlockCache         = engine.WithBlockCache
)

// DB is an embedded key-value store. All methods are safe for
// concurrent use.
type DB struct {
	eng     *engine.Engine
	metrics MetricsCollector
}

// Open opens or creates a database at dir.
func Open(dir string, opts ...Option) (*DB, error) {
	eng, err := engine.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng, metrics: NoopMetricsCollector{}}, nil
}

// SetMetricsCollector installs a collector for operation metrics. Call
// it before the database is shared between goroutines.
func (db *DB) SetMetricsCollector(mc MetricsCollector) {
	if mc == nil {
		mc = NoopMetricsCollector{}
	}
	db.metrics = mc
}

// Put inserts or replaces the value for a key.
func (db *DB) Put(ctx context.Context, key, value []byte) error {
	start := time.Now()
	err := db.eng.Put(ctx, key, value)
	db.metrics.RecordPut(time.Since(start), err)
	return err
}

// Get returns the newest value for a key, or ErrNotFound.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	start := time.Now()
	v, err := db.eng.Get(ctx, key)
	db.metrics.RecordGet(time.Since(start), err)
	return v, err
}

// Delete removes a key. The deletion is a tombstone until compaction
// reclaims the space.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	start := time.Now()
	err := db.eng.Retract(ctx, key)
	db.metrics.RecordDelete(time.Since(start), err)
	return err
}

// Scan calls fn for every live key in [start, end] in ascending order.
// A nil end means no upper bound.
func (db *DB) Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	t := time.Now()
	err := db.eng.Scan(ctx, start, end, fn)
	db.metrics.RecordScan(time.Since(t), err)
	return err
}

// Flush forces every buffered write down to level 0.
func (db *DB) Flush(ctx context.Context) error {
	return db.eng.Flush(ctx)
}

// RegisterExternal adds a pre-built external file to the read path.
func (db *DB) RegisterExternal(ctx context.Context, ref model.FileReference) error {
	return db.eng.RegisterExternal(ctx, ref)
}

// UnregisterExternal removes an external file from the read path.
func (db *DB) UnregisterExternal(ctx context.Context, path string) error {
	return db.eng.UnregisterExternal(ctx, path)
}

// DeleteExternalRow masks a single row of an external file.
func (db *DB) DeleteExternalRow(ctx context.Context, path string, row uint32) error {
	return db.eng.DeleteExternalRow(ctx, path, row)
}

// PromoteSegment rewrites a cold native segment as an external columnar
// file.
func (db *DB) PromoteSegment(ctx context.Context, id model.SegmentID) error {
	return db.eng.PromoteSegment(ctx, id)
}

// Stats reports current engine state.
func (db *DB) Stats() engine.Stats {
	return db.eng.Stats()
}

// Close stops background work and releases all resources. Buffered
// writes stay durable in the WAL and replay on the next Open.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.eng.Close()
}
