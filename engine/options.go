package engine

import (
	"log/slog"
	"time"

	"github.com/stratadb/strata/blobstore"
	"github.com/stratadb/strata/cache"
	"github.com/stratadb/strata/compaction"
	"github.com/stratadb/strata/index"
	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/internal/resource"
	"github.com/stratadb/strata/sstable"
	"github.com/stratadb/strata/tiered"
	"github.com/stratadb/strata/wal"
)

// Options is the full configuration surface of an engine instance.
type Options struct {
	// MemTableSize is the flush threshold per memtable in bytes.
	MemTableSize int64
	// MaxImmutables bounds how many frozen memtables may queue for
	// flush before writes stall.
	MaxImmutables int

	// L0Threshold is the level-0 segment count that triggers
	// compaction into level 1.
	L0Threshold int
	// TargetSegmentSize splits compaction output files.
	TargetSegmentSize int64
	// Compression is the codec for segment values.
	Compression sstable.Compression
	// Dedup is the merge deduplication policy.
	Dedup compaction.DedupPolicy
	// ColdLevel is the first level served by a sparse-only index.
	ColdLevel int

	// BloomFPR is the false-positive rate for level 1+ Bloom filters.
	BloomFPR float64
	// SparseInterval is the byte interval between sparse index samples.
	SparseInterval int

	// WAL configures append durability.
	WAL wal.Options

	// BlockCacheSize bounds the shared read cache in bytes.
	BlockCacheSize int64

	// TieredStore, when set, enables the tiering job with TieredPolicy.
	TieredStore  blobstore.BlobStore
	TieredPolicy tiered.Policy

	// ColdPromotionAge, when positive, promotes segments at ColdLevel
	// or deeper into external columnar files once they are this old.
	ColdPromotionAge time.Duration

	// BackgroundInterval is the tick driving flush, compaction and
	// tiering checks when no explicit trigger fires.
	BackgroundInterval time.Duration
	// Workers sizes the background worker pool.
	Workers int

	FS         fs.FileSystem
	Controller *resource.Controller
	Logger     *slog.Logger
	Cache      cache.BlockCache
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MemTableSize:       64 << 20,
		MaxImmutables:      4,
		L0Threshold:        compaction.DefaultL0Threshold,
		TargetSegmentSize:  64 << 20,
		Compression:        sstable.CompressionZstd,
		Dedup:              compaction.LastWriteWins{},
		ColdLevel:          3,
		BloomFPR:           0.01,
		SparseInterval:     index.DefaultSparseInterval,
		WAL:                wal.DefaultOptions(),
		BlockCacheSize:     256 << 20,
		BackgroundInterval: time.Second,
		Workers:            4,
	}
}

// Option mutates Options.
type Option func(*Options)

func WithMemTableSize(size int64) Option {
	return func(o *Options) { o.MemTableSize = size }
}

func WithMaxImmutables(n int) Option {
	return func(o *Options) { o.MaxImmutables = n }
}

func WithL0Threshold(n int) Option {
	return func(o *Options) { o.L0Threshold = n }
}

func WithTargetSegmentSize(size int64) Option {
	return func(o *Options) { o.TargetSegmentSize = size }
}

func WithCompression(c sstable.Compression) Option {
	return func(o *Options) { o.Compression = c }
}

func WithDedupPolicy(p compaction.DedupPolicy) Option {
	return func(o *Options) {
		if p != nil {
			o.Dedup = p
		}
	}
}

func WithColdLevel(level int) Option {
	return func(o *Options) { o.ColdLevel = level }
}

func WithBloomFPR(fpr float64) Option {
	return func(o *Options) { o.BloomFPR = fpr }
}

func WithSparseInterval(interval int) Option {
	return func(o *Options) { o.SparseInterval = interval }
}

func WithWALOptions(opts wal.Options) Option {
	return func(o *Options) { o.WAL = opts }
}

func WithBlockCacheSize(size int64) Option {
	return func(o *Options) { o.BlockCacheSize = size }
}

// WithTieredStore enables background tiering of cold segments into the
// given object store.
func WithTieredStore(store blobstore.BlobStore, policy tiered.Policy) Option {
	return func(o *Options) {
		o.TieredStore = store
		o.TieredPolicy = policy
	}
}

func WithColdPromotionAge(age time.Duration) Option {
	return func(o *Options) { o.ColdPromotionAge = age }
}

func WithBackgroundInterval(d time.Duration) Option {
	return func(o *Options) { o.BackgroundInterval = d }
}

func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *Options) { o.FS = fsys }
}

func WithResourceController(rc *resource.Controller) Option {
	return func(o *Options) { o.Controller = rc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func WithBlockCache(c cache.BlockCache) Option {
	return func(o *Options) { o.Cache = c }
}
