package tiered

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/stratadb/strata/blobstore"
	"github.com/stratadb/strata/cache"
	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/internal/resource"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
)

// ErrUnavailable is returned when a tiered segment cannot be fetched
// within the retry budget. The segment still exists; the backing store
// was unreachable.
var ErrUnavailable = errors.New("tiered: segment unavailable")

// View mirrors the manifest coordination surface the engine exposes to
// background jobs.
type View interface {
	Snapshot() *manifest.Manifest
	Commit(apply func(m *manifest.Manifest) error) error
}

// Config wires a Manager.
type Config struct {
	FS   fs.FileSystem
	Dir  string
	View View
	// Store receives tiered segment bytes.
	Store blobstore.BlobStore
	// Policy selects which segments move. Required.
	Policy Policy

	// Cache holds fetched segments locally so repeated reads of a
	// tiered segment hit the network once. Optional.
	Cache cache.BlockCache

	// MinLevel protects young levels: segments below it never tier.
	// Defaults to 1.
	MinLevel int

	// FetchRetries bounds download attempts; FetchBackoff is the first
	// retry delay, doubled per attempt.
	FetchRetries int
	FetchBackoff time.Duration

	// Controller, when set, rate-limits upload and download bytes.
	Controller *resource.Controller

	Logger *slog.Logger
}

// Manager runs the tiering policy and serves reads of tiered segments.
type Manager struct {
	cfg Config

	access *accessCounter
	dec    *zstd.Decoder
}

// New returns a Manager. Config.FS, Dir, View, Store and Policy are
// required.
func New(cfg Config) (*Manager, error) {
	if cfg.MinLevel <= 0 {
		cfg.MinLevel = 1
	}
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = 3
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("tiered: init zstd: %w", err)
	}
	return &Manager{cfg: cfg, access: newAccessCounter(), dec: dec}, nil
}

// RecordAccess notes a read against a segment, feeding access-count
// policies.
func (m *Manager) RecordAccess(id model.SegmentID) {
	m.access.inc(id)
}

// BlobName returns the object-store name a segment tiers to.
func BlobName(id model.SegmentID) string {
	return path.Join("tiered", fmt.Sprintf("segment_%d.seg.zst", id))
}

// RunOnce evaluates the policy over every eligible segment and tiers
// the matches. It returns the number of segments moved.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	snap := m.cfg.View.Snapshot()

	var localBytes int64
	for _, s := range snap.AllSegments() {
		if !s.Tiered {
			localBytes += s.Size
		}
	}

	moved := 0
	for _, s := range snap.AllSegments() {
		if err := ctx.Err(); err != nil {
			return moved, err
		}
		if s.Tiered || s.Level < m.cfg.MinLevel {
			continue
		}
		stats := SegmentStats{AccessCount: m.access.get(s.ID), LocalBytes: localBytes}
		if !m.cfg.Policy.ShouldTier(s, stats) {
			continue
		}
		if err := m.tierSegment(ctx, s); err != nil {
			return moved, err
		}
		localBytes -= s.Size
		moved++
	}
	return moved, nil
}

// tierSegment uploads one segment, marks it in the manifest, then
// removes the local file. The order matters: the local copy is only
// deleted once the manifest says the blob is authoritative.
func (m *Manager) tierSegment(ctx context.Context, info manifest.SegmentInfo) error {
	data, err := m.readLocal(info)
	if err != nil {
		return fmt.Errorf("tiered: read segment %d: %w", info.ID, err)
	}

	compressed := encodeAll(data)
	if m.cfg.Controller != nil {
		if err := m.cfg.Controller.AcquireIO(ctx, len(compressed)); err != nil {
			return err
		}
	}

	name := BlobName(info.ID)
	if err := m.cfg.Store.Put(ctx, name, compressed); err != nil {
		return fmt.Errorf("tiered: upload segment %d: %w", info.ID, err)
	}

	err = m.cfg.View.Commit(func(man *manifest.Manifest) error {
		if !man.MarkTiered(info.ID, name) {
			return fmt.Errorf("tiered: segment %d retired concurrently", info.ID)
		}
		return nil
	})
	if err != nil {
		// The uploaded blob is orphaned; remove it on a best-effort
		// basis, the next run would overwrite it anyway.
		_ = m.cfg.Store.Delete(ctx, name)
		return err
	}

	_ = m.cfg.FS.Remove(filepath.Join(m.cfg.Dir, info.Path))
	m.cfg.Logger.Info("segment tiered",
		"segment", uint64(info.ID),
		"level", info.Level,
		"size", info.Size,
		"compressed", len(compressed))
	return nil
}

func (m *Manager) readLocal(info manifest.SegmentInfo) ([]byte, error) {
	f, err := m.cfg.FS.OpenFile(filepath.Join(m.cfg.Dir, info.Path), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// Fetch returns the full segment bytes for a tiered segment, consulting
// the local cache first. Store failures retry with exponential backoff
// and surface as ErrUnavailable once the budget is spent.
func (m *Manager) Fetch(ctx context.Context, info manifest.SegmentInfo) ([]byte, error) {
	if !info.Tiered {
		return nil, fmt.Errorf("tiered: segment %d is local", info.ID)
	}
	if m.cfg.Cache != nil {
		key := cache.Key{Kind: cache.KindTieredSegment, SegmentID: info.ID}
		if data, ok := m.cfg.Cache.Get(ctx, key); ok {
			return data, nil
		}
	}
	return m.fetchRemote(ctx, info)
}

// Refetch re-downloads a tiered segment from the store, skipping any
// cached copy and replacing it. Readers call this when cached bytes
// fail checksum verification.
func (m *Manager) Refetch(ctx context.Context, info manifest.SegmentInfo) ([]byte, error) {
	if !info.Tiered {
		return nil, fmt.Errorf("tiered: segment %d is local", info.ID)
	}
	m.cfg.Logger.Warn("refetching tiered segment after corrupt read", "segment", info.ID)
	return m.fetchRemote(ctx, info)
}

func (m *Manager) fetchRemote(ctx context.Context, info manifest.SegmentInfo) ([]byte, error) {
	compressed, err := m.download(ctx, info.TieredPath)
	if err != nil {
		return nil, err
	}
	data, err := m.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("tiered: decompress segment %d: %w", info.ID, err)
	}

	if m.cfg.Cache != nil {
		m.cfg.Cache.Set(ctx, cache.Key{Kind: cache.KindTieredSegment, SegmentID: info.ID}, data)
	}
	return data, nil
}

func (m *Manager) download(ctx context.Context, name string) ([]byte, error) {
	backoff := m.cfg.FetchBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		data, err := m.tryDownload(ctx, name)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, blobstore.ErrNotFound) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		m.cfg.Logger.Warn("tiered fetch failed",
			"blob", name,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, name, lastErr)
}

func (m *Manager) tryDownload(ctx context.Context, name string) ([]byte, error) {
	blob, err := m.cfg.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = blob.Close() }()

	size := blob.Size()
	if m.cfg.Controller != nil {
		if err := m.cfg.Controller.AcquireIO(ctx, int(size)); err != nil {
			return nil, err
		}
	}
	rc, err := blob.ReadRange(ctx, 0, size)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Close releases the decoder.
func (m *Manager) Close() error {
	m.dec.Close()
	return nil
}

type accessCounter struct {
	mu     sync.Mutex
	counts map[model.SegmentID]uint64
}

func newAccessCounter() *accessCounter {
	return &accessCounter{counts: make(map[model.SegmentID]uint64)}
}

func (a *accessCounter) inc(id model.SegmentID) {
	a.mu.Lock()
	a.counts[id]++
	a.mu.Unlock()
}

func (a *accessCounter) get(id model.SegmentID) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[id]
}

// enc is safe for concurrent EncodeAll use.
var enc = func() *zstd.Encoder {
	e, _ := zstd.NewWriter(nil)
	return e
}()

func encodeAll(data []byte) []byte {
	return enc.EncodeAll(data, nil)
}
