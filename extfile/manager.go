package extfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/stratadb/strata/compaction"
	"github.com/stratadb/strata/internal/fs"
	ihash "github.com/stratadb/strata/internal/hash"
	"github.com/stratadb/strata/internal/mmap"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

// ErrChecksumMismatch is returned when a registered file's bytes do not
// match the checksum recorded in its reference.
var ErrChecksumMismatch = errors.New("extfile: checksum mismatch")

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

	// Decoders override the default set (Columnar, Array, Tensor).
	Decoders []Decoder
}

// Manager tracks external file references: registration, mmap-backed
// reads with per-file deletion vectors, and promotion of cold native
// segments into the external tier.
type Manager struct {
	cfg      Config
	decoders map[model.FileFormat]Decoder

	mu       sync.Mutex
	mappings map[string]*mmap.Mapping
	deletes  map[string]*roaring.Bitmap
}

// New returns a Manager. Config.FS, Dir and View are required.
func New(cfg Config) *Manager {
	decoders := cfg.Decoders
	if decoders == nil {
		decoders = []Decoder{Columnar{}, Array{}, Tensor{}}
	}
	m := &Manager{
		cfg:      cfg,
		decoders: make(map[model.FileFormat]Decoder, len(decoders)),
		mappings: make(map[string]*mmap.Mapping),
		deletes:  make(map[string]*roaring.Bitmap),
	}
	for _, d := range decoders {
		m.decoders[d.Format()] = d
	}
	return m
}

// Register validates the file at ref.Path (relative to the data dir)
// and records the reference in the manifest. The payload stays where it
// is; only metadata moves.
func (m *Manager) Register(ctx context.Context, ref model.FileReference) error {
	dec, ok := m.decoders[ref.Format]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ref.Format)
	}

	data, err := m.readFile(ref.Path)
	if err != nil {
		return fmt.Errorf("extfile: read %s: %w", ref.Path, err)
	}
	if ref.Size != 0 && ref.Size != int64(len(data)) {
		return fmt.Errorf("extfile: %s is %d bytes, reference says %d", ref.Path, len(data), ref.Size)
	}
	if ref.Checksum != 0 && ref.Checksum != ihash.CRC32C(data) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, ref.Path)
	}
	if err := dec.Validate(data); err != nil {
		return fmt.Errorf("extfile: validate %s: %w", ref.Path, err)
	}
	ref.Size = int64(len(data))
	ref.Checksum = ihash.CRC32C(data)

	return m.cfg.View.Commit(func(man *manifest.Manifest) error {
		for _, existing := range man.External {
			if existing.Path == ref.Path {
				return fmt.Errorf("extfile: %s already registered", ref.Path)
			}
		}
		man.AddExternal(ref)
		return nil
	})
}

// Unregister drops the reference and any cached mapping. The file
// itself is left in place.
func (m *Manager) Unregister(ctx context.Context, path string) error {
	err := m.cfg.View.Commit(func(man *manifest.Manifest) error {
		if !man.RemoveExternal(path) {
			return fmt.Errorf("extfile: %s not registered", path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if mp, ok := m.mappings[path]; ok {
		delete(m.mappings, path)
		_ = mp.Close()
	}
	delete(m.deletes, path)
	m.mu.Unlock()
	_ = m.cfg.FS.Remove(filepath.Join(m.cfg.Dir, path+".del"))
	return nil
}

// mapping returns the mmap for a reference, mapping it on first access.
func (m *Manager) mapping(ref model.FileReference) (*mmap.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp, ok := m.mappings[ref.Path]; ok {
		return mp, nil
	}
	mp, err := mmap.Open(filepath.Join(m.cfg.Dir, ref.Path))
	if err != nil {
		return nil, fmt.Errorf("extfile: map %s: %w", ref.Path, err)
	}
	_ = mp.Advise(mmap.AccessRandom)
	m.mappings[ref.Path] = mp
	return mp, nil
}

// Get looks key up across all registered external files, newest
// registration first. Rows masked by a deletion vector do not match.
func (m *Manager) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	snap := m.cfg.View.Snapshot()
	for i := len(snap.External) - 1; i >= 0; i-- {
		ref := snap.External[i]
		value, ok, err := m.lookup(ref, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return value, true, nil
		}
	}
	return nil, false, nil
}

func (m *Manager) lookup(ref model.FileReference, key []byte) ([]byte, bool, error) {
	dec, ok := m.decoders[ref.Format]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ref.Format)
	}
	mp, err := m.mapping(ref)
	if err != nil {
		return nil, false, err
	}
	value, row, ok, err := dec.Lookup(mp.Bytes(), key)
	if err != nil || !ok {
		return nil, false, err
	}
	dv, err := m.deletionVector(ref.Path)
	if err != nil {
		return nil, false, err
	}
	if dv != nil && dv.Contains(row) {
		return nil, false, nil
	}
	// Copy out of the mapping so callers never hold mmap'd memory.
	return append([]byte(nil), value...), true, nil
}

// DeleteRow masks one row of an external file and persists the deletion
// vector sidecar. The file itself stays untouched.
func (m *Manager) DeleteRow(ctx context.Context, path string, row uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dv, err := m.loadDeletesLocked(path)
	if err != nil {
		return err
	}
	if dv == nil {
		dv = roaring.New()
		m.deletes[path] = dv
	}
	dv.Add(row)
	return m.saveDeletesLocked(path, dv)
}

// DeletedRows returns how many rows of a file are masked.
func (m *Manager) DeletedRows(path string) (uint64, error) {
	dv, err := m.deletionVector(path)
	if err != nil || dv == nil {
		return 0, err
	}
	return dv.GetCardinality(), nil
}

func (m *Manager) deletionVector(path string) (*roaring.Bitmap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadDeletesLocked(path)
}

// loadDeletesLocked returns the cached bitmap, loading the sidecar file
// on first access. A missing sidecar means nothing is deleted.
func (m *Manager) loadDeletesLocked(path string) (*roaring.Bitmap, error) {
	if dv, ok := m.deletes[path]; ok {
		return dv, nil
	}
	data, err := m.readFile(path + ".del")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("extfile: read deletion vector for %s: %w", path, err)
	}
	dv := roaring.New()
	if err := dv.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("extfile: decode deletion vector for %s: %w", path, err)
	}
	m.deletes[path] = dv
	return dv, nil
}

func (m *Manager) saveDeletesLocked(path string, dv *roaring.Bitmap) error {
	data, err := dv.MarshalBinary()
	if err != nil {
		return err
	}
	side := filepath.Join(m.cfg.Dir, path+".del")
	tmp := side + ".tmp"
	f, err := m.cfg.FS.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return m.cfg.FS.Rename(tmp, side)
}

// PromoteSegment rewrites a cold native segment as a columnar external
// file, registers the reference, retires the segment from its level and
// deletes the segment file. Tombstones in the segment are dropped.
func (m *Manager) PromoteSegment(ctx context.Context, info manifest.SegmentInfo) error {
	if info.Tiered {
		return fmt.Errorf("extfile: segment %d is tiered, fetch it before promoting", info.ID)
	}

	recs, err := m.readSegment(info)
	if err != nil {
		return err
	}
	live := recs[:0]
	for _, r := range recs {
		if r.Op == model.OpAssert {
			live = append(live, r)
		}
	}

	extPath := filepath.Join("external", fmt.Sprintf("segment_%d.col", info.ID))
	data := EncodeColumnar(live)
	if err := m.writeFile(extPath, data); err != nil {
		return fmt.Errorf("extfile: write %s: %w", extPath, err)
	}

	ref := model.FileReference{
		Path:     extPath,
		Format:   model.FormatColumnar,
		Size:     int64(len(data)),
		Checksum: ihash.CRC32C(data),
	}
	err = m.cfg.View.Commit(func(man *manifest.Manifest) error {
		if _, ok := man.FindSegment(info.ID); !ok {
			return fmt.Errorf("extfile: segment %d retired concurrently", info.ID)
		}
		man.RemoveSegments(info.Level, info.ID)
		man.AddExternal(ref)
		return nil
	})
	if err != nil {
		_ = m.cfg.FS.Remove(filepath.Join(m.cfg.Dir, extPath))
		return err
	}

	_ = m.cfg.FS.Remove(filepath.Join(m.cfg.Dir, info.Path))
	return nil
}

func (m *Manager) readSegment(info manifest.SegmentInfo) ([]model.Record, error) {
	f, err := m.cfg.FS.OpenFile(filepath.Join(m.cfg.Dir, info.Path), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r, err := sstable.NewReader(f, st.Size())
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	it, err := compaction.NewSegmentIterator(r)
	if err != nil {
		return nil, err
	}
	var recs []model.Record
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return recs, nil
		}
		recs = append(recs, rec)
	}
}

func (m *Manager) readFile(relPath string) ([]byte, error) {
	f, err := m.cfg.FS.OpenFile(filepath.Join(m.cfg.Dir, relPath), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (m *Manager) writeFile(relPath string, data []byte) error {
	full := filepath.Join(m.cfg.Dir, relPath)
	if err := m.cfg.FS.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := m.cfg.FS.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close unmaps every cached file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for path, mp := range m.mappings {
		if err := mp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.mappings, path)
	}
	return firstErr
}
