package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/stratadb/strata/internal/fs"
)

const (
	// CurrentVersion is the manifest format version this build writes.
	CurrentVersion = 1

	currentFile    = "CURRENT"
	manifestFormat = "MANIFEST-%06d.json"
	manifestKeep   = 4
)

// ErrIncompatibleVersion is returned when the on-disk manifest was
// written by a newer format.
var ErrIncompatibleVersion = fmt.Errorf("manifest: incompatible version")

// Store persists manifests under a directory. Each Save writes a fresh
// MANIFEST-%06d.json and then swaps the CURRENT pointer to it, so a
// crash at any point leaves either the old or the new catalog intact.
type Store struct {
	mu   sync.Mutex
	fsys fs.FileSystem
	dir  string
}

// NewStore returns a Store rooted at dir, creating it if needed.
func NewStore(fsys fs.FileSystem, dir string) (*Store, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create dir: %w", err)
	}
	return &Store{fsys: fsys, dir: dir}, nil
}

// Load reads the manifest named by CURRENT. A missing CURRENT file
// yields an empty manifest with ID 0, the state of a fresh store.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, err := s.readCurrent()
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Version: CurrentVersion}, nil
		}
		return nil, err
	}

	f, err := s.fsys.OpenFile(filepath.Join(s.dir, name), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", name, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", name, err)
	}
	if m.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: found %d, supported up to %d", ErrIncompatibleVersion, m.Version, CurrentVersion)
	}
	return &m, nil
}

// Save persists m as the next manifest version and points CURRENT at
// it. The manifest file becomes durable before the pointer moves. m's
// ID is advanced in place.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++

	name := fmt.Sprintf(manifestFormat, m.ID)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode: %w", err)
	}
	if err := s.writeFileDurable(name, data); err != nil {
		return err
	}
	if err := s.writeFileDurable(currentFile, []byte(name+"\n")); err != nil {
		return err
	}
	s.removeStale(m.ID)
	return nil
}

// CurrentName returns the manifest file CURRENT points at.
func (s *Store) CurrentName() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCurrent()
}

func (s *Store) readCurrent() (string, error) {
	f, err := s.fsys.OpenFile(filepath.Join(s.dir, currentFile), os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("manifest: read CURRENT: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("manifest: malformed CURRENT pointer %q", name)
	}
	return name, nil
}

// writeFileDurable writes data to name via a temp file, fsync, rename,
// and directory fsync.
func (s *Store) writeFileDurable(name string, data []byte) error {
	tmp := filepath.Join(s.dir, name+".tmp")
	final := filepath.Join(s.dir, name)

	f, err := s.fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("manifest: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("manifest: close %s: %w", tmp, err)
	}
	if err := s.fsys.Rename(tmp, final); err != nil {
		_ = s.fsys.Remove(tmp)
		return fmt.Errorf("manifest: rename %s: %w", name, err)
	}
	if err := fs.SyncDir(s.fsys, s.dir); err != nil {
		return fmt.Errorf("manifest: sync dir: %w", err)
	}
	return nil
}

// removeStale deletes manifest files older than the retention window.
// Failures are ignored; stale files are garbage, not state.
func (s *Store) removeStale(latest uint64) {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		id, ok := parseManifestName(e.Name())
		if !ok {
			continue
		}
		if id+manifestKeep <= latest {
			_ = s.fsys.Remove(filepath.Join(s.dir, e.Name()))
		}
	}
}

func parseManifestName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, "MANIFEST-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
