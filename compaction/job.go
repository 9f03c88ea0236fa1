package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/internal/resource"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

// State tracks where a job is in its lifecycle. Everything before
// Retiring has no externally visible effect.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateMerging
	StateSealing
	StateRetiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSelecting:
		return "selecting"
	case StateMerging:
		return "merging"
	case StateSealing:
		return "sealing"
	case StateRetiring:
		return "retiring"
	default:
		return "unknown"
	}
}

// View is the compactor's window onto shared manifest state. Snapshot
// returns an immutable copy; Commit applies a mutation to the
// authoritative manifest and persists it atomically.
type View interface {
	Snapshot() *manifest.Manifest
	Commit(apply func(m *manifest.Manifest) error) error
	// ReserveSegmentIDs hands out n fresh segment ids. The reservation
	// survives crashes because unreferenced segment files are discarded
	// during recovery.
	ReserveSegmentIDs(n int) model.SegmentID
}

// Config wires a Compactor.
type Config struct {
	FS   fs.FileSystem
	Dir  string
	View View

	// Dedup decides which versions survive a merge. Defaults to
	// LastWriteWins.
	Dedup DedupPolicy
	// Leveled selects what to compact. Defaults to NewLeveledPolicy().
	Leveled *LeveledPolicy

	// TargetSegmentSize splits compaction output into segments of
	// roughly this many bytes. Defaults to 64 MiB.
	TargetSegmentSize int64
	Compression       sstable.Compression
	// ColdLevel is the first level whose segments carry only a sparse
	// index. Defaults to 3.
	ColdLevel int

	// KeepInputs leaves retired input segment files on disk after the
	// commit. Set by owners that pin segments for in-flight reads and
	// delete the files once the last reader releases.
	KeepInputs bool

	// Controller, when set, rate-limits output writes so compaction IO
	// cannot starve foreground reads.
	Controller *resource.Controller

	Logger *slog.Logger

	// MaxBackoff caps the retry delay after failed jobs.
	MaxBackoff time.Duration
}

// Compactor drives the per-level-pair compaction state machine. At most
// one job runs per level pair; distinct pairs may compact concurrently.
type Compactor struct {
	cfg Config

	mu      sync.Mutex
	running map[int]bool      // keyed by FromLevel
	backoff map[int]blackout  // failure bookkeeping per FromLevel
	states  map[int]State
}

type blackout struct {
	failures int
	until    time.Time
}

// New returns a Compactor. Config.FS, Dir and View are required.
func New(cfg Config) *Compactor {
	if cfg.Dedup == nil {
		cfg.Dedup = LastWriteWins{}
	}
	if cfg.Leveled == nil {
		cfg.Leveled = NewLeveledPolicy()
	}
	if cfg.TargetSegmentSize <= 0 {
		cfg.TargetSegmentSize = 64 << 20
	}
	if cfg.ColdLevel <= 0 {
		cfg.ColdLevel = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	return &Compactor{
		cfg:     cfg,
		running: make(map[int]bool),
		backoff: make(map[int]blackout),
		states:  make(map[int]State),
	}
}

// StateOf reports the current state of the job for a source level.
func (c *Compactor) StateOf(fromLevel int) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[fromLevel]
}

// RunOnce picks and runs at most one compaction job to completion. It
// returns false when nothing needed compacting or the eligible level
// pair was busy or backing off.
func (c *Compactor) RunOnce(ctx context.Context) (bool, error) {
	snap := c.cfg.View.Snapshot()
	task, ok := c.cfg.Leveled.Pick(snap)
	if !ok {
		return false, nil
	}
	if !c.tryStart(task.FromLevel) {
		return false, nil
	}
	defer c.finish(task.FromLevel)

	err := c.run(ctx, snap, task)
	if err != nil {
		c.recordFailure(task.FromLevel)
		c.cfg.Logger.Error("compaction failed",
			"from_level", task.FromLevel,
			"to_level", task.ToLevel,
			"error", err)
		return false, err
	}
	c.clearFailure(task.FromLevel)
	return true, nil
}

func (c *Compactor) tryStart(fromLevel int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[fromLevel] {
		return false
	}
	if bo := c.backoff[fromLevel]; time.Now().Before(bo.until) {
		return false
	}
	c.running[fromLevel] = true
	return true
}

func (c *Compactor) finish(fromLevel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, fromLevel)
	c.states[fromLevel] = StateIdle
}

func (c *Compactor) setState(fromLevel int, s State) {
	c.mu.Lock()
	c.states[fromLevel] = s
	c.mu.Unlock()
}

func (c *Compactor) recordFailure(fromLevel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bo := c.backoff[fromLevel]
	bo.failures++
	delay := time.Second << uint(bo.failures-1)
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	bo.until = time.Now().Add(delay)
	c.backoff[fromLevel] = bo
}

func (c *Compactor) clearFailure(fromLevel int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.backoff, fromLevel)
}

// run executes one task. Nothing before the final Commit mutates shared
// state, so an error or cancellation anywhere earlier leaves the inputs
// exactly as they were.
func (c *Compactor) run(ctx context.Context, snap *manifest.Manifest, task *Task) error {
	c.setState(task.FromLevel, StateSelecting)
	c.cfg.Logger.Info("compaction started",
		"from_level", task.FromLevel,
		"to_level", task.ToLevel,
		"inputs", len(task.Inputs),
		"overlapping", len(task.Overlapping))

	c.setState(task.FromLevel, StateMerging)
	merged, err := c.openMerge(task)
	if err != nil {
		return err
	}
	stream := NewDedupIterator(merged, c.cfg.Dedup)
	defer func() { _ = stream.Close() }()

	c.setState(task.FromLevel, StateSealing)
	outputs, err := c.writeOutputs(ctx, stream, task.ToLevel)
	if err != nil {
		c.removeFiles(outputs)
		return err
	}

	c.setState(task.FromLevel, StateRetiring)
	if err := c.commit(task, outputs); err != nil {
		c.removeFiles(outputs)
		return err
	}

	// Inputs are retired from the manifest. Their files are deleted here
	// unless the View owner defers deletion until its readers drain.
	if !c.cfg.KeepInputs {
		for _, s := range append(task.Inputs, task.Overlapping...) {
			_ = c.cfg.FS.Remove(filepath.Join(c.cfg.Dir, s.Path))
		}
	}

	c.cfg.Logger.Info("compaction finished",
		"from_level", task.FromLevel,
		"to_level", task.ToLevel,
		"outputs", len(outputs))
	return nil
}

// openMerge opens every input segment. Sources are ordered newest first
// so merge ties resolve toward recency: from-level segments in manifest
// order, then the to-level overlaps.
func (c *Compactor) openMerge(task *Task) (*MergeIterator, error) {
	var sources []Iterator
	fail := func(err error) (*MergeIterator, error) {
		for _, it := range sources {
			_ = it.Close()
		}
		return nil, err
	}
	for _, info := range append(append([]manifest.SegmentInfo(nil), task.Inputs...), task.Overlapping...) {
		it, err := c.openSegment(info)
		if err != nil {
			return fail(fmt.Errorf("compaction: open segment %d: %w", info.ID, err))
		}
		sources = append(sources, it)
	}
	m, err := NewMergeIterator(sources...)
	if err != nil {
		return fail(err)
	}
	return m, nil
}

func (c *Compactor) openSegment(info manifest.SegmentInfo) (Iterator, error) {
	f, err := c.cfg.FS.OpenFile(filepath.Join(c.cfg.Dir, info.Path), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r, err := sstable.NewReader(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	it, err := NewSegmentIterator(r)
	if err != nil {
		_ = r.Close()
		_ = f.Close()
		return nil, err
	}
	return &fileIterator{SegmentIterator: it, f: f}, nil
}

type fileIterator struct {
	*SegmentIterator
	f fs.File
}

func (it *fileIterator) Close() error {
	err := it.SegmentIterator.Close()
	if cerr := it.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeOutputs drains the deduplicated stream into one or more sealed
// segment files, rolling to a new file at the target size.
func (c *Compactor) writeOutputs(ctx context.Context, stream Iterator, toLevel int) ([]manifest.SegmentInfo, error) {
	var (
		outputs []manifest.SegmentInfo
		out     *segmentOutput
	)
	_, mvcc := c.cfg.Dedup.(MVCC)

	for {
		if err := ctx.Err(); err != nil {
			if out != nil {
				out.abort()
			}
			return outputs, err
		}
		rec, ok, err := stream.Next()
		if err != nil {
			if out != nil {
				out.abort()
			}
			return outputs, err
		}
		if !ok {
			break
		}

		if out == nil {
			id := c.cfg.View.ReserveSegmentIDs(1)
			out, err = c.newOutput(id, mvcc)
			if err != nil {
				return outputs, err
			}
		}
		if err := out.w.Add(&rec); err != nil {
			out.abort()
			return outputs, err
		}
		if out.w.EstimatedSize() >= c.cfg.TargetSegmentSize {
			info, err := out.seal(c, toLevel)
			if err != nil {
				return outputs, err
			}
			outputs = append(outputs, info)
			out = nil
		}
	}

	if out != nil && out.w.Count() > 0 {
		info, err := out.seal(c, toLevel)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, info)
	} else if out != nil {
		out.abort()
	}
	return outputs, nil
}

type segmentOutput struct {
	id   model.SegmentID
	f    fs.File
	tmp  string
	w    *sstable.Writer
	fsys fs.FileSystem
}

func (c *Compactor) newOutput(id model.SegmentID, mvcc bool) (*segmentOutput, error) {
	path := manifest.SegmentPath(id)
	tmp := filepath.Join(c.cfg.Dir, path+".tmp")
	if err := c.cfg.FS.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		return nil, err
	}
	f, err := c.cfg.FS.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	var out io.WriteSeeker = f
	if c.cfg.Controller != nil {
		out = &throttledFile{
			f: f,
			w: resource.NewRateLimitedWriter(f, c.cfg.Controller, context.Background()),
		}
	}
	w, err := sstable.NewWriter(out, sstable.WriterOptions{
		SegmentID:          id,
		Compression:        c.cfg.Compression,
		AllowDuplicateKeys: mvcc,
	})
	if err != nil {
		_ = f.Close()
		_ = c.cfg.FS.Remove(tmp)
		return nil, err
	}
	return &segmentOutput{id: id, f: f, tmp: tmp, w: w, fsys: c.cfg.FS}, nil
}

func (o *segmentOutput) abort() {
	_ = o.f.Close()
	_ = o.fsys.Remove(o.tmp)
}

func (o *segmentOutput) seal(c *Compactor, toLevel int) (manifest.SegmentInfo, error) {
	meta, err := o.w.Finish()
	if err != nil {
		o.abort()
		return manifest.SegmentInfo{}, err
	}
	if err := o.f.Sync(); err != nil {
		o.abort()
		return manifest.SegmentInfo{}, err
	}
	if err := o.f.Close(); err != nil {
		_ = o.fsys.Remove(o.tmp)
		return manifest.SegmentInfo{}, err
	}

	path := manifest.SegmentPath(o.id)
	final := filepath.Join(c.cfg.Dir, path)
	if err := o.fsys.Rename(o.tmp, final); err != nil {
		_ = o.fsys.Remove(o.tmp)
		return manifest.SegmentInfo{}, err
	}
	if err := fs.SyncDir(o.fsys, filepath.Dir(final)); err != nil {
		return manifest.SegmentInfo{}, err
	}

	return manifest.SegmentInfo{
		ID:        o.id,
		Level:     toLevel,
		Path:      path,
		Count:     meta.Count,
		Size:      meta.Size,
		MinKey:    meta.MinKey,
		MaxKey:    meta.MaxKey,
		MinSeq:    meta.MinSeq,
		MaxSeq:    meta.MaxSeq,
		IndexKind: manifest.IndexKindForLevel(toLevel, c.cfg.ColdLevel),
		CreatedAt: time.Now().Unix(),
	}, nil
}

// commit swaps the manifest: outputs in, inputs out, atomically. If any
// input vanished from the manifest since the snapshot, the job is stale
// and must abort.
func (c *Compactor) commit(task *Task, outputs []manifest.SegmentInfo) error {
	return c.cfg.View.Commit(func(m *manifest.Manifest) error {
		for _, s := range append(task.Inputs, task.Overlapping...) {
			if _, ok := m.FindSegment(s.ID); !ok {
				return errors.New("compaction: input segment retired concurrently")
			}
		}
		var fromIDs, toIDs []model.SegmentID
		for _, s := range task.Inputs {
			fromIDs = append(fromIDs, s.ID)
		}
		for _, s := range task.Overlapping {
			toIDs = append(toIDs, s.ID)
		}
		m.RemoveSegments(task.FromLevel, fromIDs...)
		m.RemoveSegments(task.ToLevel, toIDs...)
		for _, info := range outputs {
			m.AddSegment(info)
		}
		return nil
	})
}

// throttledFile pushes writes through the IO limiter while seeks go
// straight to the file, so the header back-patch in Finish still works.
type throttledFile struct {
	f fs.File
	w *resource.RateLimitedWriter
}

func (t *throttledFile) Write(p []byte) (int, error) { return t.w.Write(p) }

func (t *throttledFile) Seek(offset int64, whence int) (int64, error) {
	return t.f.Seek(offset, whence)
}

func (c *Compactor) removeFiles(infos []manifest.SegmentInfo) {
	for _, info := range infos {
		_ = c.cfg.FS.Remove(filepath.Join(c.cfg.Dir, info.Path))
	}
}
