package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/manifest"
	"github.com/stratadb/strata/model"
	"github.com/stratadb/strata/sstable"
)

// flushOne writes the oldest frozen memtable to a level-0 segment and
// retires its WAL generation. A no-op when nothing is frozen. flushMu
// keeps the background flusher and explicit Flush calls off the same
// memtable.
func (e *Engine) flushOne() error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.RLock()
	if len(e.immutables) == 0 {
		e.mu.RUnlock()
		return nil
	}
	mt := e.immutables[len(e.immutables)-1]
	e.mu.RUnlock()

	id := e.ReserveSegmentIDs(1)
	info, err := e.writeSegment(id, mt)
	if err != nil {
		return err
	}

	err = e.Commit(func(m *manifest.Manifest) error {
		m.AddSegment(info)
		if mt.Generation() >= m.WALGeneration {
			m.WALGeneration = mt.Generation() + 1
		}
		return nil
	})
	if err != nil {
		// The segment file is an orphan now; recovery or the next
		// cleanup removes it.
		_ = e.opts.FS.Remove(filepath.Join(e.dir, info.Path))
		return err
	}

	e.mu.Lock()
	e.immutables = e.immutables[:len(e.immutables)-1]
	e.flushCond.Broadcast()
	l0 := e.man.SegmentCount(0)
	e.mu.Unlock()

	_ = e.opts.FS.Remove(filepath.Join(e.dir, manifest.WALPath(mt.Generation())))

	e.logger.Info("memtable flushed",
		"segment", info.ID,
		"generation", mt.Generation(),
		"records", info.Count,
		"bytes", info.Size)

	if l0 >= e.opts.L0Threshold {
		e.signalCompaction()
	}
	return nil
}

// writeSegment seals a memtable into a durable level-0 segment file.
func (e *Engine) writeSegment(id model.SegmentID, mt memtableSource) (manifest.SegmentInfo, error) {
	path := filepath.Join(e.dir, manifest.SegmentPath(id))
	tmp := path + ".tmp"

	f, err := e.opts.FS.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return manifest.SegmentInfo{}, fmt.Errorf("engine: create segment: %w", err)
	}

	w, err := sstable.NewWriter(f, sstable.WriterOptions{
		SegmentID:   id,
		Compression: e.opts.Compression,
	})
	if err != nil {
		_ = f.Close()
		_ = e.opts.FS.Remove(tmp)
		return manifest.SegmentInfo{}, err
	}

	err = mt.Iterate(func(rec model.Record) error {
		return w.Add(&rec)
	})
	var meta sstable.Meta
	if err == nil {
		meta, err = w.Finish()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = e.opts.FS.Remove(tmp)
		return manifest.SegmentInfo{}, fmt.Errorf("engine: seal segment %d: %w", id, err)
	}

	if err := e.opts.FS.Rename(tmp, path); err != nil {
		_ = e.opts.FS.Remove(tmp)
		return manifest.SegmentInfo{}, err
	}
	if err := fs.SyncDir(e.opts.FS, filepath.Dir(path)); err != nil {
		return manifest.SegmentInfo{}, err
	}

	return manifest.SegmentInfo{
		ID:        id,
		Level:     0,
		Path:      manifest.SegmentPath(id),
		Count:     meta.Count,
		Size:      meta.Size,
		MinKey:    meta.MinKey,
		MaxKey:    meta.MaxKey,
		MinSeq:    meta.MinSeq,
		MaxSeq:    meta.MaxSeq,
		IndexKind: manifest.IndexPerfectHash,
		CreatedAt: time.Now().Unix(),
	}, nil
}

// memtableSource is the slice of the memtable API flushing needs.
type memtableSource interface {
	Iterate(fn func(model.Record) error) error
	Generation() uint64
}
