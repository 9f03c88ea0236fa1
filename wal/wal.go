// Package wal provides the write-ahead log that makes acknowledged writes
// durable before they reach a segment.
//
// One WAL file exists per memtable generation; the engine deletes the file
// only after the memtable's flush has been durably recorded in the
// manifest. Recovery replays the valid prefix of every surviving file and
// stops at the first torn or corrupt frame.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/stratadb/strata/internal/fs"
	"github.com/stratadb/strata/model"
)

// SyncMode selects the fsync policy applied to appends.
type SyncMode int

const (
	// SyncAlways fsyncs on every append. Strongest, slowest.
	SyncAlways SyncMode = iota
	// SyncInterval fsyncs from a background goroutine every Options.Interval.
	SyncInterval
	// SyncBytes fsyncs once Options.Bytes have accumulated since the last sync.
	SyncBytes
	// SyncNever leaves durability to the OS page cache. Weakest, fastest.
	SyncNever
)

const (
	walMagic      = "STRAWAL0" // 8 bytes
	walVersion    = 1
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("wal: incompatible version")
	ErrInvalidHeader       = errors.New("wal: invalid header")
)

// Options configures a WAL file.
type Options struct {
	Mode     SyncMode
	Interval time.Duration // SyncInterval period
	Bytes    int64         // SyncBytes threshold

	// Compress enables zstd compression of large record values.
	Compress bool
	// CompressionLevel is the zstd level (1-22) when Compress is set.
	CompressionLevel int
}

// DefaultOptions returns the production defaults: fsync on every append.
func DefaultOptions() Options {
	return Options{
		Mode:             SyncAlways,
		Interval:         10 * time.Millisecond,
		Bytes:            1 << 20,
		CompressionLevel: 3,
	}
}

// WAL is an append-only durability log for one memtable generation.
type WAL struct {
	mu    sync.Mutex
	fsys  fs.FileSystem
	file  fs.File
	bw    *bufio.Writer
	cdc   *codec
	path  string
	opts  Options
	size  int64 // bytes written including header
	dirty int64 // bytes appended since last fsync

	// Group commit state for SyncAlways: concurrent appenders share fsyncs.
	syncedOffset int64
	syncCond     *sync.Cond
	doneCond     *sync.Cond
	lastErr      error
	closed       bool
	wg           sync.WaitGroup

	ticker *time.Ticker
	stopCh chan struct{}
}

// Open opens or creates a WAL at path.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	offset := stat.Size()

	if offset == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, err
		}
		offset = walHeaderSize
	} else {
		if offset < walHeaderSize {
			_ = f.Close()
			return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrInvalidHeader, offset)
		}
		header := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			_ = f.Close()
			return nil, err
		}
		if string(header[0:8]) != walMagic {
			_ = f.Close()
			return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, header[0:8])
		}
		if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
			_ = f.Close()
			return nil, fmt.Errorf("%w: version %d", ErrIncompatibleVersion, ver)
		}
	}

	cdc, err := newCodec(opts.Compress, opts.CompressionLevel)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &WAL{
		fsys:         fsys,
		file:         f,
		bw:           bufio.NewWriter(f),
		cdc:          cdc,
		path:         path,
		opts:         opts,
		size:         offset,
		syncedOffset: offset,
	}
	w.syncCond = sync.NewCond(&w.mu)
	w.doneCond = sync.NewCond(&w.mu)

	switch opts.Mode {
	case SyncAlways:
		w.wg.Add(1)
		go w.runSyncer()
	case SyncInterval:
		interval := opts.Interval
		if interval <= 0 {
			interval = 10 * time.Millisecond
		}
		w.ticker = time.NewTicker(interval)
		w.stopCh = make(chan struct{})
		w.wg.Add(1)
		go w.runTicker()
	}

	return w, nil
}

// Path returns the WAL file path.
func (w *WAL) Path() string { return w.path }

// Size returns the current WAL size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append writes one record frame and applies the configured sync policy.
// The caller does not get an acknowledgment until the policy's durability
// bar is met.
func (w *WAL) Append(rec *model.Record) error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	if w.lastErr != nil {
		err := w.lastErr
		w.mu.Unlock()
		return err
	}

	n, err := w.cdc.encode(w.bw, rec)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("wal: append: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("wal: flush: %w", err)
	}
	w.size += n
	w.dirty += n
	target := w.size

	switch w.opts.Mode {
	case SyncAlways:
		// Wake the syncer and wait until our offset is durable. Waiters
		// piggyback on each other's fsyncs.
		w.syncCond.Signal()
		for w.syncedOffset < target && !w.closed && w.lastErr == nil {
			w.doneCond.Wait()
		}
		err := w.lastErr
		if err == nil && w.closed && w.syncedOffset < target {
			err = os.ErrClosed
		}
		w.mu.Unlock()
		return err

	case SyncBytes:
		if w.dirty >= w.opts.Bytes {
			err := w.syncLocked()
			w.mu.Unlock()
			return err
		}
	}

	w.mu.Unlock()
	return nil
}

// Sync forces everything appended so far to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if w.lastErr != nil {
		return w.lastErr
	}
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.syncLocked()
}

// syncLocked fsyncs under w.mu.
func (w *WAL) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		w.lastErr = fmt.Errorf("wal: sync: %w", err)
		return w.lastErr
	}
	w.syncedOffset = w.size
	w.dirty = 0
	return nil
}

func (w *WAL) runSyncer() {
	defer w.wg.Done()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for w.size <= w.syncedOffset && !w.closed {
			w.syncCond.Wait()
		}
		if w.closed && w.size <= w.syncedOffset {
			return
		}

		target := w.size
		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()

		if err != nil {
			w.lastErr = fmt.Errorf("wal: sync: %w", err)
			w.doneCond.Broadcast()
			return
		}
		if target > w.syncedOffset {
			w.syncedOffset = target
			w.dirty = 0
		}
		w.doneCond.Broadcast()
	}
}

func (w *WAL) runTicker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-w.ticker.C:
			w.mu.Lock()
			if !w.closed && w.lastErr == nil && w.dirty > 0 {
				if err := w.bw.Flush(); err == nil {
					_ = w.syncLocked()
				}
			}
			w.mu.Unlock()
		}
	}
}

// Close flushes, fsyncs, and closes the WAL. Idempotent.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	flushErr := w.bw.Flush()
	var syncErr error
	if flushErr == nil && w.lastErr == nil {
		syncErr = w.file.Sync()
		if syncErr == nil {
			w.syncedOffset = w.size
		}
	}

	w.closed = true
	if w.ticker != nil {
		w.ticker.Stop()
		close(w.stopCh)
	}
	w.syncCond.Signal()
	w.doneCond.Broadcast()
	w.mu.Unlock()

	w.wg.Wait()

	w.cdc.close()
	closeErr := w.file.Close()

	if flushErr != nil {
		return flushErr
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// Reader returns an iterator over the WAL's records using an independent
// file handle.
func (w *WAL) Reader() (*Reader, error) {
	return OpenReader(w.fsys, w.path)
}

// OpenReader opens a WAL file for replay without requiring a live WAL.
func OpenReader(fsys fs.FileSystem, path string) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	header := make([]byte, walHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(header[0:8]) != walMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidHeader)
	}

	cdc, err := newCodec(false, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{
		f:      f,
		r:      bufio.NewReader(f),
		cdc:    cdc,
		offset: walHeaderSize,
	}, nil
}

// Reader iterates over WAL records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	cdc    *codec
	offset int64
}

// Next returns the next record. io.EOF signals a clean end; ErrInvalidCRC
// and io.ErrUnexpectedEOF signal a torn tail (recovery treats both as the
// end of the valid prefix).
func (r *Reader) Next() (model.Record, error) {
	rec, n, err := r.cdc.decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the end of the valid prefix read so far.
func (r *Reader) Offset() int64 { return r.offset }

// Close closes the reader.
func (r *Reader) Close() error {
	r.cdc.close()
	return r.f.Close()
}

// Replay calls fn for every valid record and stops silently at a torn tail.
// It returns the number of records applied.
func Replay(fsys fs.FileSystem, path string, fn func(model.Record) error) (int, error) {
	r, err := OpenReader(fsys, path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, ErrInvalidCRC) || errors.Is(err, ErrRecordTooLarge) {
				return count, nil
			}
			return count, err
		}
		if err := fn(rec); err != nil {
			return count, err
		}
		count++
	}
}
