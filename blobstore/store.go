package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error satisfying
// errors.Is(err, ErrNotFound); the default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// BlobStore is the abstraction over segment storage backends: local disk
// for the hot tiers, object stores for retired segments. Implementations
// must be safe for concurrent use.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create opens a blob for streaming writes. The blob becomes visible
	// on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a complete blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names of blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to an immutable blob.
type Blob interface {
	// ReadAt reads len(p) bytes at offset off. Short reads at the end of
	// the blob return io.EOF.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange streams length bytes starting at off. Cloud backends map
	// this to a ranged GET.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the blob size in bytes.
	Size() int64
	Close() error
}

// WritableBlob is a streaming write handle. Data is not visible to
// readers until Close returns nil.
type WritableBlob interface {
	io.Writer
	io.Closer
	// Sync flushes buffered data to durable storage where the backend
	// supports it.
	Sync() error
}

// Mappable is an optional Blob interface for zero-copy access to the
// underlying bytes. The slice is valid until the blob is closed.
type Mappable interface {
	Bytes() ([]byte, error)
}

// readerAtAdapter exposes a Blob as a plain io.ReaderAt for code that
// does not thread a context, like segment readers.
type readerAtAdapter struct {
	ctx  context.Context
	blob Blob
}

// ReaderAt adapts blob to io.ReaderAt using ctx for every read.
func ReaderAt(ctx context.Context, blob Blob) io.ReaderAt {
	return &readerAtAdapter{ctx: ctx, blob: blob}
}

func (r *readerAtAdapter) ReadAt(p []byte, off int64) (int, error) {
	return r.blob.ReadAt(r.ctx, p, off)
}
