// Package blobstore abstracts where immutable blobs (segments, manifests,
// external files) physically live.
//
// # Built-in implementations
//
//   - LocalStore: local filesystem, mmap-backed reads
//   - MemoryStore: in-memory, for tests
//   - CachingStore: block-level read cache over any inner store
//   - s3.Store: Amazon S3 with ranged reads and parallel uploads
//   - minio.Store: MinIO and other S3-compatible endpoints
//
// Custom backends implement BlobStore; cloud backends should implement
// ReadRange efficiently since the tiered read path leans on it.
package blobstore
