// Package s3 provides an S3 implementation of the blobstore.BlobStore
// interface, used as the retirement target for tiered segments.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("strata/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads with CRC32C validation for large segments
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
//   - Optional DynamoDB-backed commit store for safe concurrent writers
package s3
