// Package model defines the shared storage-engine types: records, index
// entries, and references to external immutable files.
package model
