// Package index provides the per-segment lookup structures.
//
// Young segments (level 0) get a partitioned perfect hash over their keys,
// giving single-probe point lookups with no false positives. Mid-level
// segments pair a Bloom filter with a sparse index so absent keys are
// rejected cheaply before any I/O. Cold segments keep only the sparse
// index, trading lookup cost for a minimal memory footprint.
package index
