// Package sstable reads and writes immutable segment files.
//
// A segment is produced once, by a flush or a compaction, and never
// modified afterwards. Every record frame carries its own CRC32-C so a
// single flipped bit surfaces as ErrInvalidCRC on the exact read that hit
// it, while the footer's whole-file checksum supports offline scrubbing.
package sstable
