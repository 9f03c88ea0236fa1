package strata

import (
	"github.com/stratadb/strata/engine"
)

var (
	// ErrNotFound is returned when a key does not exist or has been
	// deleted.
	ErrNotFound = engine.ErrNotFound
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = engine.ErrClosed
	// ErrCorrupted indicates a checksum or framing failure in a
	// segment file.
	ErrCorrupted = engine.ErrCorrupted
	// ErrUnavailable means a tiered segment's blob store could not be
	// reached within the retry budget.
	ErrUnavailable = engine.ErrUnavailable
)
