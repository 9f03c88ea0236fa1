package engine

import (
	"errors"

	"github.com/stratadb/strata/sstable"
	"github.com/stratadb/strata/tiered"
)

var (
	// ErrNotFound is returned when a key does not exist at any level.
	ErrNotFound = errors.New("engine: key not found")
	// ErrClosed is returned for operations against a closed engine.
	ErrClosed = errors.New("engine: closed")
	// ErrCorrupted wraps checksum and framing failures on read.
	ErrCorrupted = sstable.ErrCorrupted
	// ErrUnavailable is returned when a tiered segment's backing store
	// cannot be reached within the retry budget.
	ErrUnavailable = tiered.ErrUnavailable
)
