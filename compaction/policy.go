package compaction

import (
	"bytes"
	"encoding/binary"

	"github.com/stratadb/strata/model"
)

// DedupPolicy decides which versions of a key survive a merge. Reduce
// receives every version of one key, newest first, and returns the
// survivors in the order they should be written.
type DedupPolicy interface {
	// Name identifies the policy in logs and the manifest.
	Name() string
	Reduce(versions []model.Record) []model.Record
}

// LastWriteWins keeps the version with the highest sequence number. A
// surviving tombstone is kept so it keeps shadowing older levels.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last-write-wins" }

func (LastWriteWins) Reduce(versions []model.Record) []model.Record {
	return versions[:1]
}

// FirstWins keeps the version with the lowest sequence number.
type FirstWins struct{}

func (FirstWins) Name() string { return "first-wins" }

func (FirstWins) Reduce(versions []model.Record) []model.Record {
	return versions[len(versions)-1:]
}

// MaxValue keeps the version with the greatest value. Eight-byte values
// compare as little-endian unsigned integers, everything else bytewise.
// Tombstones never win a value comparison.
type MaxValue struct {
	// Compare overrides the default value ordering when set.
	Compare func(a, b []byte) int
}

func (MaxValue) Name() string { return "max-value" }

func (p MaxValue) Reduce(versions []model.Record) []model.Record {
	cmp := p.Compare
	if cmp == nil {
		cmp = compareNumeric
	}
	best := -1
	for i, v := range versions {
		if v.Op == model.OpRetract {
			continue
		}
		if best < 0 || cmp(v.Value, versions[best].Value) > 0 {
			best = i
		}
	}
	if best < 0 {
		// Only tombstones; keep the newest one.
		return versions[:1]
	}
	return versions[best : best+1]
}

func compareNumeric(a, b []byte) int {
	if len(a) == 8 && len(b) == 8 {
		av := binary.LittleEndian.Uint64(a)
		bv := binary.LittleEndian.Uint64(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	return bytes.Compare(a, b)
}

// MVCC retains multiple versions per key for time-travel reads.
// MaxVersions bounds how many are kept, newest first; zero keeps all.
type MVCC struct {
	MaxVersions int
}

func (MVCC) Name() string { return "mvcc" }

func (p MVCC) Reduce(versions []model.Record) []model.Record {
	if p.MaxVersions > 0 && len(versions) > p.MaxVersions {
		return versions[:p.MaxVersions]
	}
	return versions
}

// Tombstone purges. A retract drops itself and every older version; any
// versions newer than the retract collapse to the single newest one.
// Keys whose newest version is a retract vanish entirely.
type Tombstone struct{}

func (Tombstone) Name() string { return "tombstone" }

func (Tombstone) Reduce(versions []model.Record) []model.Record {
	for i, v := range versions {
		if v.Op == model.OpRetract {
			versions = versions[:i]
			break
		}
	}
	if len(versions) == 0 {
		return nil
	}
	return versions[:1]
}
