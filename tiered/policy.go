// Package tiered moves cold segments to object storage and serves reads
// for them through a local fetch cache. Only segment bytes move; the
// manifest keeps describing tiered segments and is the source of truth
// for where they live.
package tiered

import (
	"time"

	"github.com/stratadb/strata/manifest"
)

// SegmentStats is the access bookkeeping a policy may consult.
type SegmentStats struct {
	AccessCount uint64
	// LocalBytes is the total size of all non-tiered segment files.
	LocalBytes int64
}

// Policy decides whether a sealed segment should move to object storage.
type Policy interface {
	ShouldTier(info manifest.SegmentInfo, stats SegmentStats) bool
}

// AgePolicy tiers segments sealed longer than MaxAge ago.
type AgePolicy struct {
	MaxAge time.Duration

	now func() time.Time // test hook
}

func (p AgePolicy) ShouldTier(info manifest.SegmentInfo, _ SegmentStats) bool {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	age := now().Sub(time.Unix(info.CreatedAt, 0))
	return age >= p.MaxAge
}

// DiskUsagePolicy tiers segments while local usage exceeds the budget.
type DiskUsagePolicy struct {
	MaxLocalBytes int64
}

func (p DiskUsagePolicy) ShouldTier(_ manifest.SegmentInfo, stats SegmentStats) bool {
	return stats.LocalBytes > p.MaxLocalBytes
}

// AccessCountPolicy tiers segments read at most MaxAccesses times.
type AccessCountPolicy struct {
	MaxAccesses uint64
}

func (p AccessCountPolicy) ShouldTier(_ manifest.SegmentInfo, stats SegmentStats) bool {
	return stats.AccessCount <= p.MaxAccesses
}

// PolicyFunc adapts a predicate into a Policy.
type PolicyFunc func(info manifest.SegmentInfo, stats SegmentStats) bool

func (f PolicyFunc) ShouldTier(info manifest.SegmentInfo, stats SegmentStats) bool {
	return f(info, stats)
}
