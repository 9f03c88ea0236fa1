package strata

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives per-operation timings. Implement it to feed
// a monitoring system; every method must be safe for concurrent use.
type MetricsCollector interface {
	RecordPut(duration time.Duration, err error)
	RecordGet(duration time.Duration, err error)
	RecordDelete(duration time.Duration, err error)
	RecordScan(duration time.Duration, err error)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, error)    {}
func (NoopMetricsCollector) RecordGet(time.Duration, error)    {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error) {}
func (NoopMetricsCollector) RecordScan(time.Duration, error)   {}

// BasicMetricsCollector keeps in-memory counters, enough for debugging
// and tests without an external system.
type BasicMetricsCollector struct {
	PutCount    atomic.Int64
	PutErrors   atomic.Int64
	PutNanos    atomic.Int64
	GetCount    atomic.Int64
	GetErrors   atomic.Int64
	GetNanos    atomic.Int64
	DeleteCount atomic.Int64
	DeleteErrs  atomic.Int64
	DeleteNanos atomic.Int64
	ScanCount   atomic.Int64
	ScanErrors  atomic.Int64
	ScanNanos   atomic.Int64
}

func (m *BasicMetricsCollector) RecordPut(d time.Duration, err error) {
	m.PutCount.Add(1)
	m.PutNanos.Add(int64(d))
	if err != nil {
		m.PutErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordGet(d time.Duration, err error) {
	m.GetCount.Add(1)
	m.GetNanos.Add(int64(d))
	if err != nil {
		m.GetErrors.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordDelete(d time.Duration, err error) {
	m.DeleteCount.Add(1)
	m.DeleteNanos.Add(int64(d))
	if err != nil {
		m.DeleteErrs.Add(1)
	}
}

func (m *BasicMetricsCollector) RecordScan(d time.Duration, err error) {
	m.ScanCount.Add(1)
	m.ScanNanos.Add(int64(d))
	if err != nil {
		m.ScanErrors.Add(1)
	}
}
