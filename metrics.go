package castellan

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a counter (or the resolve-latency histogram) in the
// in-process metrics system.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLocked
	MetricLockTriggered
	MetricLockExpired
	MetricLockPardoned
	MetricCodeIssued
	MetricCodeDeliveryFailed
	MetricCodeConfirmed
	MetricCodeInvalid
	MetricCodeExpired
	MetricTOTPSuccess
	MetricTOTPFailure
	MetricRecoveryCodeUsed
	MetricRecoveryCodeFailed
	MetricSessionIssued
	MetricSessionResolved
	MetricSessionExpired
	MetricSessionRevoked
	MetricPasswordChanged
	MetricPasswordReuseRejected
	MetricPasswordExpiredLogin
	MetricResolveLatency

	metricIDCount
)

const histBucketCount = 8

type paddedCounter struct {
	value uint64
	_     [56]byte // pad to a cache line to avoid false sharing
}

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// Metrics holds atomic counters and an optional resolve-latency histogram.
// All write-path operations are allocation-free.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a [Metrics] instance. When cfg.Enabled is false all
// operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records a resolve latency sample. Only MetricResolveLatency is
// histogrammed.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id != MetricResolveLatency {
		return
	}
	atomic.AddUint64(&m.histograms[id].buckets[bucketIndex(d)], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricResolveLatency].buckets[i])
		}
		s.Histograms[MetricResolveLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
