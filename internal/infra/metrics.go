package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	ticks              atomic.Uint64
	evaluations        atomic.Uint64
	staleSkips         atomic.Uint64
	rotationsCompleted atomic.Uint64
	rotationsFailed    atomic.Uint64
	exchangeErrors     atomic.Uint64

	// Gauges
	streamConnected atomic.Int32 // 1 = connected, 0 = not
	rotationHalted  atomic.Int32 // 1 = halted, 0 = running
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordTick records one scheduler tick.
func (m *Metrics) RecordTick() {
	m.ticks.Add(1)
}

// RecordEvaluation records one completed decision evaluation.
func (m *Metrics) RecordEvaluation() {
	m.evaluations.Add(1)
}

// RecordStaleSkip records a cycle skipped because of stale price data.
func (m *Metrics) RecordStaleSkip() {
	m.staleSkips.Add(1)
}

// RecordRotationCompleted records a transition that reached COMPLETE.
func (m *Metrics) RecordRotationCompleted() {
	m.rotationsCompleted.Add(1)
}

// RecordRotationFailed records a transition that reached FAILED.
func (m *Metrics) RecordRotationFailed() {
	m.rotationsFailed.Add(1)
}

// RecordExchangeError records a failed exchange call attempt.
func (m *Metrics) RecordExchangeError() {
	m.exchangeErrors.Add(1)
}

// SetStreamConnected sets the price stream connection state.
func (m *Metrics) SetStreamConnected(connected bool) {
	if connected {
		m.streamConnected.Store(1)
	} else {
		m.streamConnected.Store(0)
	}
}

// SetRotationHalted sets the halted state (true = operator attention needed).
func (m *Metrics) SetRotationHalted(halted bool) {
	if halted {
		m.rotationHalted.Store(1)
	} else {
		m.rotationHalted.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Ticks              uint64    `json:"ticks"`
	Evaluations        uint64    `json:"evaluations"`
	StaleSkips         uint64    `json:"stale_skips"`
	RotationsCompleted uint64    `json:"rotations_completed"`
	RotationsFailed    uint64    `json:"rotations_failed"`
	ExchangeErrors     uint64    `json:"exchange_errors"`
	StreamConnected    bool      `json:"stream_connected"`
	RotationHalted     bool      `json:"rotation_halted"`
	Timestamp          time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Ticks:              m.ticks.Load(),
		Evaluations:        m.evaluations.Load(),
		StaleSkips:         m.staleSkips.Load(),
		RotationsCompleted: m.rotationsCompleted.Load(),
		RotationsFailed:    m.rotationsFailed.Load(),
		ExchangeErrors:     m.exchangeErrors.Load(),
		StreamConnected:    m.streamConnected.Load() == 1,
		RotationHalted:     m.rotationHalted.Load() == 1,
		Timestamp:          time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticks.Store(0)
	m.evaluations.Store(0)
	m.staleSkips.Store(0)
	m.rotationsCompleted.Store(0)
	m.rotationsFailed.Store(0)
	m.exchangeErrors.Store(0)
	m.streamConnected.Store(0)
	m.rotationHalted.Store(0)
}
