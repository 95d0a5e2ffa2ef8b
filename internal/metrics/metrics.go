// Package metrics exposes Prometheus instruments for the code allocator and reaper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Results recorded on the outcome counters.
const (
	ResultOK        = "ok"
	ResultConflict  = "conflict"
	ResultNotFound  = "not_found"
	ResultInvalid   = "invalid"
	ResultExhausted = "exhausted"
	ResultError     = "error"
	ResultSkipped   = "skipped"
)

// Allocator groups the instruments shared by the player-session service and the reaper.
// A nil *Allocator is valid and records nothing.
type Allocator struct {
	createOutcomes   *prometheus.CounterVec
	rehashAttempts   prometheus.Histogram
	openOutcomes     *prometheus.CounterVec
	completeOutcomes *prometheus.CounterVec
	reclaimed        prometheus.Counter
	sessionsReaped   prometheus.Counter
	reaperRuns       *prometheus.CounterVec
}

// New registers the allocator instruments. A nil registerer uses the default one.
func New(registerer prometheus.Registerer) *Allocator {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Allocator{
		createOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcode_session_create_total",
			Help: "Session creation attempts by outcome.",
		}, []string{"result"}),
		rehashAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "playcode_session_rehash_attempts",
			Help:    "Code collisions resolved before a session insert succeeded.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 64, 256, 1024, 10000},
		}),
		openOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcode_instance_open_total",
			Help: "Viewer instance opens by outcome.",
		}, []string{"result"}),
		completeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcode_instance_complete_total",
			Help: "Viewer instance completions by outcome.",
		}, []string{"result"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playcode_session_reclaimed_total",
			Help: "Expired sessions deleted by the allocator when the code space was exhausted.",
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playcode_session_reaped_total",
			Help: "Expired sessions deleted by the reaper.",
		}),
		reaperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playcode_reaper_runs_total",
			Help: "Reaper ticks by outcome.",
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.createOutcomes,
		m.rehashAttempts,
		m.openOutcomes,
		m.completeOutcomes,
		m.reclaimed,
		m.sessionsReaped,
		m.reaperRuns,
	)
	return m
}

func (m *Allocator) SessionCreate(result string) {
	if m == nil {
		return
	}
	m.createOutcomes.WithLabelValues(result).Inc()
}

func (m *Allocator) ObserveRehashes(n int) {
	if m == nil {
		return
	}
	m.rehashAttempts.Observe(float64(n))
}

func (m *Allocator) InstanceOpen(result string) {
	if m == nil {
		return
	}
	m.openOutcomes.WithLabelValues(result).Inc()
}

func (m *Allocator) InstanceComplete(result string) {
	if m == nil {
		return
	}
	m.completeOutcomes.WithLabelValues(result).Inc()
}

func (m *Allocator) SessionsReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

func (m *Allocator) ReaperRun(result string, reaped int64) {
	if m == nil {
		return
	}
	m.reaperRuns.WithLabelValues(result).Inc()
	if reaped > 0 {
		m.sessionsReaped.Add(float64(reaped))
	}
}
