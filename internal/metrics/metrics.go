// Package metrics exports control plane counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ptzhead/internal/ptz"
	"ptzhead/internal/seq"
)

// Metrics implements the engine's observer. A nil *Metrics records nothing.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec   // command, result=ok|exec|out_of_range|bug
	RejectedTotal   *prometheus.CounterVec   // command, code
	CommandLatency  *prometheus.HistogramVec // command
	SequenceTotal   *prometheus.CounterVec   // kind=finalize|initialize, result
	SequenceLatency *prometheus.HistogramVec // kind
	LockStatus      *prometheus.GaugeVec     // status, 1 for the current one
	TimeoutsTotal   *prometheus.CounterVec   // family
	StaleTotal      prometheus.Counter
	InFlightCalls   prometheus.Gauge
}

var lockStatuses = []ptz.LockControlStatus{
	ptz.LockNone,
	ptz.LockUnlocked,
	ptz.LockLocked,
	ptz.LockUnlockedAfterBooting,
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptzhead_commands_total",
				Help: "Admitted commands by final result",
			},
			[]string{"command", "result"},
		),
		RejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptzhead_commands_rejected_total",
				Help: "Commands rejected at admission by error code",
			},
			[]string{"command", "code"},
		),
		CommandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptzhead_command_latency_ms",
				Help:    "Time from admission to final reply (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
			},
			[]string{"command"},
		),
		SequenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptzhead_lock_sequences_total",
				Help: "Lock-driven power sequences by result",
			},
			[]string{"kind", "result"},
		),
		SequenceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ptzhead_lock_sequence_latency_ms",
				Help:    "Duration of lock-driven power sequences (ms)",
				Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms .. ~20s
			},
			[]string{"kind"},
		),
		LockStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ptzhead_lock_control_status",
				Help: "Current pan-tilt lock control status (1 for the active status)",
			},
			[]string{"status"},
		),
		TimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptzhead_device_timeouts_total",
				Help: "Device calls that expired without a completion",
			},
			[]string{"family"},
		),
		StaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptzhead_stale_completions_total",
			Help: "Device completions dropped because their id was no longer tracked",
		}),
		InFlightCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptzhead_in_flight_calls",
			Help: "Device calls awaiting a completion",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.RejectedTotal,
		m.CommandLatency,
		m.SequenceTotal,
		m.SequenceLatency,
		m.LockStatus,
		m.TimeoutsTotal,
		m.StaleTotal,
		m.InFlightCalls,
	)
	return m
}

func (m *Metrics) CommandRejected(command string, code ptz.Code) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(command, code.String()).Inc()
}

func (m *Metrics) CommandFinished(command string, code ptz.Code, took time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, code.String()).Inc()
	m.CommandLatency.WithLabelValues(command).Observe(float64(took.Milliseconds()))
}

func (m *Metrics) SequenceStarted(kind string) {}

func (m *Metrics) SequenceFinished(kind, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.SequenceTotal.WithLabelValues(kind, result).Inc()
	m.SequenceLatency.WithLabelValues(kind).Observe(float64(took.Milliseconds()))
}

func (m *Metrics) LockStatusChanged(s ptz.LockControlStatus) {
	if m == nil {
		return
	}
	for _, v := range lockStatuses {
		val := 0.0
		if v == s {
			val = 1
		}
		m.LockStatus.WithLabelValues(v.String()).Set(val)
	}
}

func (m *Metrics) CallTimedOut(fam seq.Family) {
	if m == nil {
		return
	}
	m.TimeoutsTotal.WithLabelValues(fam.String()).Inc()
}

func (m *Metrics) StaleCompletion() {
	if m == nil {
		return
	}
	m.StaleTotal.Inc()
}

func (m *Metrics) InFlight(n int) {
	if m == nil {
		return
	}
	m.InFlightCalls.Set(float64(n))
}
