// Package metrics exposes Prometheus collectors for the bus and the
// lifecycle orchestrator.
//
// Collectors are optional: every method is safe on a nil receiver, so
// components record unconditionally and callers opt in by passing a
// registerer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "swarmbus"

// Request outcomes recorded by Bus.ObserveRequest.
const (
	OutcomeOK         = "ok"
	OutcomeTimeout    = "timeout"
	OutcomeCanceled   = "canceled"
	OutcomeSenderGone = "sender_gone"
	OutcomeError      = "error"
)

// Bus holds the message bus collectors.
type Bus struct {
	sent          *prometheus.CounterVec
	delivered     prometheus.Counter
	evicted       prometheus.Counter
	rejected      prometheus.Counter
	expired       prometheus.Counter
	lateResponses prometheus.Counter
	requests      *prometheus.CounterVec
	requestTime   prometheus.Histogram
	pending       prometheus.Gauge
	agents        prometheus.Gauge
}

// NewBus creates the bus collectors and registers them with reg.
// A nil reg leaves them unregistered (useful in tests).
func NewBus(reg prometheus.Registerer) *Bus {
	m := &Bus{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_sent_total",
			Help:      "Messages accepted by Send, by kind.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a receiver or a pending request.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_evicted_total",
			Help:      "Queued messages dropped to admit a higher-priority message.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_rejected_total",
			Help:      "Messages refused by a full mailbox.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "messages_expired_total",
			Help:      "Messages dropped because their TTL elapsed before delivery.",
		}),
		lateResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "late_responses_total",
			Help:      "Responses discarded because their request was already resolved.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "requests_total",
			Help:      "Completed requests by outcome.",
		}, []string{"outcome"}),
		requestTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "request_duration_seconds",
			Help:      "Time from Request to resolution.",
			Buckets:   prometheus.DefBuckets,
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "pending_requests",
			Help:      "Requests currently waiting for a response.",
		}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "registered_agents",
			Help:      "Agents currently registered with the bus.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.delivered, m.evicted, m.rejected, m.expired,
			m.lateResponses, m.requests, m.requestTime, m.pending, m.agents)
	}
	return m
}

func (m *Bus) Sent(kind string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(kind).Inc()
}

func (m *Bus) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delivered.Add(float64(n))
}

func (m *Bus) Evicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Bus) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Bus) Expired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Bus) LateResponse() {
	if m == nil {
		return
	}
	m.lateResponses.Inc()
}

// ObserveRequest records a resolved request.
func (m *Bus) ObserveRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.requestTime.Observe(d.Seconds())
}

func (m *Bus) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Bus) SetAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

// Lifecycle holds the orchestrator collectors.
type Lifecycle struct {
	sweeps        prometheus.Counter
	sweepTime     prometheus.Histogram
	restarts      prometheus.Counter
	exhausted     prometheus.Counter
	heartbeats    prometheus.Counter
	agentsByState *prometheus.GaugeVec
}

// NewLifecycle creates the orchestrator collectors and registers them with reg.
func NewLifecycle(reg prometheus.Registerer) *Lifecycle {
	m := &Lifecycle{
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweeps_total",
			Help:      "Completed heartbeat sweeps.",
		}),
		sweepTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one heartbeat sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "restart_signals_total",
			Help:      "Restart requests broadcast to the process supervisor.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "restarts_exhausted_total",
			Help:      "Agents left in ERROR after reaching the restart limit.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "heartbeats_total",
			Help:      "Heartbeats applied to agent records.",
		}),
		agentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "agents",
			Help:      "Tracked agents by lifecycle state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.sweeps, m.sweepTime, m.restarts, m.exhausted, m.heartbeats, m.agentsByState)
	}
	return m
}

// ObserveSweep records one completed sweep.
func (m *Lifecycle) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepTime.Observe(d.Seconds())
}

func (m *Lifecycle) RestartSignaled() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

func (m *Lifecycle) RestartsExhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *Lifecycle) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

// SetStateCounts replaces the per-state gauge values.
func (m *Lifecycle) SetStateCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.agentsByState.Reset()
	for state, n := range counts {
		m.agentsByState.WithLabelValues(state).Set(float64(n))
	}
}
