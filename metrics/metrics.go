// Package metrics provides Prometheus instrumentation for card sessions, key
// discovery and signing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all tapsign metrics
	Namespace = "tapsign"

	LabelTransport = "transport"
	LabelCommand   = "command"
	LabelStatus    = "status"
	LabelPath      = "path"

	StatusSuccess  = "success"
	StatusError    = "error"
	StatusTimeout  = "timeout"
	StatusBusy     = "busy"
	StatusWrongPIN = "wrong_pin"
	StatusNoCard   = "no_card"

	PathBatched  = "batched"
	PathFallback = "fallback"
	PathRefetch  = "refetch"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	DiscoveryTotal     *prometheus.CounterVec
	SlotsDiscovered    prometheus.Histogram
	SignaturesTotal    *prometheus.CounterVec
	SessionsConnecting *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// CommandsTotal counts card commands; every command is one physical tap.
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "card_commands_total",
				Help:      "Total number of card commands by transport, command and status",
			},
			[]string{LabelTransport, LabelCommand, LabelStatus},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "card_command_duration_seconds",
				Help:      "Duration of card commands in seconds, including the wait for a tap",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{LabelTransport, LabelCommand},
		),
		DiscoveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "discovery_scans_total",
				Help:      "Total number of key slot discovery passes by path",
			},
			[]string{LabelPath},
		),
		SlotsDiscovered: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "discovery_slots_found",
				Help:      "Number of usable key slots found per discovery",
				Buckets:   []float64{0, 1, 2, 3},
			},
		),
		SignaturesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "signatures_total",
				Help:      "Total number of signing operations by status",
			},
			[]string{LabelStatus},
		),
		SessionsConnecting: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sessions_connecting",
				Help:      "Number of sessions waiting for a card, consent or a paired phone",
			},
			[]string{LabelTransport},
		),
	}
}

func (m *Metrics) RecordCommand(transport, command, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(transport, command, status).Inc()
	m.CommandDuration.WithLabelValues(transport, command).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordDiscovery(path string) {
	if m == nil {
		return
	}
	m.DiscoveryTotal.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordSlotsFound(n int) {
	if m == nil {
		return
	}
	m.SlotsDiscovered.Observe(float64(n))
}

func (m *Metrics) RecordSignature(status string) {
	if m == nil {
		return
	}
	m.SignaturesTotal.WithLabelValues(status).Inc()
}

// TrackConnecting increments the connecting gauge and returns the matching decrement.
func (m *Metrics) TrackConnecting(transport string) func() {
	if m == nil {
		return func() {}
	}
	g := m.SessionsConnecting.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}
