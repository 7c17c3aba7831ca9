// Package observability implements C9: Prometheus metrics and structured
// slog events for the signals named throughout the spec (work_claimed,
// activation_completed, became_leader, backoff_set, orphan_recovered,
// not_leader_skipping_poll), plus an optional Slack sink for the
// infrequent, operator-facing subset of those events.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the coordinator and runner
// processes register at startup. A single instance is shared across an
// entire process.
type Metrics struct {
	QueueDepth           *prometheus.GaugeVec
	ActiveCount          prometheus.Gauge
	BackoffCount         prometheus.Gauge
	IsLeader             prometheus.Gauge
	ActivationDuration   *prometheus.HistogramVec
	ActivationsTotal     *prometheus.CounterVec
	ClaimToCompleteLag   prometheus.Histogram
	TokensConsumedTotal  *prometheus.CounterVec
}

// NewMetrics constructs and registers the full metric set against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry across parallel test processes.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentrunner_queue_depth",
			Help: "Number of work items currently queued, by priority.",
		}, []string{"priority"}),
		ActiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrunner_active_count",
			Help: "Number of agents with an in-flight activation.",
		}),
		BackoffCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrunner_backoff_count",
			Help: "Number of agents currently within a backoff window.",
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentrunner_is_leader",
			Help: "1 if this coordinator instance currently holds leadership, else 0.",
		}),
		ActivationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentrunner_activation_duration_seconds",
			Help:    "Wall-clock duration of a completed activation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"success"}),
		ActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrunner_activations_total",
			Help: "Total completed activations, by outcome.",
		}, []string{"success", "error_kind"}),
		ClaimToCompleteLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentrunner_claim_to_complete_seconds",
			Help:    "Latency from claim to completion report.",
			Buckets: prometheus.DefBuckets,
		}),
		TokensConsumedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentrunner_tokens_consumed_total",
			Help: "Total LLM tokens consumed, by direction (in/out).",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.QueueDepth, m.ActiveCount, m.BackoffCount, m.IsLeader,
		m.ActivationDuration, m.ActivationsTotal, m.ClaimToCompleteLag,
		m.TokensConsumedTotal,
	)
	return m
}
