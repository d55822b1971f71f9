package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks the reconciliation pipeline end to end.
type PipelineMetrics struct {
	webhookReceived  *prometheus.CounterVec
	reconcileTotal   *prometheus.CounterVec
	reconcileSeconds *prometheus.HistogramVec
	replayScanned    prometheus.Counter
	queueDropped     prometheus.Counter
}

// NewPipelineMetrics registers the pipeline instruments.
func NewPipelineMetrics(registry *prometheus.Registry, cfg Config) *PipelineMetrics {
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": cfg.serviceName(),
		"env":     environment,
	}

	webhookReceived := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "appcheckin_webhook_received_total",
			Help:        "Gateway notifications accepted by the ingestion endpoint.",
			ConstLabels: constLabels,
		},
		[]string{"event_type"},
	)

	reconcileTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "appcheckin_reconcile_total",
			Help:        "Reconciliation attempts by final outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"}, // succeeded | failed | pending
	)

	reconcileSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "appcheckin_reconcile_duration_seconds",
			Help:        "Wall time of one reconciliation attempt including the gateway fetch.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		},
		[]string{"event_type"},
	)

	replayScanned := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "appcheckin_replay_candidates_total",
			Help:        "Notification events picked up by the replay coordinator.",
			ConstLabels: constLabels,
		},
	)

	queueDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name:        "appcheckin_dispatch_dropped_total",
			Help:        "Webhook hand-offs dropped because the dispatch queue was full.",
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(webhookReceived, reconcileTotal, reconcileSeconds, replayScanned, queueDropped)

	return &PipelineMetrics{
		webhookReceived:  webhookReceived,
		reconcileTotal:   reconcileTotal,
		reconcileSeconds: reconcileSeconds,
		replayScanned:    replayScanned,
		queueDropped:     queueDropped,
	}
}

func (m *PipelineMetrics) IncWebhookReceived(eventType string) {
	if m == nil {
		return
	}
	m.webhookReceived.WithLabelValues(eventType).Inc()
}

func (m *PipelineMetrics) IncReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveReconcile(eventType string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileSeconds.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) IncReplayScanned() {
	if m == nil {
		return
	}
	m.replayScanned.Inc()
}

func (m *PipelineMetrics) IncQueueDropped() {
	if m == nil {
		return
	}
	m.queueDropped.Inc()
}
