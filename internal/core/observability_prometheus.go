package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"slicetune/internal/mutation"
	"slicetune/pkg/domain"
)

// PrometheusRecorder exports operation latency and mutation outcomes.
type PrometheusRecorder struct {
	duration  *prometheus.HistogramVec
	mutations *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors with reg. A nil registerer
// uses the default registry.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slicetune",
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Latency of service operations by result.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation", "status"}),
		mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slicetune",
			Subsystem: "mutation",
			Name:      "outcomes_total",
			Help:      "Mutation engine decisions by outcome and rule.",
		}, []string{"outcome", "rule"}),
	}
}

// Observe implements MetricsRecorder.
func (p *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	p.duration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// ObserveMutation implements MutationObserver.
func (p *PrometheusRecorder) ObserveMutation(_ context.Context, outcome mutation.Outcome, rule domain.MutationRuleID) {
	p.mutations.WithLabelValues(string(outcome), string(rule)).Inc()
}
