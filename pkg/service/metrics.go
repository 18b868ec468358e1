package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCaptures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkdash",
		Name:      "captures_total",
		Help:      "Screenshot requests by outcome.",
	}, []string{"outcome"})
	metricCaptureSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "inkdash",
		Name:      "capture_step_seconds",
		Help:      "Duration of navigate and capture steps.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"step"})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inkdash",
		Name:      "queue_depth",
		Help:      "Callers waiting for the browser session.",
	})
	metricRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkdash",
		Name:      "browser_recoveries_total",
		Help:      "Browser recovery attempts by result.",
	}, []string{"result"})
	metricBrowserCleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkdash",
		Name:      "browser_cleanups_total",
		Help:      "Browser teardowns initiated by the serializer, by reason.",
	}, []string{"reason"})
	metricPreloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkdash",
		Name:      "preloads_total",
		Help:      "Preload timers by outcome.",
	}, []string{"outcome"})
	metricScheduleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkdash",
		Name:      "schedule_runs_total",
		Help:      "Scheduled executions by result.",
	}, []string{"result"})
	metricWebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inkdash",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook uploads by result.",
	}, []string{"result"})
)

func recordCapture(outcome string) {
	metricCaptures.WithLabelValues(outcome).Inc()
}

func observeStep(step string, seconds float64) {
	metricCaptureSeconds.WithLabelValues(step).Observe(seconds)
}

func recordRecovery(ok bool) {
	if ok {
		metricRecoveries.WithLabelValues("success").Inc()
		return
	}
	metricRecoveries.WithLabelValues("failure").Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
