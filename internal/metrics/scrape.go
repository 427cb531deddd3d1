// SPDX-License-Identifier: MIT

// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_sessions_total",
		Help: "Sessions reaching a terminal status, by outcome",
	}, []string{"outcome"}) // outcome=completed|stopped|cancelled|error

	businessesExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraperd_businesses_extracted_total",
		Help: "Business records emitted after dedup",
	})

	navigationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_navigations_total",
		Help: "Page navigations by outcome",
	}, []string{"outcome"}) // outcome=success|transient|terminal

	navRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraperd_nav_retries_total",
		Help: "Navigation retry attempts",
	})

	navTimeoutSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraperd_nav_timeout_seconds",
		Help: "Current adaptive navigation timeout",
	})

	captchaDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_captcha_detections_total",
		Help: "Captcha detections by stage",
	}, []string{"stage"}) // stage=precheck|lookup|extraction

	workerMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scraperd_worker_memory_bytes",
		Help: "Last reported worker memory usage",
	}, []string{"worker"})

	retryQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scraperd_retry_queue_depth",
		Help: "Pending retry queue items by type",
	}, []string{"type"})

	retryItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_retry_items_total",
		Help: "Retry items enqueued by type",
	}, []string{"type"})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_session_transitions_total",
		Help: "Session status transitions",
	}, []string{"from", "to"})
)

// IncSessionOutcome records a terminal session transition.
func IncSessionOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	sessionsTotal.WithLabelValues(outcome).Inc()
}

// IncSessionTransition records one session status change.
func IncSessionTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// IncBusinessExtracted counts one deduplicated business record.
func IncBusinessExtracted() {
	businessesExtracted.Inc()
}

// IncNavigation records a navigation attempt outcome.
func IncNavigation(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	navigationsTotal.WithLabelValues(outcome).Inc()
}

// IncNavRetry counts one navigation retry.
func IncNavRetry() {
	navRetriesTotal.Inc()
}

// SetNavTimeout publishes the current adaptive timeout.
func SetNavTimeout(seconds float64) {
	navTimeoutSeconds.Set(seconds)
}

// IncCaptchaDetection records a captcha hit at the given stage.
func IncCaptchaDetection(stage string) {
	if stage == "" {
		stage = "unknown"
	}
	captchaDetections.WithLabelValues(stage).Inc()
}

// SetWorkerMemory publishes a worker's reported memory usage.
func SetWorkerMemory(worker string, bytes float64) {
	workerMemoryBytes.WithLabelValues(worker).Set(bytes)
}

// SetRetryQueueDepth publishes pending retry items for one type.
func SetRetryQueueDepth(itemType string, depth float64) {
	retryQueueDepth.WithLabelValues(itemType).Set(depth)
}

// IncRetryEnqueued counts one persisted retry item.
func IncRetryEnqueued(itemType string) {
	if itemType == "" {
		itemType = "unknown"
	}
	retryItemsTotal.WithLabelValues(itemType).Inc()
}
