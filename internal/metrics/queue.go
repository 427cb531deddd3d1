// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraperd_queue_waiting",
		Help: "Sessions currently waiting for admission",
	})

	queueAdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_queue_admissions_total",
		Help: "Admission decisions by result",
	}, []string{"result"}) // result=start|queue|reject

	queueAbandonedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraperd_queue_abandoned_total",
		Help: "Queue entries auto-cancelled by the abandonment sweep",
	})
)

// SetQueueWaiting publishes the current waiter count.
func SetQueueWaiting(n float64) {
	queueWaiting.Set(n)
}

// IncAdmission records one admission decision.
func IncAdmission(result string) {
	if result == "" {
		result = "unknown"
	}
	queueAdmissionsTotal.WithLabelValues(result).Inc()
}

// IncQueueAbandoned counts one swept queue entry.
func IncQueueAbandoned() {
	queueAbandonedTotal.Inc()
}
