// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_lookups_total",
		Help: "Carrier lookups by source",
	}, []string{"source"}) // source=cache|site|retry

	lookupBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_lookup_batches_total",
		Help: "Completed lookup batches by outcome",
	}, []string{"outcome"}) // outcome=ok|captcha|exhausted

	lookupBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraperd_lookup_batch_size",
		Help: "Current adaptive batch size",
	})

	cacheRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraperd_cache_requests_total",
		Help: "Provider cache requests by layer and outcome",
	}, []string{"layer", "outcome"}) // layer=l1|l2, outcome=hit|miss
)

// IncLookup records one carrier lookup with its source.
func IncLookup(source string) {
	if source == "" {
		source = "unknown"
	}
	lookupsTotal.WithLabelValues(source).Inc()
}

// IncLookupBatch records a completed batch outcome.
func IncLookupBatch(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	lookupBatchesTotal.WithLabelValues(outcome).Inc()
}

// SetLookupBatchSize publishes the adaptive batch size.
func SetLookupBatchSize(size float64) {
	lookupBatchSize.Set(size)
}

// IncCacheRequest records a provider cache access.
func IncCacheRequest(layer, outcome string) {
	if layer == "" {
		layer = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	cacheRequestsTotal.WithLabelValues(layer, outcome).Inc()
}
