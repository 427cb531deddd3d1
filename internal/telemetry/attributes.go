// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Session attributes
	SessionIDKey     = "scraperd.session.id"
	SessionUserKey   = "scraperd.user.id"
	SessionStatusKey = "scraperd.session.status"

	// Pair attributes (one town and industry combination)
	PairTownKey     = "scraperd.pair.town"
	PairIndustryKey = "scraperd.pair.industry"
	PairPageKey     = "scraperd.pair.page"

	// Lookup attributes
	LookupBatchSizeKey = "scraperd.lookup.batch_size"
	LookupPendingKey   = "scraperd.lookup.pending"
	LookupAttemptsKey  = "scraperd.lookup.attempts"

	// Run attributes
	RunStatusKey   = "scraperd.run.status"
	RunPairsKey    = "scraperd.run.pairs"
	RunDurationKey = "scraperd.run.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SessionAttributes creates session-related span attributes.
// Empty values are omitted so callers can pass what they have.
func SessionAttributes(sessionID, userID, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(SessionUserKey, userID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(SessionStatusKey, status))
	}
	return attrs
}

// PairAttributes creates span attributes for one town and industry pair.
func PairAttributes(town, industry string, page int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PairTownKey, town),
		attribute.String(PairIndustryKey, industry),
		attribute.Int(PairPageKey, page),
	}
}

// LookupAttributes creates carrier-lookup span attributes.
func LookupAttributes(batchSize, pending, attempts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(LookupBatchSizeKey, batchSize),
		attribute.Int(LookupPendingKey, pending),
		attribute.Int(LookupAttemptsKey, attempts),
	}
}

// RunAttributes creates span attributes for a finished session run.
func RunAttributes(status string, pairs int, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RunStatusKey, status),
		attribute.Int(RunPairsKey, pairs),
		attribute.Int64(RunDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
