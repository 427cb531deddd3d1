// SPDX-License-Identifier: MIT

package middleware

import (
	"github.com/go-chi/chi/v5"
)

// StackConfig configures the canonical HTTP ingress middleware stack.
// One stack serves the whole control surface so cross-cutting concerns
// cannot drift between route groups.
type StackConfig struct {
	// Observability
	EnableMetrics  bool
	TracingService string // empty disables the hand-rolled tracer
	OTelService    string // empty disables otelhttp instrumentation
	EnableLogging  bool

	// Rate limiting: per-IP requests per minute, 0 disables.
	RateLimitRPM int
}

// NewRouter constructs a chi router with the canonical middleware stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the canonical middleware stack to r.
func ApplyStack(r chi.Router, cfg StackConfig) {
	// 1. Recoverer (outermost safety net)
	r.Use(Recoverer)
	// 2. RequestID (correlation early)
	r.Use(RequestID)
	// 3. Metrics (track all requests)
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	// 4. Tracing (otelhttp when enabled, else the lightweight tracer)
	if cfg.OTelService != "" {
		r.Use(OTelHTTP(cfg.OTelService))
	} else if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	// 5. Logging (wraps handlers, captures full latency)
	if cfg.EnableLogging {
		r.Use(Logging())
	}
	// 6. Rate limit (global per-IP protection)
	if cfg.RateLimitRPM > 0 {
		r.Use(APIRateLimit(cfg.RateLimitRPM))
	}
}
