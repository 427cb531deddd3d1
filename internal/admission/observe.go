// SPDX-License-Identifier: MIT

package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/openleads/scraperd/internal/metrics"
)

const scopeName = "scraperd.admission"

// Frozen span attribute keys. Dashboards key on these; do not rename.
const (
	AttrOutcome  = "scraperd.admission.outcome"
	AttrReason   = "scraperd.admission.reason"
	AttrRule     = "scraperd.admission.rule"
	AttrPosition = "scraperd.admission.position"
	AttrSession  = "scraperd.session.id"
	AttrUser     = "scraperd.user.id"
)

// Observe runs Check inside a span and records the decision on both the
// OTel and Prometheus surfaces. Providers are looked up per call so tests
// can swap the globals after package init.
func Observe(ctx context.Context, req Request, st State) Decision {
	tracer := otel.GetTracerProvider().Tracer(scopeName)
	ctx, span := tracer.Start(ctx, scopeName)
	defer span.End()

	dec := Check(req, st)

	attrs := []attribute.KeyValue{
		attribute.String(AttrOutcome, string(dec.Outcome)),
		attribute.String(AttrReason, string(dec.Reason)),
		attribute.Int(AttrRule, dec.Rule),
		attribute.String(AttrSession, req.SessionID),
		attribute.String(AttrUser, req.UserID),
	}
	if dec.Outcome == OutcomeQueue {
		attrs = append(attrs, attribute.Int(AttrPosition, dec.Position))
	}
	span.SetAttributes(attrs...)

	if dec.Err != nil {
		span.RecordError(dec.Err)
		span.SetStatus(codes.Error, string(dec.Reason))
	}

	meter := otel.GetMeterProvider().Meter(scopeName)
	total, err := meter.Int64Counter("scraperd_admission_total",
		metric.WithDescription("Admission decisions by outcome and reason"))
	if err == nil {
		total.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", string(dec.Outcome)),
			attribute.String("reason", string(dec.Reason)),
		))
	}

	metrics.IncAdmission(string(dec.Outcome))
	return dec
}
