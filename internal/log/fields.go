// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldWorkerID  = "worker_id"
	FieldBatchID   = "batch_id"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"
	FieldStatus    = "status"
	FieldAttempt   = "attempt"
	FieldOutcome   = "outcome"

	// Scrape domain fields
	FieldTown      = "town"
	FieldIndustry  = "industry"
	FieldPhone     = "phone"
	FieldProvider  = "provider"
	FieldBatchSize = "batch_size"
	FieldListings  = "listings"
	FieldURL       = "url"

	// Timing fields
	FieldDurationMs = "duration_ms"
	FieldTimeoutMs  = "timeout_ms"
	FieldDelayMs    = "delay_ms"
)
