// SPDX-License-Identifier: MIT

// Package model defines the core domain types shared across the scraper
// pipeline: sessions, business records, checkpoints, retry items, metrics
// and queue entries.
package model

import (
	"strings"
	"time"
)

// SessionStatus is the client-visible lifecycle of a scraping session.
// Keep these stable: persistence, metrics and the control API depend on them.
type SessionStatus string

const (
	StatusQueued    SessionStatus = "queued"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusStopped   SessionStatus = "stopped"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// IsActive returns true if the status occupies the user's single-session slot.
func (s SessionStatus) IsActive() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// RetryType classifies retry queue items.
type RetryType string

const (
	RetryNavigation RetryType = "navigation"
	RetryLookup     RetryType = "lookup"
	RetryExtraction RetryType = "extraction"
)

// Valid reports whether t is a known retry type.
func (t RetryType) Valid() bool {
	switch t {
	case RetryNavigation, RetryLookup, RetryExtraction:
		return true
	}
	return false
}

// MetricType classifies metric records.
type MetricType string

const (
	MetricNavigation MetricType = "navigation"
	MetricExtraction MetricType = "extraction"
	MetricLookup     MetricType = "lookup"
	MetricMemory     MetricType = "memory"
)

// Valid reports whether t is a known metric type.
func (t MetricType) Valid() bool {
	switch t {
	case MetricNavigation, MetricExtraction, MetricLookup, MetricMemory:
		return true
	}
	return false
}

// QueueEntryStatus is the lifecycle of an admission queue entry.
type QueueEntryStatus string

const (
	QueueWaiting   QueueEntryStatus = "waiting"
	QueueActive    QueueEntryStatus = "active"
	QueueComplete  QueueEntryStatus = "complete"
	QueueCancelled QueueEntryStatus = "cancelled"
)

// SessionConfig is the user-supplied configuration for one scraping run.
type SessionConfig struct {
	Towns      []string `json:"towns"`
	Industries []string `json:"industries"`

	// Concurrency caps. Both are clamped to [1,3] at validation.
	MaxTowns      int `json:"maxTowns"`
	MaxIndustries int `json:"maxIndustries"`

	// EnableCaptchaDetection switches the pre-submit captcha check on.
	// Driver rotation per batch is the primary defence, so this defaults off.
	EnableCaptchaDetection bool `json:"enableCaptchaDetection"`

	// BatchSize is the initial carrier-lookup batch size. Hard ceiling 5.
	BatchSize int `json:"batchSize"`
}

// SessionState is the live, mutable snapshot of a running session.
type SessionState struct {
	Status              SessionStatus `json:"status"`
	ProgressPercent     float64       `json:"progressPercent"`
	CurrentTown         string        `json:"currentTown,omitempty"`
	CurrentIndustry     string        `json:"currentIndustry,omitempty"`
	ProcessedBusinesses int           `json:"processedBusinesses"`
	StartedAt           time.Time     `json:"startedAt,omitempty"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// SessionSummary is set once a session reaches a terminal status.
type SessionSummary struct {
	TotalBusinesses          int   `json:"totalBusinesses"`
	TotalTownsCompleted      int   `json:"totalTownsCompleted"`
	TotalIndustriesCompleted int   `json:"totalIndustriesCompleted"`
	ErrorCount               int   `json:"errorCount"`
	DurationMs               int64 `json:"durationMs"`
}

// Session is the store's source of truth for one scraping run.
type Session struct {
	ID        string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Config    SessionConfig   `json:"config"`
	State     SessionState    `json:"state"`
	Summary   *SessionSummary `json:"summary,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Business is one extracted listing, enriched with its carrier.
type Business struct {
	ID        int64     `json:"id,omitempty"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Provider  string    `json:"provider"`
	Address   string    `json:"address,omitempty"`
	Town      string    `json:"town"`
	Industry  string    `json:"industry"`
	MapURL    string    `json:"mapUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProviderUnknown is the sentinel carrier for unresolved phones.
const ProviderUnknown = "Unknown"

// Checkpoint is the durable resume point for a session. One per session.
type Checkpoint struct {
	SessionID           string    `json:"sessionId"`
	CurrentTown         string    `json:"currentTown,omitempty"`
	CurrentIndustry     string    `json:"currentIndustry,omitempty"`
	ProcessedBusinesses int       `json:"processedBusinesses"`
	RetrySnapshot       []byte    `json:"retrySnapshot,omitempty"`
	BatchState          []byte    `json:"batchState,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// RetryItem is one unit of failed work awaiting re-dispatch.
type RetryItem struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Type      RetryType `json:"type"`
	// Payload is opaque to the queue. Callers own its schema and must not
	// re-interpret it across schema changes.
	Payload   []byte    `json:"payload,omitempty"`
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"nextRetry"`
	Exhausted bool      `json:"exhausted"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MetricRecord is an immutable measurement attached to a session.
type MetricRecord struct {
	ID        int64      `json:"id,omitempty"`
	SessionID string     `json:"sessionId"`
	Type      MetricType `json:"type"`
	Name      string     `json:"name"`
	Value     float64    `json:"value"`
	Success   bool       `json:"success"`
	Metadata  []byte     `json:"metadata,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// QueueEntry is one admission queue row.
type QueueEntry struct {
	SessionID  string           `json:"sessionId"`
	UserID     string           `json:"userId"`
	Position   int              `json:"position"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
	Status     QueueEntryStatus `json:"status"`
}

// Assignment is one (town, industry) unit of work.
type Assignment struct {
	Town     string `json:"town"`
	Industry string `json:"industry"`
}

// WorkList flattens the Cartesian product towns × industries, town-major,
// preserving configured order so partial completion is always a prefix.
func WorkList(towns, industries []string) []Assignment {
	out := make([]Assignment, 0, len(towns)*len(industries))
	for _, town := range towns {
		for _, industry := range industries {
			out = append(out, Assignment{Town: town, Industry: industry})
		}
	}
	return out
}

// DedupKey is the session-scoped identity of a business record.
type DedupKey struct {
	NameLower string `json:"nameLower"`
	PhoneNorm string `json:"phoneNorm"`
}

// KeyOf derives the dedup key from raw listing fields. Name matching is
// case-insensitive; phones are compared in normalised form (see normalize).
func KeyOf(nameLower, phoneNorm string) DedupKey {
	return DedupKey{NameLower: strings.ToLower(strings.TrimSpace(nameLower)), PhoneNorm: phoneNorm}
}
