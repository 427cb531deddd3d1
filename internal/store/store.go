// SPDX-License-Identifier: MIT

// Package store is the durable system-of-record for scraping sessions and
// everything that hangs off them: extracted businesses, resume checkpoints,
// the retry queue, per-session metrics, the provider cache and the admission
// queue.
//
// Design intent:
//   - SQLite is the single backend. WAL mode lets API reads proceed while
//     the orchestrator checkpoints.
//   - Writes that must be observed together (session state plus checkpoint
//     at a town boundary) share one transaction.
//   - Business dedup is enforced here, not only in memory: a UNIQUE
//     (session_id, name_lower, phone_norm) constraint means a crash-replayed
//     insert can never double-count.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openleads/scraperd/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
)

// SessionFilter narrows QuerySessions. Zero values mean "no constraint".
type SessionFilter struct {
	UserID   string
	Statuses []model.SessionStatus
	Limit    int
	Offset   int
}

// Store is the persistence contract the orchestrator, queue manager and
// control API depend on.
type Store interface {
	// --- Sessions ---
	PutSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// UpdateSession applies fn to the current row inside a transaction and
	// persists the result. fn returning an error aborts the update.
	UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error)
	QuerySessions(ctx context.Context, filter SessionFilter) ([]*model.Session, error)
	DeleteSession(ctx context.Context, id string) error

	// --- Businesses ---
	// InsertBusiness reports inserted=false when the session already holds a
	// record with the same dedup identity.
	InsertBusiness(ctx context.Context, b *model.Business) (inserted bool, err error)
	ListBusinesses(ctx context.Context, sessionID string, limit, offset int) ([]*model.Business, error)
	CountBusinesses(ctx context.Context, sessionID string) (int, error)

	// --- Checkpoints ---
	PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, sessionID string) (*model.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, sessionID string) error
	// UpdateSessionWithCheckpoint persists session state and checkpoint in a
	// single transaction. Used at town boundaries so resume never observes a
	// checkpoint ahead of (or behind) the session row.
	UpdateSessionWithCheckpoint(ctx context.Context, s *model.Session, cp *model.Checkpoint) error

	// --- Retry queue ---
	InsertRetryItem(ctx context.Context, it *model.RetryItem) (int64, error)
	GetRetryItem(ctx context.Context, id int64) (*model.RetryItem, error)
	UpdateRetryItem(ctx context.Context, it *model.RetryItem) error
	DeleteRetryItem(ctx context.Context, id int64) error
	// DueRetryItems returns non-exhausted items whose next_retry is at or
	// before now, oldest first. limit <= 0 means no limit.
	DueRetryItems(ctx context.Context, sessionID string, now time.Time, limit int) ([]*model.RetryItem, error)
	ListRetryItems(ctx context.Context, sessionID string, includeExhausted bool) ([]*model.RetryItem, error)
	CountPendingRetries(ctx context.Context, sessionID string) (int, error)
	CountPendingRetriesByType(ctx context.Context, sessionID string) (map[model.RetryType]int, error)

	// --- Metrics ---
	InsertMetric(ctx context.Context, m *model.MetricRecord) error
	ListMetrics(ctx context.Context, sessionID string, mt model.MetricType) ([]*model.MetricRecord, error)

	// --- Provider cache ---
	// GetProvider reports ok=false for both missing and expired entries.
	GetProvider(ctx context.Context, phone string, now time.Time) (carrier string, ok bool, err error)
	PutProvider(ctx context.Context, phone, carrier string, now time.Time, ttl time.Duration) error
	PruneProviderCache(ctx context.Context, now time.Time) (int, error)

	// --- Admission queue ---
	// EnqueueWaiting appends the entry at the tail of the waiting line and
	// returns its 1-based position.
	EnqueueWaiting(ctx context.Context, e *model.QueueEntry) (int, error)
	// PromoteHead activates the lowest-position waiting entry and closes the
	// gap. Returns (nil, nil) when nothing is waiting.
	PromoteHead(ctx context.Context) (*model.QueueEntry, error)
	// FinishQueueEntry marks the entry complete or cancelled. If it was still
	// waiting, positions behind it shift down so the line stays contiguous.
	FinishQueueEntry(ctx context.Context, sessionID string, status model.QueueEntryStatus) error
	GetQueueEntry(ctx context.Context, sessionID string) (*model.QueueEntry, error)
	ListWaiting(ctx context.Context) ([]*model.QueueEntry, error)
	CountWaiting(ctx context.Context) (int, error)

	Close() error
}
