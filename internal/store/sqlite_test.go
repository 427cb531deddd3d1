// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openleads/scraperd/internal/model"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "scraperd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkSession(id, userID string, status model.SessionStatus) *model.Session {
	return &model.Session{
		ID:     id,
		UserID: userID,
		Config: model.SessionConfig{
			Towns:      []string{"Hermanus", "Knysna"},
			Industries: []string{"plumber"},
			MaxTowns:   2, MaxIndustries: 2,
			BatchSize: 5,
		},
		State: model.SessionState{Status: status},
	}
}

func TestSqliteStore_Pragmas(t *testing.T) {
	s := newTestStore(t)

	var mode string
	require.NoError(t, s.DB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var sync int
	require.NoError(t, s.DB.QueryRow("PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 1, sync) // NORMAL

	var fk int
	require.NoError(t, s.DB.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var version int
	require.NoError(t, s.DB.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, schemaVersion, version)
}

func TestSqliteStore_SessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := mkSession("sess-1", "user-1", model.StatusRunning)
	sess.State.CurrentTown = "Hermanus"
	sess.State.CurrentIndustry = "plumber"
	sess.State.ProgressPercent = 25.5
	sess.State.ProcessedBusinesses = 17
	sess.State.StartedAt = time.Now().UTC()
	require.NoError(t, s.PutSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, model.StatusRunning, got.State.Status)
	assert.Equal(t, []string{"Hermanus", "Knysna"}, got.Config.Towns)
	assert.Equal(t, "Hermanus", got.State.CurrentTown)
	assert.Equal(t, 25.5, got.State.ProgressPercent)
	assert.Equal(t, 17, got.State.ProcessedBusinesses)
	assert.Equal(t, sess.State.StartedAt.UnixMilli(), got.State.StartedAt.UnixMilli())
	assert.Nil(t, got.Summary)
	assert.False(t, got.CreatedAt.IsZero())

	// Upsert with a terminal summary.
	sess.State.Status = model.StatusCompleted
	sess.Summary = &model.SessionSummary{TotalBusinesses: 42, TotalTownsCompleted: 2, DurationMs: 9000}
	require.NoError(t, s.PutSession(ctx, sess))

	got, err = s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.State.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 42, got.Summary.TotalBusinesses)
}

func TestSqliteStore_GetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSqliteStore_UpdateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, mkSession("sess-1", "user-1", model.StatusQueued)))

	updated, err := s.UpdateSession(ctx, "sess-1", func(sess *model.Session) error {
		sess.State.Status = model.StatusRunning
		sess.State.StartedAt = time.Now().UTC()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, updated.State.Status)
	assert.False(t, updated.State.UpdatedAt.IsZero())

	// fn error aborts without persisting.
	boom := errors.New("boom")
	_, err = s.UpdateSession(ctx, "sess-1", func(sess *model.Session) error {
		sess.State.Status = model.StatusError
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.State.Status)

	_, err = s.UpdateSession(ctx, "missing", func(*model.Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSqliteStore_QuerySessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, mkSession("s1", "alice", model.StatusRunning)))
	require.NoError(t, s.PutSession(ctx, mkSession("s2", "alice", model.StatusCompleted)))
	require.NoError(t, s.PutSession(ctx, mkSession("s3", "bob", model.StatusQueued)))

	byUser, err := s.QuerySessions(ctx, SessionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, byUser, 2)

	active, err := s.QuerySessions(ctx, SessionFilter{
		Statuses: []model.SessionStatus{model.StatusRunning, model.StatusQueued, model.StatusPaused},
	})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	page, err := s.QuerySessions(ctx, SessionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	none, err := s.QuerySessions(ctx, SessionFilter{UserID: "carol"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSqliteStore_InsertBusiness_DedupIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, mkSession("sess-1", "user-1", model.StatusRunning)))

	first := &model.Business{
		SessionID: "sess-1",
		Name:      "Café Aroma",
		Phone:     "082 123 4567",
		Provider:  "Vodacom",
		Town:      "Hermanus",
		Industry:  "coffee shop",
	}
	inserted, err := s.InsertBusiness(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, first.ID)

	// Same identity: diacritics folded, case ignored, phone renormalised.
	dup := &model.Business{
		SessionID: "sess-1",
		Name:      "cafe AROMA",
		Phone:     "+27821234567",
		Provider:  "MTN",
		Town:      "Hermanus",
		Industry:  "coffee shop",
	}
	inserted, err = s.InsertBusiness(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same name, different phone: distinct record.
	other := &model.Business{
		SessionID: "sess-1",
		Name:      "Café Aroma",
		Phone:     "083 999 0000",
		Provider:  "MTN",
		Town:      "Hermanus",
		Industry:  "coffee shop",
	}
	inserted, err = s.InsertBusiness(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := s.CountBusinesses(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.ListBusinesses(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Café Aroma", list[0].Name)
	assert.Equal(t, "Vodacom", list[0].Provider)

	// Cascade on session delete.
	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	n, err = s.CountBusinesses(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSqliteStore_CheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, mkSession("sess-1", "user-1", model.StatusRunning)))

	cp := &model.Checkpoint{
		SessionID:           "sess-1",
		CurrentTown:         "Knysna",
		CurrentIndustry:     "plumber",
		ProcessedBusinesses: 31,
		RetrySnapshot:       []byte(`[{"type":"lookup"}]`),
	}
	require.NoError(t, s.PutCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Knysna", got.CurrentTown)
	assert.Equal(t, 31, got.ProcessedBusinesses)
	assert.Equal(t, []byte(`[{"type":"lookup"}]`), got.RetrySnapshot)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, s.DeleteCheckpoint(ctx, "sess-1"))
	_, err = s.GetCheckpoint(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSqliteStore_UpdateSessionWithCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := mkSession("sess-1", "user-1", model.StatusRunning)
	require.NoError(t, s.PutSession(ctx, sess))

	sess.State.ProcessedBusinesses = 12
	sess.State.ProgressPercent = 50
	cp := &model.Checkpoint{
		SessionID:           "sess-1",
		CurrentTown:         "Hermanus",
		ProcessedBusinesses: 12,
	}
	require.NoError(t, s.UpdateSessionWithCheckpoint(ctx, sess, cp))

	gotSess, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	gotCp, err := s.GetCheckpoint(ctx, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, 12, gotSess.State.ProcessedBusinesses)
	assert.Equal(t, 12, gotCp.ProcessedBusinesses)
	assert.Equal(t, gotSess.State.UpdatedAt.UnixMilli(), gotCp.UpdatedAt.UnixMilli())
}

func TestSqliteStore_RetryQueue_DueFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutSession(ctx, mkSession("sess-1", "user-1", model.StatusRunning)))

	due := &model.RetryItem{SessionID: "sess-1", Type: model.RetryNavigation, NextRetry: now.Add(-time.Second)}
	future := &model.RetryItem{SessionID: "sess-1", Type: model.RetryLookup, NextRetry: now.Add(time.Hour)}
	spent := &model.RetryItem{SessionID: "sess-1", Type: model.RetryExtraction, NextRetry: now.Add(-time.Minute), Exhausted: true}

	for _, it := range []*model.RetryItem{due, future, spent} {
		_, err := s.InsertRetryItem(ctx, it)
		require.NoError(t, err)
	}

	ready, err := s.DueRetryItems(ctx, "sess-1", now, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, due.ID, ready[0].ID)
	assert.Equal(t, model.RetryNavigation, ready[0].Type)

	got, err := s.GetRetryItem(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryNavigation, got.Type)
	_, err = s.GetRetryItem(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	byType, err := s.CountPendingRetriesByType(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, map[model.RetryType]int{model.RetryNavigation: 1, model.RetryLookup: 1}, byType)

	// Pending excludes exhausted; full list keeps it for diagnostics.
	pending, err := s.CountPendingRetries(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	all, err := s.ListRetryItems(ctx, "sess-1", true)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Backoff bump moves the item out of the due window.
	ready[0].Attempts = 1
	ready[0].NextRetry = now.Add(4 * time.Second)
	require.NoError(t, s.UpdateRetryItem(ctx, ready[0]))

	ready, err = s.DueRetryItems(ctx, "sess-1", now, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, s.DeleteRetryItem(ctx, due.ID))
	pending, err = s.CountPendingRetries(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	assert.ErrorIs(t, s.UpdateRetryItem(ctx, &model.RetryItem{ID: 9999}), ErrNotFound)
}

func TestSqliteStore_Metrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSession(ctx, mkSession("sess-1", "user-1", model.StatusRunning)))

	require.NoError(t, s.InsertMetric(ctx, &model.MetricRecord{
		SessionID: "sess-1", Type: model.MetricNavigation, Name: "nav_duration_ms", Value: 4200, Success: true,
	}))
	require.NoError(t, s.InsertMetric(ctx, &model.MetricRecord{
		SessionID: "sess-1", Type: model.MetricLookup, Name: "lookup_duration_ms", Value: 900, Success: false,
		Metadata: []byte(`{"phone":"0821234567"}`),
	}))

	nav, err := s.ListMetrics(ctx, "sess-1", model.MetricNavigation)
	require.NoError(t, err)
	require.Len(t, nav, 1)
	assert.Equal(t, 4200.0, nav[0].Value)
	assert.True(t, nav[0].Success)

	all, err := s.ListMetrics(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.False(t, all[1].Success)
}

func TestSqliteStore_ProviderCache_Expiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutProvider(ctx, "0821234567", "Vodacom", now, 30*24*time.Hour))
	require.NoError(t, s.PutProvider(ctx, "0839990000", model.ProviderUnknown, now, 24*time.Hour))

	carrier, ok, err := s.GetProvider(ctx, "0821234567", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Vodacom", carrier)

	// Unknown entries expire after their shorter TTL.
	_, ok, err = s.GetProvider(ctx, "0839990000", now.Add(25*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetProvider(ctx, "0000000000", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Overwrite refreshes carrier and expiry.
	require.NoError(t, s.PutProvider(ctx, "0839990000", "MTN", now.Add(25*time.Hour), 30*24*time.Hour))
	carrier, ok, err = s.GetProvider(ctx, "0839990000", now.Add(26*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "MTN", carrier)

	pruned, err := s.PruneProviderCache(ctx, now.Add(31*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

func TestSqliteStore_QueueEntries_Positions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, s.PutSession(ctx, mkSession(id, "user-"+id, model.StatusQueued)))
	}

	for i, id := range []string{"s1", "s2", "s3", "s4"} {
		pos, err := s.EnqueueWaiting(ctx, &model.QueueEntry{SessionID: id, UserID: "user-" + id})
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}

	// Head promotion shifts everyone else down one.
	head, err := s.PromoteHead(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, "s1", head.SessionID)
	assert.Equal(t, model.QueueActive, head.Status)

	waiting, err := s.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	for i, e := range waiting {
		assert.Equal(t, i+1, e.Position)
	}
	assert.Equal(t, "s2", waiting[0].SessionID)

	// Cancelling a middle entry keeps the line contiguous.
	require.NoError(t, s.FinishQueueEntry(ctx, "s3", model.QueueCancelled))

	waiting, err = s.ListWaiting(ctx)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "s2", waiting[0].SessionID)
	assert.Equal(t, 1, waiting[0].Position)
	assert.Equal(t, "s4", waiting[1].SessionID)
	assert.Equal(t, 2, waiting[1].Position)

	n, err := s.CountWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetQueueEntry(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, model.QueueCancelled, got.Status)

	// Draining the rest leaves an empty line.
	for range 2 {
		_, err := s.PromoteHead(ctx)
		require.NoError(t, err)
	}
	empty, err := s.PromoteHead(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	assert.ErrorIs(t, s.FinishQueueEntry(ctx, "missing", model.QueueComplete), ErrNotFound)
}

func TestSqliteStore_CrashSafeReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")
	ctx := context.Background()

	s1, err := NewSqliteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.PutSession(ctx, mkSession("sess-crash", "user-1", model.StatusRunning)))
	require.NoError(t, s1.PutCheckpoint(ctx, &model.Checkpoint{SessionID: "sess-crash", CurrentTown: "Hermanus"}))
	require.NoError(t, s1.Close())

	s2, err := NewSqliteStore(dbPath)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.GetSession(ctx, "sess-crash")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.State.Status)

	cp, err := s2.GetCheckpoint(ctx, "sess-crash")
	require.NoError(t, err)
	assert.Equal(t, "Hermanus", cp.CurrentTown)
}
