// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, opts Options) (*Queue, *fakeClock) {
	t.Helper()
	st, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "scraperd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.PutSession(context.Background(), &model.Session{
		ID:     "sess-1",
		UserID: "user-1",
		State:  model.SessionState{Status: model.StatusRunning},
	}))

	clock := &fakeClock{now: time.Now().UTC()}
	opts.Clock = clock
	return NewQueue(st, opts), clock
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(2*time.Second, 0))
	assert.Equal(t, 2*time.Second, Backoff(2*time.Second, 1))
	assert.Equal(t, 4*time.Second, Backoff(2*time.Second, 2))
	assert.Equal(t, 8*time.Second, Backoff(2*time.Second, 3))
	assert.Equal(t, 500*time.Millisecond, Backoff(500*time.Millisecond, 1))
}

func TestQueue_EnqueueDefersByBaseDelay(t *testing.T) {
	q, clock := newTestQueue(t, Options{BaseDelay: 2 * time.Second})
	ctx := context.Background()

	it, err := q.Enqueue(ctx, "sess-1", model.RetryNavigation, []byte(`{"town":"Hermanus"}`))
	require.NoError(t, err)
	assert.Zero(t, it.Attempts)
	assert.Equal(t, clock.now.Add(2*time.Second).UnixMilli(), it.NextRetry.UnixMilli())

	// Not due until the base delay has passed.
	due, err := q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(3 * time.Second)
	due, err = q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, it.ID, due[0].ID)
}

func TestQueue_RejectsUnknownType(t *testing.T) {
	q, _ := newTestQueue(t, Options{})

	_, err := q.Enqueue(context.Background(), "sess-1", model.RetryType("teleport"), nil)
	assert.Error(t, err)
}

func TestQueue_BackoffScheduleToExhaustion(t *testing.T) {
	q, clock := newTestQueue(t, Options{BaseDelay: 2 * time.Second, MaxAttempts: 3})
	ctx := context.Background()

	it, err := q.Enqueue(ctx, "sess-1", model.RetryLookup, nil)
	require.NoError(t, err)

	// Attempt 1 fails: next delay 2s.
	clock.Advance(2 * time.Second)
	_, err = q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	failed, err := q.MarkFailed(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, failed.Attempts)
	assert.False(t, failed.Exhausted)
	assert.Equal(t, clock.now.Add(2*time.Second).UnixMilli(), failed.NextRetry.UnixMilli())

	// Attempt 2 fails: delay doubles to 4s.
	clock.Advance(2 * time.Second)
	failed, err = q.MarkFailed(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, failed.Attempts)
	assert.False(t, failed.Exhausted)
	assert.Equal(t, clock.now.Add(4*time.Second).UnixMilli(), failed.NextRetry.UnixMilli())

	// Attempt 3 exhausts the item.
	clock.Advance(4 * time.Second)
	failed, err = q.MarkFailed(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, failed.Attempts)
	assert.True(t, failed.Exhausted)

	// Exhausted items never come back, however long we wait.
	clock.Advance(time.Hour)
	due, err := q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := q.PendingCount(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_LeasePreventsDoubleDispatch(t *testing.T) {
	q, clock := newTestQueue(t, Options{BaseDelay: time.Second})
	ctx := context.Background()

	it, err := q.Enqueue(ctx, "sess-1", model.RetryExtraction, nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	due, err := q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Still due by time, but leased out.
	due, err = q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, due)

	// Released without an attempt: dispatchable again.
	q.Release(it.ID)
	due, err = q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestQueue_MarkSucceededDeletes(t *testing.T) {
	q, clock := newTestQueue(t, Options{BaseDelay: time.Second})
	ctx := context.Background()

	it, err := q.Enqueue(ctx, "sess-1", model.RetryNavigation, nil)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	_, err = q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, q.MarkSucceeded(ctx, it.ID))

	n, err := q.PendingCount(ctx, "sess-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.MarkFailed(ctx, it.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestQueue_SnapshotExcludesExhausted(t *testing.T) {
	q, clock := newTestQueue(t, Options{BaseDelay: time.Second, MaxAttempts: 1})
	ctx := context.Background()

	live, err := q.Enqueue(ctx, "sess-1", model.RetryNavigation, []byte(`{"town":"Knysna"}`))
	require.NoError(t, err)
	spent, err := q.Enqueue(ctx, "sess-1", model.RetryLookup, nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = q.DueItems(ctx, "sess-1")
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, spent.ID)
	require.NoError(t, err)

	snap, err := q.Snapshot(ctx, "sess-1")
	require.NoError(t, err)

	var items []model.RetryItem
	require.NoError(t, json.Unmarshal(snap, &items))
	require.Len(t, items, 1)
	assert.Equal(t, live.ID, items[0].ID)
}
