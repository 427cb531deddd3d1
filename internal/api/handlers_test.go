// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openleads/scraperd/internal/admission"
	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/health"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/orch"
	"github.com/openleads/scraperd/internal/queue"
	"github.com/openleads/scraperd/internal/store"
	"github.com/openleads/scraperd/internal/validate"
)

// fakeQueue scripts admission outcomes per test.
type fakeQueue struct {
	mu         sync.Mutex
	ticket     *queue.Ticket
	requestErr error
	cancelErr  error
	status     *queue.Status
	statusErr  error

	requests []string // user ids seen
	cancels  []string // session ids seen
}

func (f *fakeQueue) Request(_ context.Context, userID string, _ model.SessionConfig) (*queue.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, userID)
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return f.ticket, nil
}

func (f *fakeQueue) CancelQueued(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionID)
	return f.cancelErr
}

func (f *fakeQueue) Status(context.Context, string) (*queue.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

// fakeControl records lifecycle calls and returns scripted errors.
type fakeControl struct {
	mu        sync.Mutex
	pauseErr  error
	resumeErr error
	stopErr   error
	calls     []string
}

func (f *fakeControl) record(op, id string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+":"+id)
	return err
}

func (f *fakeControl) Pause(_ context.Context, id string) error {
	return f.record("pause", id, f.pauseErr)
}

func (f *fakeControl) Resume(_ context.Context, id string) error {
	return f.record("resume", id, f.resumeErr)
}

func (f *fakeControl) Stop(_ context.Context, id string) error {
	return f.record("stop", id, f.stopErr)
}

type apiHarness struct {
	t       *testing.T
	ctx     context.Context
	st      *store.SqliteStore
	bus     *bus.MemoryBus
	queue   *fakeQueue
	control *fakeControl
	handler http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "scraperd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &apiHarness{
		t:       t,
		ctx:     context.Background(),
		st:      st,
		bus:     bus.NewMemoryBus(),
		queue:   &fakeQueue{},
		control: &fakeControl{},
	}
	cfg := config.Default()
	srv := NewServer(Deps{
		Queue:     h.queue,
		Control:   h.control,
		Store:     st,
		Bus:       h.bus,
		Health:    health.NewManager("test"),
		Config:    cfg.Server,
		Telemetry: cfg.Telemetry,
	})
	h.handler = srv.Handler()
	return h
}

func (h *apiHarness) seedSession(id, userID string, status model.SessionStatus) *model.Session {
	h.t.Helper()
	now := time.Now().UTC()
	sess := &model.Session{
		ID:     id,
		UserID: userID,
		Config: model.SessionConfig{
			Towns:         []string{"Klerksdorp"},
			Industries:    []string{"Electricians"},
			MaxTowns:      1,
			MaxIndustries: 1,
		},
		State: model.SessionState{
			Status:    status,
			UpdatedAt: now,
		},
		CreatedAt: now,
	}
	require.NoError(h.t, h.st.PutSession(h.ctx, sess))
	return sess
}

func (h *apiHarness) do(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestStartSession_Started(t *testing.T) {
	h := newAPIHarness(t)
	h.queue.ticket = &queue.Ticket{SessionID: "s-1", Outcome: admission.OutcomeStart}

	rec := h.do(http.MethodPost, "/api/sessions",
		`{"userId":"u-1","config":{"towns":["Klerksdorp"],"industries":["Electricians"]}}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/api/sessions/s-1", rec.Header().Get("Location"))
	body := decodeBody(t, rec)
	assert.Equal(t, "s-1", body["sessionId"])
	assert.Equal(t, "started", body["admission"])
	assert.NotContains(t, body, "queuePosition")
	assert.Equal(t, []string{"u-1"}, h.queue.requests)
}

func TestStartSession_Queued(t *testing.T) {
	h := newAPIHarness(t)
	h.queue.ticket = &queue.Ticket{SessionID: "s-2", Outcome: admission.OutcomeQueue, Position: 3}

	rec := h.do(http.MethodPost, "/api/sessions",
		`{"userId":"u-2","config":{"towns":["Orkney"],"industries":["Plumbers"]}}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["admission"])
	assert.Equal(t, float64(3), body["queuePosition"])
}

func TestStartSession_OwnerBusy(t *testing.T) {
	h := newAPIHarness(t)
	h.queue.requestErr = queue.ErrUserBusy

	rec := h.do(http.MethodPost, "/api/sessions",
		`{"userId":"u-1","config":{"towns":["Orkney"],"industries":["Plumbers"]}}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	body := decodeBody(t, rec)
	assert.Equal(t, "OWNER_BUSY", body["code"])
}

func TestStartSession_InvalidConfig(t *testing.T) {
	h := newAPIHarness(t)
	v := validate.New()
	v.AddError("config.towns", "value cannot be empty", nil)
	h.queue.requestErr = v.Err()

	rec := h.do(http.MethodPost, "/api/sessions", `{"userId":"u-1","config":{}}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "INVALID_CONFIG", body["code"])
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	first := errs[0].(map[string]any)
	assert.Equal(t, "config.towns", first["field"])
}

func TestStartSession_BadBodies(t *testing.T) {
	h := newAPIHarness(t)
	h.queue.ticket = &queue.Ticket{SessionID: "s-x", Outcome: admission.OutcomeStart}

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"malformed_json", `{"userId":`, "MALFORMED_BODY"},
		{"unknown_field", `{"userId":"u","config":{},"extra":true}`, "MALFORMED_BODY"},
		{"empty_body", ``, "MALFORMED_BODY"},
		{"missing_user", `{"config":{"towns":["A"],"industries":["B"]}}`, "MISSING_USER"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/sessions", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.wantCode, decodeBody(t, rec)["code"])
		})
	}
	assert.Empty(t, h.queue.requests, "bad bodies must not reach admission")
}

func TestGetSession(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusRunning)

	rec := h.do(http.MethodGet, "/api/sessions/s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "s-1", body["sessionId"])
	assert.Equal(t, "u-1", body["userId"])

	rec = h.do(http.MethodGet, "/api/sessions/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["code"])
}

func TestListSessions(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusRunning)
	h.seedSession("s-2", "u-1", model.StatusCompleted)
	h.seedSession("s-3", "u-2", model.StatusQueued)

	rec := h.do(http.MethodGet, "/api/sessions?userId=u-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])

	rec = h.do(http.MethodGet, "/api/sessions?status=queued", "")
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = h.do(http.MethodGet, "/api/sessions", "")
	body = decodeBody(t, rec)
	assert.Equal(t, float64(3), body["count"])
}

func TestListBusinesses(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusRunning)
	for i := 0; i < 5; i++ {
		_, err := h.st.InsertBusiness(h.ctx, &model.Business{
			SessionID: "s-1",
			Name:      fmt.Sprintf("Shop %d", i),
			Phone:     fmt.Sprintf("+2718299%04d", i),
			Provider:  "Vodacom",
			Town:      "Klerksdorp",
			Industry:  "Electricians",
		})
		require.NoError(t, err)
	}

	rec := h.do(http.MethodGet, "/api/sessions/s-1/businesses?limit=2&offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, float64(2), body["limit"])
	assert.Equal(t, float64(2), body["offset"])
	assert.Len(t, body["businesses"], 2)

	rec = h.do(http.MethodGet, "/api/sessions/missing/businesses", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleHandlers(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusRunning)

	rec := h.do(http.MethodPost, "/api/sessions/s-1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "s-1", body["sessionId"])
	// Pause is acknowledged immediately; the snapshot may still read running
	// until the workers drain.
	assert.Equal(t, string(model.StatusRunning), body["status"])

	rec = h.do(http.MethodPost, "/api/sessions/s-1/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/sessions/s-1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"pause:s-1", "resume:s-1", "stop:s-1"}, h.control.calls)
}

func TestLifecycleHandlers_Conflicts(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusCompleted)
	h.control.pauseErr = fmt.Errorf("%w: cannot pause session in status completed", orch.ErrInvalidTransition)
	h.control.resumeErr = orch.ErrNoLiveRun

	rec := h.do(http.MethodPost, "/api/sessions/s-1/pause", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeBody(t, rec)["code"])

	rec = h.do(http.MethodPost, "/api/sessions/s-1/resume", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_LIVE_RUN", decodeBody(t, rec)["code"])
}

func TestQueueEndpoints(t *testing.T) {
	h := newAPIHarness(t)
	h.queue.status = &queue.Status{SessionID: "s-9", Position: 2, EstimatedWaitMs: 60000}

	rec := h.do(http.MethodGet, "/api/queue/s-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["position"])
	assert.Equal(t, float64(60000), body["estimatedWaitMs"])

	rec = h.do(http.MethodDelete, "/api/queue/s-9", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"s-9"}, h.queue.cancels)

	h.queue.cancelErr = queue.ErrNotWaiting
	rec = h.do(http.MethodDelete, "/api/queue/s-9", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_WAITING", decodeBody(t, rec)["code"])

	h.queue.status = nil
	h.queue.statusErr = store.ErrNotFound
	rec = h.do(http.MethodGet, "/api/queue/gone", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEvents_TerminalSnapshot(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusCompleted)

	rec := h.do(http.MethodGet, "/api/sessions/s-1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "retry: 3000")
	assert.Contains(t, out, "event: lifecycle")
	assert.Contains(t, out, "event: done")
	assert.Contains(t, out, `"status":"completed"`)
}

func TestSessionEvents_UnknownSession(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/api/sessions/missing/events", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionEvents_Stream(t *testing.T) {
	h := newAPIHarness(t)
	h.seedSession("s-1", "u-1", model.StatusRunning)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/s-1/events", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusOK, res.StatusCode)

	// The subscription registers during handler start; poll until the bus
	// sees it before publishing.
	reader := bufio.NewReader(res.Body)
	_, err = reader.ReadString('\n') // retry line
	require.NoError(t, err)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			_ = h.bus.Publish(context.Background(), "s-1", bus.ProgressEvent{
				SessionID: "s-1", Percent: 50, ProcessedBusinesses: 10,
			})
			_ = h.bus.Publish(context.Background(), "s-1", bus.LifecycleEvent{
				SessionID: "s-1", From: model.StatusRunning, To: model.StatusCompleted,
				At: time.Now().UTC(),
			})
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}()

	var sawProgress, sawLifecycle, sawDone bool
	for !sawDone {
		line, err := reader.ReadString('\n')
		require.NoError(t, err, "stream ended before done event")
		switch {
		case strings.HasPrefix(line, "event: progress"):
			sawProgress = true
		case strings.HasPrefix(line, "event: lifecycle"):
			sawLifecycle = true
		case strings.HasPrefix(line, "event: done"):
			sawDone = true
		}
	}
	assert.True(t, sawProgress)
	assert.True(t, sawLifecycle)
}

func TestSystemEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["version"])

	rec = h.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "scraperd_")
}

func TestProblemResponses_CarryRequestID(t *testing.T) {
	h := newAPIHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", decodeBody(t, rec)["requestId"])
}
