// SPDX-License-Identifier: MIT

// Package contract checks live control-API responses against the published
// OpenAPI document. The server runs over the real store, queue and
// orchestrator; sessions complete instantly because no pages are scripted.
package contract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/stretchr/testify/require"

	"github.com/openleads/scraperd/internal/bus"
	"github.com/openleads/scraperd/internal/cache"
	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/driver/drivertest"
	"github.com/openleads/scraperd/internal/extract"
	"github.com/openleads/scraperd/internal/health"
	"github.com/openleads/scraperd/internal/lookup"
	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/orch"
	"github.com/openleads/scraperd/internal/provider"
	"github.com/openleads/scraperd/internal/queue"
	"github.com/openleads/scraperd/internal/retry"
	"github.com/openleads/scraperd/internal/store"
	"github.com/openleads/scraperd/internal/version"

	apisrv "github.com/openleads/scraperd/internal/api"
)

const specPath = "../../api/openapi.yaml"

var (
	openapiOnce   sync.Once
	openapiRouter routers.Router
	openapiErr    error
)

func loadSpec(t *testing.T) routers.Router {
	t.Helper()
	openapiOnce.Do(func() {
		loader := openapi3.NewLoader()
		doc, err := loader.LoadFromFile(specPath)
		if err != nil {
			openapiErr = err
			return
		}
		if err := doc.Validate(context.Background()); err != nil {
			openapiErr = err
			return
		}
		openapiRouter, openapiErr = legacy.NewRouter(doc)
	})
	if openapiErr != nil {
		t.Fatalf("openapi spec load failed: %v", openapiErr)
	}
	return openapiRouter
}

// contractServer is a full daemon behind an in-process handler. Fake
// drivers answer every page with zero listings, so admitted sessions run
// through the whole lifecycle in milliseconds.
type contractServer struct {
	handler http.Handler
	store   *store.SqliteStore
	queue   *queue.Manager
	cancel  context.CancelFunc
	runErr  chan error
}

func newContractServer(t *testing.T) *contractServer {
	t.Helper()

	st, err := store.NewSqliteStore(filepath.Join(t.TempDir(), "scraperd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Scraper.DataDir = t.TempDir()
	cfg.Nav.BaseDelay = time.Millisecond

	cs := &contractServer{store: st, runErr: make(chan error, 1)}
	b := bus.NewMemoryBus()
	spawner := drivertest.NewSpawner()
	orc := orch.New(orch.Deps{
		Store:   st,
		Bus:     b,
		Retry:   retry.NewQueue(st, retry.Options{BaseDelay: time.Millisecond}),
		Cache:   provider.New(cache.NewNoOpCache(), provider.NoopBackend{}, provider.Options{}),
		Factory: spawner.Factory(),
		Config:  cfg,
		TerminalFn: func(id string, status model.SessionStatus) {
			cs.queue.OnTerminal(id, status)
		},
		DrainPoll: 2 * time.Millisecond,
		LookupOptions: lookup.Options{
			ResultSettle: time.Millisecond,
			IntraDelay:   time.Millisecond,
			InterMin:     time.Millisecond,
			InterMax:     2 * time.Millisecond,
		},
		ExtractOptions: extract.Options{
			ScrollSettle: time.Millisecond,
			SettleDelay:  time.Millisecond,
		},
	})
	cs.queue = queue.NewManager(queue.Deps{Store: st, Runner: orc, Config: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	cs.cancel = cancel
	orc.Bind(ctx)
	go func() { cs.runErr <- orc.Run(ctx) }()
	require.NoError(t, cs.queue.Boot(ctx))

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewStoreChecker(st.DB))
	cs.handler = apisrv.NewServer(apisrv.Deps{
		Queue:     cs.queue,
		Control:   orc,
		Store:     st,
		Bus:       b,
		Health:    hm,
		Config:    cfg.Server,
		Telemetry: cfg.Telemetry,
	}).Handler()

	t.Cleanup(func() {
		cancel()
		select {
		case <-cs.runErr:
		case <-time.After(10 * time.Second):
			t.Error("orchestrator did not shut down")
		}
	})
	return cs
}

// exchange performs one request against the handler and validates the
// response against the OpenAPI document.
func (cs *contractServer) exchange(t *testing.T, method, path, body string, wantStatus int) *httptest.ResponseRecorder {
	t.Helper()
	router := loadSpec(t)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rr := httptest.NewRecorder()
	cs.handler.ServeHTTP(rr, req)
	require.Equal(t, wantStatus, rr.Code, "%s %s: %s", method, path, rr.Body.String())

	route, pathParams, err := router.FindRoute(req)
	require.NoError(t, err, "no openapi route for %s %s", method, path)

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    req,
			PathParams: pathParams,
			Route:      route,
		},
		Status:  rr.Code,
		Header:  rr.Header(),
		Options: &openapi3filter.Options{IncludeResponseStatus: true},
	}
	input.SetBodyBytes(rr.Body.Bytes())
	require.NoError(t, openapi3filter.ValidateResponse(context.Background(), input),
		"%s %s response violates the contract", method, path)
	return rr
}

func (cs *contractServer) waitStatus(t *testing.T, id string, want model.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := cs.store.GetSession(context.Background(), id)
		return err == nil && sess.State.Status == want
	}, 15*time.Second, 5*time.Millisecond)
}

func jsonDecode(rr *httptest.ResponseRecorder, out any) error {
	return json.Unmarshal(rr.Body.Bytes(), out)
}

func TestSpecDocumentIsValid(t *testing.T) {
	loadSpec(t)
}

func TestOpsEndpointsMatchContract(t *testing.T) {
	cs := newContractServer(t)
	cs.exchange(t, http.MethodGet, "/healthz", "", http.StatusOK)
	cs.exchange(t, http.MethodGet, "/readyz", "", http.StatusOK)
	cs.exchange(t, http.MethodGet, "/version", "", http.StatusOK)
}

func TestSessionLifecycleMatchesContract(t *testing.T) {
	cs := newContractServer(t)

	rr := cs.exchange(t, http.MethodPost, "/api/sessions",
		`{"userId":"contract-user","config":{"towns":["Knysna"],"industries":["plumbers"]}}`,
		http.StatusCreated)

	var admitted struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, jsonDecode(rr, &admitted))
	require.NotEmpty(t, admitted.SessionID)

	// No pages are scripted, so the run completes with zero records.
	cs.waitStatus(t, admitted.SessionID, model.StatusCompleted)

	cs.exchange(t, http.MethodGet, "/api/sessions", "", http.StatusOK)
	cs.exchange(t, http.MethodGet, "/api/sessions?userId=contract-user&status=completed", "", http.StatusOK)
	cs.exchange(t, http.MethodGet, "/api/sessions/"+admitted.SessionID, "", http.StatusOK)
	cs.exchange(t, http.MethodGet, "/api/sessions/"+admitted.SessionID+"/businesses", "", http.StatusOK)
}

func TestProblemResponsesMatchContract(t *testing.T) {
	cs := newContractServer(t)

	// Malformed body, unknown session, illegal transition and a queue miss
	// must all answer RFC 7807 documents.
	cs.exchange(t, http.MethodPost, "/api/sessions", `{"bogus":true}`, http.StatusBadRequest)
	cs.exchange(t, http.MethodGet, "/api/sessions/no-such-session", "", http.StatusNotFound)
	cs.exchange(t, http.MethodGet, "/api/queue/no-such-session", "", http.StatusNotFound)

	rr := cs.exchange(t, http.MethodPost, "/api/sessions",
		`{"userId":"conflict-user","config":{"towns":["Knysna"],"industries":["plumbers"]}}`,
		http.StatusCreated)
	var admitted struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, jsonDecode(rr, &admitted))
	cs.waitStatus(t, admitted.SessionID, model.StatusCompleted)

	// A completed session cannot pause.
	cs.exchange(t, http.MethodPost, "/api/sessions/"+admitted.SessionID+"/pause", "", http.StatusConflict)
}
