// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/openleads/scraperd/internal/log"
)

// stubManager is a Manager that blocks in Start until cancelled.
type stubManager struct {
	startErr  error
	started   atomic.Bool
	shutdowns atomic.Int32
}

func (s *stubManager) Start(ctx context.Context) error {
	s.started.Store(true)
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *stubManager) Shutdown(context.Context) error {
	s.shutdowns.Add(1)
	return nil
}

func (s *stubManager) RegisterShutdownHook(string, ShutdownHook) {}

func TestApp_MissingManager(t *testing.T) {
	app := NewApp(log.WithComponent("test"), nil, nil, nil)
	if err := app.Run(context.Background()); !errors.Is(err, ErrMissingManager) {
		t.Fatalf("Run() error = %v, want %v", err, ErrMissingManager)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mgr := &stubManager{}
	app := NewApp(log.WithComponent("test"), mgr, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- app.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if !mgr.started.Load() {
		t.Error("manager was never started")
	}
}

func TestApp_ManagerFailureTriggersShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mgr := &stubManager{startErr: errors.New("bind failed")}
	app := NewApp(log.WithComponent("test"), mgr, nil, nil)

	err := app.Run(context.Background())
	if !errors.Is(err, mgr.startErr) {
		t.Fatalf("Run() error = %v, want start failure", err)
	}
	if mgr.shutdowns.Load() == 0 {
		t.Error("manager failure did not trigger shutdown")
	}
}
