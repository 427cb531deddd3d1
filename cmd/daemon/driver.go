// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"sync"

	"github.com/openleads/scraperd/internal/driver"
)

// The core ships no browser engine (see internal/driver). Deployments link
// one by calling SetPageDriverFactory from an init() in a build-tagged
// file alongside this one, typically wrapping chromedp, rod or a remote
// engine. Without a registration the daemon still boots and serves the
// control API; session dispatch fails with errNoEngine, travels the retry
// queue and lands the session in status error.

var errNoEngine = errors.New("no page driver engine linked into this build")

var (
	driverMu      sync.Mutex
	driverFactory driver.Factory
)

// SetPageDriverFactory installs the engine seam. The last registration
// before main wins.
func SetPageDriverFactory(f driver.Factory) {
	driverMu.Lock()
	driverFactory = f
	driverMu.Unlock()
}

func driverLinked() bool {
	driverMu.Lock()
	defer driverMu.Unlock()
	return driverFactory != nil
}

func pageDriverFactory() driver.Factory {
	return func(ctx context.Context) (driver.PageDriver, error) {
		driverMu.Lock()
		f := driverFactory
		driverMu.Unlock()
		if f == nil {
			return nil, errNoEngine
		}
		return f(ctx)
	}
}
