// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openleads/scraperd/internal/config"
	"github.com/openleads/scraperd/internal/log"
	"github.com/openleads/scraperd/internal/persistence/sqlite"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving: the data directory must be writable and the listen address
// parseable. Failures here abort boot instead of surfacing later as
// half-broken sessions.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDataDir(logger, cfg.Scraper.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.Server.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkDatabase(logger, filepath.Join(cfg.Scraper.DataDir, "scraperd.db")); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}
	warnVolatileDataDir(logger, cfg.Scraper.DataDir)

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("data directory is not configured")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	if err := probeWritable(path); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	logger.Info().Str("path", path).Msg("✓ Data directory is writable")
	return nil
}

// checkDatabase quick-checks an existing session database before the store
// opens it. A fresh install has no file yet; that is not a failure.
func checkDatabase(logger zerolog.Logger, dbPath string) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logger.Info().Str("path", dbPath).Msg("✓ No existing database, a fresh one will be created")
		return nil
	} else if err != nil {
		return err
	}
	faults, err := sqlite.VerifyIntegrity(dbPath, "quick")
	if err != nil {
		return err
	}
	if len(faults) > 0 {
		return fmt.Errorf("database %s is corrupted: %s", dbPath, strings.Join(faults, "; "))
	}
	logger.Info().Str("path", dbPath).Msg("✓ Session database passed quick_check")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return fmt.Errorf("listen address is not configured")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("✓ Listen address is valid")
	return nil
}

// warnVolatileDataDir flags a data directory under the system temp root.
// Checkpoints, the session store and the provider cache live there; losing
// them on reboot silently resets every resumable session.
func warnVolatileDataDir(logger zerolog.Logger, dataDir string) {
	tempDir := filepath.Clean(os.TempDir())
	cleaned := filepath.Clean(dataDir)
	if tempDir == "." {
		return
	}
	if cleaned == tempDir || strings.HasPrefix(cleaned, tempDir+string(filepath.Separator)) {
		logger.Warn().
			Str("data_dir", dataDir).
			Msg("data directory is under temp; checkpoints and sessions may be lost on reboot")
	}
}
