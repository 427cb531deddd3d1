// SPDX-License-Identifier: MIT

// Package sqlite opens the daemon's SQLite files with the operational
// pragmas every connection in the pool must carry.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// Config holds the pool and lock-wait parameters for one database file.
type Config struct {
	BusyTimeout time.Duration
	// MaxOpenConns sizes the pool. WAL allows concurrent readers, so
	// this is well above one; writers still serialise on the file lock.
	MaxOpenConns int
}

// DefaultConfig returns the settings the daemon runs with.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Open opens dbPath with WAL, busy_timeout, synchronous=NORMAL and
// foreign_keys applied through the DSN, so the pragmas hold for every
// pooled connection, then verifies connectivity with a ping.
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return db, nil
}
