// SPDX-License-Identifier: MIT

package sqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.db")
	db, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode;").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys;").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestVerifyIntegrity_HealthyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthy.db")
	db, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	faults, err := VerifyIntegrity(path, "quick")
	require.NoError(t, err)
	assert.Nil(t, faults)

	faults, err = VerifyIntegrity(path, "full")
	require.NoError(t, err)
	assert.Nil(t, faults)
}

func TestVerifyIntegrity_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	require.NoError(t, os.WriteFile(path, []byte("definitely not sqlite"), 0o600))

	faults, err := VerifyIntegrity(path, "quick")
	if err == nil {
		assert.NotEmpty(t, faults, "a garbage file must not verify as healthy")
	}
}
