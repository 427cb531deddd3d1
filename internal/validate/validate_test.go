// SPDX-License-Identifier: MIT

package validate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_Empty(t *testing.T) {
	v := New()
	assert.True(t, v.IsValid())
	assert.NoError(t, v.Err())
}

func TestValidator_Range(t *testing.T) {
	v := New()
	v.Range("MaxTowns", 2, 1, 3)
	require.True(t, v.IsValid())

	v.Range("MaxTowns", 4, 1, 3)
	require.False(t, v.IsValid())
	assert.Contains(t, v.Err().Error(), "MaxTowns")
	assert.Contains(t, v.Err().Error(), "between 1 and 3")
}

func TestValidator_OneOf(t *testing.T) {
	v := New()
	v.OneOf("Backend", "badger", []string{"badger", "redis", "sqlite", "none"})
	assert.True(t, v.IsValid())

	v.OneOf("Backend", "etcd", []string{"badger", "redis", "sqlite", "none"})
	assert.False(t, v.IsValid())
}

func TestValidator_Port(t *testing.T) {
	v := New()
	v.Port("ListenPort", 8080)
	assert.True(t, v.IsValid())

	v.Port("ListenPort", 0)
	v.Port("ListenPort", 70000)
	assert.Len(t, v.Errors(), 2)
}

func TestValidator_MinDuration(t *testing.T) {
	v := New()
	v.MinDuration("CheckpointInterval", 30*time.Second, time.Second)
	assert.True(t, v.IsValid())

	v.MinDuration("CheckpointInterval", 100*time.Millisecond, time.Second)
	assert.False(t, v.IsValid())
}

func TestValidator_URL(t *testing.T) {
	v := New()
	v.URL("SearchBaseURL", "https://maps.example.com/search", []string{"http", "https"})
	assert.True(t, v.IsValid())

	v = New()
	v.URL("SearchBaseURL", "ftp://maps.example.com", []string{"http", "https"})
	assert.False(t, v.IsValid())

	v = New()
	v.URL("SearchBaseURL", "", []string{"http", "https"})
	assert.False(t, v.IsValid())
}

func TestValidator_Directory(t *testing.T) {
	dir := t.TempDir()

	v := New()
	v.Directory("DataDir", dir, true)
	assert.True(t, v.IsValid())

	// Missing dir with mustExist=false is created.
	created := filepath.Join(dir, "sub")
	v = New()
	v.Directory("DataDir", created, false)
	assert.True(t, v.IsValid())
	assert.DirExists(t, created)

	// Traversal rejected.
	v = New()
	v.Directory("DataDir", "../escape", false)
	assert.False(t, v.IsValid())
}

func TestValidationError_MultipleMessages(t *testing.T) {
	v := New()
	v.Range("A", 10, 0, 5)
	v.NotEmpty("B", " ")

	err := v.Err()
	require.Error(t, err)

	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors(), 2)
	assert.Contains(t, err.Error(), "; ")
}
