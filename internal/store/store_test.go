package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketron/internal/persistence"
)

var _ persistence.BlobStore = (*SnapshotStore)(nil)

func TestEmbeddedMigrations(t *testing.T) {
	migrations, err := EmbeddedMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS order_events")
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS trades")
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS processed_messages")
	assert.Equal(t, 2, migrations[1].Version)
	assert.Contains(t, migrations[1].SQL, "CREATE TABLE IF NOT EXISTS snapshots")
}

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":   {Data: []byte("SELECT 10;")},
		"002_second.sql":  {Data: []byte("SELECT 2;")},
		"README.md":       {Data: []byte("ignored")},
		"sub/001_one.sql": {Data: []byte("SELECT 1;")},
	}

	migrations, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, []int{1, 2, 10}, []int{migrations[0].Version, migrations[1].Version, migrations[2].Version})
	assert.Equal(t, "second", migrations[1].Name)
	assert.Equal(t, "SELECT 10;", migrations[2].SQL)
}

func TestLoadMigrations_Errors(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
	}{
		{"bad name", fstest.MapFS{"init.sql": {Data: []byte("x")}}},
		{"duplicate version", fstest.MapFS{
			"001_a.sql": {Data: []byte("x")},
			"001_b.sql": {Data: []byte("y")},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.fsys)
			assert.Error(t, err)
		})
	}
}
