package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwatch/matrixcore/config"
	"github.com/ledgerwatch/matrixcore/kv"
)

func TestOpenWiresEveryComponent(t *testing.T) {
	dataDir := t.TempDir()
	e, err := kv.Open(filepath.Join(dataDir, "matrixcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	cfg := config.Default()
	cfg.ServerName = "example.org"
	cfg.DatabasePath = dataDir

	db, err := Open(cfg, e)
	require.NoError(t, err)

	require.Equal(t, "example.org", db.Globals.ServerName())

	require.NoError(t, db.Users.Create("@alice:example.org", nil))
	exists, err := db.Users.Exists("@alice:example.org")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dataDir := t.TempDir()
	e, err := kv.Open(filepath.Join(dataDir, "matrixcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = Open(config.Default(), e)
	require.Error(t, err)
}
