package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		store, err := NewSQLiteStorage(SQLiteOptions{
			Path:         filepath.Join(t.TempDir(), "workflow.db"),
			MaxOpenConns: 4,
		}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})

	t.Run("ReopenKeepsData", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "workflow.db")
		store, err := NewSQLiteStorage(SQLiteOptions{Path: path}, nil)
		require.NoError(t, err)
		require.NoError(t, store.SaveDefinition(context.Background(), newDefinition("expense", "1")))
		require.NoError(t, store.Close())

		reopened, err := NewSQLiteStorage(SQLiteOptions{Path: path}, nil)
		require.NoError(t, err)
		defer reopened.Close()

		def, err := reopened.GetDefinition(context.Background(), "expense", "")
		require.NoError(t, err)
		require.Equal(t, "1", def.Version)
	})
}
