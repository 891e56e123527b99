package download

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/vrenv/internal/model"
)

func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := model.Download{
		ID: "download-1", URI: "https://cdn.example.com/a.zip", Title: "A",
		OutputPath: "/data/downloads/a.zip", Status: model.DownloadStatusRunning,
		Progress: 0.25, BytesDone: 25, BytesTotal: 100, CreatedAt: now,
	}
	second := model.Download{
		ID: "download-2", URI: "https://cdn.example.com/b.zip",
		OutputPath: "/data/downloads/b.zip", Status: model.DownloadStatusPending,
		BytesTotal: -1, CreatedAt: now.Add(time.Second),
	}
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, first))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "download-1", records[0].ID)
	assert.Equal(t, model.DownloadStatusRunning, records[0].Status)
	assert.Equal(t, int64(25), records[0].BytesDone)
	assert.True(t, records[0].CreatedAt.Equal(now))
	assert.True(t, records[1].FinishedAt.IsZero())

	// Upsert
	first.Status = model.DownloadStatusSuccessful
	first.Progress = 1
	first.FinishedAt = now.Add(2 * time.Second)
	require.NoError(t, store.Save(ctx, first))

	records, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.DownloadStatusSuccessful, records[0].Status)
	assert.True(t, records[0].FinishedAt.Equal(first.FinishedAt))

	require.NoError(t, store.Delete(ctx, "download-1"))
	require.NoError(t, store.Delete(ctx, "download-unknown"))
	records, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "download-2", records[0].ID)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	storeContract(t, store)
}

func TestSQLiteStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), model.Download{
		ID: "download-1", URI: "https://cdn.example.com/a.zip", OutputPath: "/a.zip",
		Status: model.DownloadStatusPaused, BytesTotal: -1, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.DownloadStatusPaused, records[0].Status)
}
