package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droughtwatch/droughtwatch/internal/storage"
)

func TestWatcherIngestsExistingFilesAtStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part-00000"), []byte("tile-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644))

	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))

	batches := make(chan int, 4)
	w := NewWatcher(dir, store, "droughtwatch", "tiles/", 10*time.Millisecond, func(count int) {
		batches <- count
	})

	go func() { _ = w.Run(ctx) }()

	select {
	case count := <-batches:
		assert.Equal(t, 1, count)
	case <-time.After(5 * time.Second):
		t.Fatal("startup ingestion never fired")
	}

	data, err := store.Get(ctx, "droughtwatch", "tiles/part-00000")
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-bytes"), data)

	// Ingested file is removed from the drop dir; hidden files stay.
	_, err = os.Stat(filepath.Join(dir, "part-00000"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, ".hidden"))
	assert.NoError(t, err)
}

func TestWatcherIngestsDroppedFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))

	batches := make(chan int, 4)
	w := NewWatcher(dir, store, "droughtwatch", "tiles/", 10*time.Millisecond, func(count int) {
		batches <- count
	})
	go func() { _ = w.Run(ctx) }()

	// Let the watcher come up before dropping files.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part-00001"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "part-00002"), []byte("b"), 0o644))

	select {
	case count := <-batches:
		assert.GreaterOrEqual(t, count, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("drop ingestion never fired")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err1 := store.Stat(ctx, "droughtwatch", "tiles/part-00001"); err1 == nil {
			if _, err2 := store.Stat(ctx, "droughtwatch", "tiles/part-00002"); err2 == nil {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dropped files never reached the bucket")
}
