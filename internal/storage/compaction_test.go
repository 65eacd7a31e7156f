package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajjad-MoBe/kvs/internal/fsutil"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

func TestAutomaticCompaction(t *testing.T) {
	store, _, cleanup := setupTest(t)
	defer cleanup()

	padding := strings.Repeat("x", 1000)
	latest := make(map[string]string)
	var written int64

	for iter := 0; store.GetMetrics().CompactionCount == 0; iter++ {
		require.Less(t, iter, 500, "compaction never triggered")
		for i := 0; i < 10; i++ {
			key := fmt.Sprintf("key%d", i)
			value := fmt.Sprintf("%d-%s", iter, padding)
			require.NoError(t, store.Set(key, value))
			latest[key] = value
			written += wal.EncodedSize(wal.SetEntry(key, value))
		}
	}

	for key, want := range latest {
		value, ok, err := store.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, value)
	}

	size, err := fsutil.DirSize(store.Dir())
	require.NoError(t, err)
	assert.Less(t, size, written)
	assert.Greater(t, written, int64(DefaultCompactionThreshold))

	u, err := store.Uncompacted()
	require.NoError(t, err)
	assert.LessOrEqual(t, u, int64(DefaultCompactionThreshold))
}

func TestManualCompaction(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, Config{CompactionThreshold: 1 << 30})

	for i := 0; i < 50; i++ {
		require.NoError(t, store.Set(fmt.Sprintf("key%d", i%7), fmt.Sprintf("value%d", i)))
	}
	require.NoError(t, store.Remove("key3"))

	before := snapshot(t, store)
	sizeBefore, err := fsutil.DirSize(store.Dir())
	require.NoError(t, err)

	require.NoError(t, store.Compact())

	assert.Equal(t, before, snapshot(t, store))
	sizeAfter, err := fsutil.DirSize(store.Dir())
	require.NoError(t, err)
	assert.LessOrEqual(t, sizeAfter, sizeBefore)

	u, err := store.Uncompacted()
	require.NoError(t, err)
	assert.Equal(t, int64(0), u)

	ids, err := wal.ListSegments(store.Dir())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)

	for _, suffix := range []string{newDirSuffix, oldDirSuffix} {
		exists, err := fsutil.Exists(store.Dir() + suffix)
		require.NoError(t, err)
		assert.False(t, exists)
	}

	// writes after compaction go to a new segment and survive reopen
	require.NoError(t, store.Set("after", "compaction"))
	require.NoError(t, store.Close())

	store = openTestStore(t, dir, Config{})
	defer store.Close()
	before["after"] = "compaction"
	assert.Equal(t, before, snapshot(t, store))
}

func TestCompactionOfEmptyStore(t *testing.T) {
	store, _, cleanup := setupTest(t)
	defer cleanup()

	require.NoError(t, store.Set("a", "1"))
	require.NoError(t, store.Remove("a"))
	require.NoError(t, store.Compact())

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ids, err := wal.ListSegments(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int64(1), store.GetMetrics().CompactionCount)
}

func TestRepairInterruptedCompaction(t *testing.T) {
	t.Run("live directory missing", func(t *testing.T) {
		dir := t.TempDir()
		store := openTestStore(t, dir, Config{})
		require.NoError(t, store.Set("a", "1"))
		live := store.Dir()
		require.NoError(t, store.Close())

		// crash between moving the live directory aside and installing the new one
		require.NoError(t, os.Rename(live, live+oldDirSuffix))
		require.NoError(t, os.MkdirAll(live+newDirSuffix, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(live+newDirSuffix, "log-1"), []byte("partial"), 0644))

		store = openTestStore(t, dir, Config{})
		defer store.Close()

		value, ok, err := store.Get("a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", value)
		assertNoScratch(t, live)
	})

	t.Run("backup left behind", func(t *testing.T) {
		dir := t.TempDir()
		store := openTestStore(t, dir, Config{})
		require.NoError(t, store.Set("a", "2"))
		live := store.Dir()
		require.NoError(t, store.Close())

		require.NoError(t, os.MkdirAll(live+oldDirSuffix, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(live+oldDirSuffix, "log-1"), []byte("stale"), 0644))

		store = openTestStore(t, dir, Config{})
		defer store.Close()

		value, ok, err := store.Get("a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "2", value)
		assertNoScratch(t, live)
	})
}

func snapshot(t *testing.T, store *Store) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("key%d", i)
		value, ok, err := store.Get(key)
		require.NoError(t, err)
		if ok {
			out[key] = value
		}
	}
	if value, ok, err := store.Get("after"); err == nil && ok {
		out["after"] = value
	}
	return out
}

func assertNoScratch(t *testing.T, live string) {
	t.Helper()
	for _, path := range []string{live + newDirSuffix, live + oldDirSuffix} {
		exists, err := fsutil.Exists(path)
		require.NoError(t, err)
		assert.False(t, exists, path)
	}
}
