package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCatalogWatcher_ReloadsOnChange(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	var mu sync.Mutex
	var got []*Catalog
	w := NewCatalogWatcher(path, func(c *Catalog) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, WithWatchDebounce(20*time.Millisecond))
	require.NoError(t, w.Start())
	defer w.Stop()

	updated := sampleCatalog + "  - id: space\n    payload: https://cdn.example.com/envs/space.zip\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Len(t, got[0].External, 3)
	mu.Unlock()

	require.NoError(t, w.Stop())
}

func TestCatalogWatcher_IgnoresInvalidAndUnchanged(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	var mu sync.Mutex
	calls := 0
	w := NewCatalogWatcher(path, func(*Catalog) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, WithWatchDebounce(20*time.Millisecond))
	require.NoError(t, w.Start())

	// Same bytes rewritten
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))
	// Sibling file in the watched directory
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)

	// Broken catalog
	require.NoError(t, os.WriteFile(path, []byte("external:\n  - id: a\n"), 0o644))
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestCatalogWatcher_NilLogger(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	var mu sync.Mutex
	var last *Catalog
	w := NewCatalogWatcher(path, func(c *Catalog) {
		mu.Lock()
		last = c
		mu.Unlock()
	}, WithWatchDebounce(20*time.Millisecond), WithWatchLogger(nil))
	require.NotNil(t, w.logger)
	require.NoError(t, w.Start())

	// Both paths log: a rejected catalog, then a good one
	require.NoError(t, os.WriteFile(path, []byte("external:\n  - id: a\n"), 0o644))
	time.Sleep(150 * time.Millisecond)
	updated := sampleCatalog + "  - id: space\n    payload: https://cdn.example.com/envs/space.zip\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last != nil && len(last.External) == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, w.Stop())
}
