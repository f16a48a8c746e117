package imagecache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngBytes is a minimal payload carrying the PNG signature so content
// sniffing resolves it to .png.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR")

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	data  []byte
	err   error
}

func (f *countingFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *countingFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(dir string) Config {
	cfg := DefaultConfig(dir)
	cfg.RetryBackoff = time.Millisecond
	cfg.StartSpacing = 0
	return cfg
}

func TestCacheKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, CacheKey("https://example.com/icon.png"), CacheKey("https://example.com/icon.png"))
	})

	t.Run("distinct urls distinct keys", func(t *testing.T) {
		assert.NotEqual(t, CacheKey("https://example.com/a.png"), CacheKey("https://example.com/b.png"))
	})

	t.Run("hex sha256", func(t *testing.T) {
		key := CacheKey("anything")
		assert.Len(t, key, 64)
	})
}

func TestGetOrCache(t *testing.T) {
	t.Run("downloads then serves from disk", func(t *testing.T) {
		dir := t.TempDir()
		fetcher := &countingFetcher{data: pngBytes}
		m := NewManager(testConfig(dir), fetcher, nil, nil)

		path, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/icon", PriorityVisible)
		require.NoError(t, err)
		assert.Equal(t, ".png", filepath.Ext(path))
		assert.FileExists(t, path)

		again, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/icon", PriorityVisible)
		require.NoError(t, err)
		assert.Equal(t, path, again)
		assert.Equal(t, 1, fetcher.count(), "cache hit must not refetch")
	})

	t.Run("exists reflects cache state", func(t *testing.T) {
		dir := t.TempDir()
		m := NewManager(testConfig(dir), &countingFetcher{data: pngBytes}, nil, nil)

		assert.False(t, m.Exists("https://example.com/icon"))
		_, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/icon", PriorityVisible)
		require.NoError(t, err)
		assert.True(t, m.Exists("https://example.com/icon"))
	})

	t.Run("non-image payload fails permanently", func(t *testing.T) {
		dir := t.TempDir()
		fetcher := &countingFetcher{data: []byte("<html>not found</html>")}
		m := NewManager(testConfig(dir), fetcher, nil, nil)

		_, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/icon", PriorityVisible)
		require.Error(t, err)
		assert.False(t, IsTemporary(err))
		assert.Equal(t, 1, fetcher.count(), "content errors must not retry")
	})
}

func TestDownloadRetries(t *testing.T) {
	t.Run("temporary failure retried up to max", func(t *testing.T) {
		dir := t.TempDir()
		fetcher := &countingFetcher{err: &DownloadError{URL: "u", Status: 503, Temporary: true}}
		m := NewManager(testConfig(dir), fetcher, nil, nil)

		_, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/icon", PriorityVisible)
		require.Error(t, err)
		// Initial attempt plus MaxRetries retries.
		assert.Equal(t, m.cfg.MaxRetries+1, fetcher.count())
	})

	t.Run("permanent failure not retried", func(t *testing.T) {
		dir := t.TempDir()
		fetcher := &countingFetcher{err: &DownloadError{URL: "u", Status: 404, Temporary: false}}
		m := NewManager(testConfig(dir), fetcher, nil, nil)

		_, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/icon", PriorityVisible)
		require.Error(t, err)
		assert.Equal(t, 1, fetcher.count())
	})
}

func TestDedupConcurrent(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{data: pngBytes}
	m := NewManager(testConfig(dir), fetcher, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetOrCache(context.Background(), "app.a", "https://example.com/shared", PriorityVisible)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fetcher.count(), "concurrent callers must share one download")
}

func TestEvictUnindexed(t *testing.T) {
	dir := t.TempDir()

	// Seed one cached file and index it, plus one stray file.
	m1 := NewManager(testConfig(dir), &countingFetcher{data: pngBytes}, nil, nil)
	path, err := m1.GetOrCache(context.Background(), "app.a", "https://example.com/keep", PriorityVisible)
	require.NoError(t, err)

	stray := filepath.Join(dir, CacheKey("https://example.com/stray")+".png")
	require.NoError(t, os.WriteFile(stray, pngBytes, 0o644))

	// A fresh manager over the same directory evicts the unindexed file.
	m2 := NewManager(testConfig(dir), &countingFetcher{data: pngBytes}, nil, nil)
	require.NoError(t, m2.ensureInit(context.Background()))

	assert.FileExists(t, path)
	assert.NoFileExists(t, stray)
	assert.FileExists(t, filepath.Join(dir, indexFile))
}
