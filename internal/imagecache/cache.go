// Package imagecache deduplicates and rate-limits fetching of remote images
// into a local on-disk cache keyed by the SHA-256 of the source URL.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/orchardstore/orchard/internal/logging"
	"github.com/orchardstore/orchard/internal/monitoring"
)

// Extensions a cached image may carry. Lookups try each in order; the
// actual extension is chosen from the downloaded bytes, not by the caller.
var cacheExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg"}

const indexFile = "index.json"

// Config controls queue and retry behavior.
type Config struct {
	Dir           string
	MaxConcurrent int
	MaxRetries    int
	RetryBackoff  time.Duration
	StartSpacing  time.Duration
}

// DefaultConfig matches the production queue discipline.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		MaxConcurrent: 6,
		MaxRetries:    2,
		RetryBackoff:  500 * time.Millisecond,
		StartSpacing:  150 * time.Millisecond,
	}
}

// Manager is the image cache.
type Manager struct {
	cfg     Config
	fetcher Fetcher
	logger  *logging.Logger
	metrics *monitoring.Metrics

	queue *downloadQueue

	initGroup singleflight.Group // one in-flight initialization
	initDone  bool
	initErr   error
	initMu    sync.Mutex

	inflight singleflight.Group // per-key download dedup

	indexMu sync.Mutex
	index   map[string]bool
}

// NewManager creates an image cache manager. fetcher may be nil, in which
// case the production HTTP fetcher is used.
func NewManager(cfg Config, fetcher Fetcher, metrics *monitoring.Metrics, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if fetcher == nil {
		fetcher = NewHTTPFetcher(30 * time.Second)
	}
	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		metrics: metrics,
		index:   make(map[string]bool),
	}
	m.queue = newDownloadQueue(cfg.MaxConcurrent, cfg.StartSpacing, m.download)
	if metrics != nil {
		m.queue.onDepth = func(depth int) { metrics.DownloadQueue.Set(float64(depth)) }
	}
	return m
}

// CacheKey returns the cache key for a URL: the SHA-256 hex digest of the
// URL string.
func CacheKey(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// GetOrCache returns the local path of the image for url, downloading it if
// it is not cached yet. priority 0 is served before priority 1 among
// waiting downloads. Concurrent calls for the same URL share one download.
func (m *Manager) GetOrCache(ctx context.Context, ownerID, rawURL string, priority int) (string, error) {
	if err := m.ensureInit(ctx); err != nil {
		return "", err
	}

	key := CacheKey(rawURL)
	if path, ok := m.lookup(key); ok {
		if m.metrics != nil {
			m.metrics.CacheHits.Inc()
		}
		return path, nil
	}
	if m.metrics != nil {
		m.metrics.CacheMisses.Inc()
	}

	v, err, _ := m.inflight.Do(key, func() (interface{}, error) {
		select {
		case res := <-m.queue.enqueue(ctx, ownerID, rawURL, key, priority):
			return res.path, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Exists reports whether the URL is already cached, without enqueueing.
func (m *Manager) Exists(rawURL string) bool {
	_, ok := m.lookup(CacheKey(rawURL))
	return ok
}

// ensureInit runs one-shot initialization: resolve the cache directory,
// load the index, and evict files the index does not reference. Concurrent
// callers share a single in-flight initialization.
func (m *Manager) ensureInit(ctx context.Context) error {
	m.initMu.Lock()
	if m.initDone {
		err := m.initErr
		m.initMu.Unlock()
		return err
	}
	m.initMu.Unlock()

	_, err, _ := m.initGroup.Do("init", func() (interface{}, error) {
		err := m.initialize(ctx)
		m.initMu.Lock()
		m.initDone = true
		m.initErr = err
		m.initMu.Unlock()
		return nil, err
	})
	return err
}

func (m *Manager) initialize(_ context.Context) error {
	if m.cfg.Dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolving cache directory: %w", err)
		}
		m.cfg.Dir = filepath.Join(cacheDir, "orchard", "images")
	}
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating image cache directory: %w", err)
	}

	m.loadIndex()
	m.evictUnindexed()
	return nil
}

func (m *Manager) loadIndex() {
	data, err := os.ReadFile(filepath.Join(m.cfg.Dir, indexFile))
	if err != nil {
		return
	}
	var keys []string
	if err := sonic.Unmarshal(data, &keys); err != nil {
		m.logger.Warn("Ignoring unreadable image cache index", zap.Error(err))
		return
	}
	m.indexMu.Lock()
	for _, k := range keys {
		m.index[k] = true
	}
	m.indexMu.Unlock()
}

// evictUnindexed removes cached files whose key is not in the index.
func (m *Manager) evictUnindexed() {
	conf := fastwalk.Config{Follow: false}
	evicted := 0
	err := fastwalk.Walk(&conf, m.cfg.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == indexFile {
			return nil
		}
		key := strings.TrimSuffix(name, filepath.Ext(name))
		m.indexMu.Lock()
		known := m.index[key]
		m.indexMu.Unlock()
		if !known {
			if rmErr := os.Remove(path); rmErr == nil {
				evicted++
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("Image cache eviction walk failed", zap.Error(err))
	}
	if evicted > 0 {
		m.logger.Info("Evicted stale cached images", zap.Int("count", evicted))
	}
}

func (m *Manager) lookup(key string) (string, bool) {
	for _, ext := range cacheExtensions {
		path := filepath.Join(m.cfg.Dir, key+ext)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// download runs in a queue worker slot: attempt the fetch, retrying
// temporary failures with exponential backoff up to MaxRetries additional
// attempts. Permanent failures stop immediately.
func (m *Manager) download(ctx context.Context, it *queueItem) (string, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		data, err := m.fetcher.Fetch(ctx, it.url)
		if err == nil {
			path, werr := m.write(it.key, data)
			if werr == nil {
				if m.metrics != nil {
					m.metrics.DownloadsTotal.WithLabelValues("success").Inc()
					m.metrics.DownloadDuration.Observe(time.Since(start).Seconds())
				}
				return path, nil
			}
			err = werr
		}
		lastErr = err

		if !IsTemporary(err) || attempt >= m.cfg.MaxRetries {
			break
		}
		backoff := m.cfg.RetryBackoff << uint(attempt)
		m.logger.Debug("Retrying image download",
			zap.String("url", it.url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if m.metrics != nil {
		m.metrics.DownloadsTotal.WithLabelValues("failure").Inc()
	}
	m.logger.Warn("Image download failed",
		zap.String("owner", it.ownerID),
		zap.String("url", it.url),
		zap.Error(lastErr))
	return "", lastErr
}

// write stores downloaded bytes under the key with an extension sniffed
// from the content. A payload that is not a recognized image (an HTML error
// page, say) is a permanent content error.
func (m *Manager) write(key string, data []byte) (string, error) {
	ext := extensionFor(data)
	if ext == "" {
		return "", &DownloadError{URL: key, Temporary: false, Err: fmt.Errorf("response is not an image")}
	}

	path := filepath.Join(m.cfg.Dir, key+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing cached image: %w", err)
	}

	m.indexMu.Lock()
	m.index[key] = true
	keys := make([]string, 0, len(m.index))
	for k := range m.index {
		keys = append(keys, k)
	}
	m.indexMu.Unlock()

	if data, err := sonic.Marshal(keys); err == nil {
		if err := os.WriteFile(filepath.Join(m.cfg.Dir, indexFile), data, 0o644); err != nil {
			m.logger.Warn("Failed to persist image cache index", zap.Error(err))
		}
	}

	return path, nil
}

func extensionFor(data []byte) string {
	mt := mimetype.Detect(data)
	for _, ext := range cacheExtensions {
		if mt.Is("image/svg+xml") && ext == ".svg" {
			return ext
		}
		if mt.Extension() == ext {
			return ext
		}
	}
	return ""
}
