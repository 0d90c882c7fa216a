// Package cache provides caching for tile-index results and coverage images.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/karlseguin/ccache/v3"

	"github.com/soma-tiles/tileindex/internal/metrics"
	"github.com/soma-tiles/tileindex/internal/viewstore"
	"github.com/soma-tiles/tileindex/pkg/viewport"
)

// Config contains cache configuration.
type Config struct {
	CoverageSizeMB int
	CoverageTTL    time.Duration
	IndexEntries   int
	ViewEntries    int
	ViewTTL        time.Duration
}

// Manager manages the index-result, coverage and view caches.
type Manager struct {
	coverageCache *bigcache.BigCache
	indexCache    *lru.Cache[string, []byte]
	viewCache     *ccache.Cache[*viewstore.View]
	viewTTL       time.Duration
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.CoverageTTL <= 0 {
		cfg.CoverageTTL = 10 * time.Minute
	}
	if cfg.IndexEntries <= 0 {
		cfg.IndexEntries = 1000
	}
	if cfg.ViewEntries <= 0 {
		cfg.ViewEntries = 1000
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = 5 * time.Minute
	}

	coverageConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.CoverageTTL,
		CleanWindow:        cfg.CoverageTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       64 * 1024, // coverage PNGs are small and mostly flat
		HardMaxCacheSize:   cfg.CoverageSizeMB,
		Verbose:            false,
	}

	coverageCache, err := bigcache.New(context.Background(), coverageConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create coverage cache: %w", err)
	}

	indexCache, err := lru.New[string, []byte](cfg.IndexEntries)
	if err != nil {
		_ = coverageCache.Close()
		return nil, fmt.Errorf("failed to create index cache: %w", err)
	}

	itemsToPrune := uint32(cfg.ViewEntries / 10)
	if itemsToPrune == 0 {
		itemsToPrune = 1
	}
	viewCache := ccache.New(ccache.Configure[*viewstore.View]().MaxSize(int64(cfg.ViewEntries)).ItemsToPrune(itemsToPrune))

	return &Manager{
		coverageCache: coverageCache,
		indexCache:    indexCache,
		viewCache:     viewCache,
		viewTTL:       cfg.ViewTTL,
	}, nil
}

// GetCoverage retrieves a coverage image from cache.
func (m *Manager) GetCoverage(key string) ([]byte, bool) {
	data, err := m.coverageCache.Get(key)
	if err != nil {
		metrics.CacheMisses.WithLabelValues("coverage").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("coverage").Inc()
	return data, true
}

// SetCoverage stores a coverage image in cache.
func (m *Manager) SetCoverage(key string, data []byte) error {
	return m.coverageCache.Set(key, data)
}

// GetIndex retrieves an encoded tile-index result from cache.
func (m *Manager) GetIndex(key string) ([]byte, bool) {
	data, ok := m.indexCache.Get(key)
	if ok {
		metrics.CacheHits.WithLabelValues("index").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("index").Inc()
	}
	return data, ok
}

// SetIndex stores an encoded tile-index result in cache.
func (m *Manager) SetIndex(key string, data []byte) {
	m.indexCache.Add(key, data)
}

// GetView retrieves a stored view from cache.
func (m *Manager) GetView(key string) (*viewstore.View, bool) {
	item := m.viewCache.Get(key)
	if item != nil && !item.Expired() {
		metrics.CacheHits.WithLabelValues("view").Inc()
		return item.Value(), true
	}
	metrics.CacheMisses.WithLabelValues("view").Inc()
	return nil, false
}

// SetView stores a view in cache.
func (m *Manager) SetView(key string, v *viewstore.View) {
	m.viewCache.Set(key, v, m.viewTTL)
}

// DeleteView drops a cached view after it changed in the store.
func (m *Manager) DeleteView(key string) {
	m.viewCache.Delete(key)
}

// Purge drops every cached entry.
func (m *Manager) Purge() error {
	m.indexCache.Purge()
	m.viewCache.Clear()
	return m.coverageCache.Reset()
}

// IndexKey generates a cache key for the tiles of a camera on a dataset.
// Every camera field takes part, since Unproject depends on all of them.
func IndexKey(datasetID string, cam viewport.Camera) string {
	return fmt.Sprintf("idx:%s:%s", datasetID, cameraKey(cam))
}

// CoverageKey generates a cache key for a coverage image.
func CoverageKey(datasetID string, cam viewport.Camera, colormap string, size int) string {
	return fmt.Sprintf("cov:%s:%s:%s:%d", datasetID, cameraKey(cam), colormap, size)
}

// ViewKey generates a cache key for a named view.
func ViewKey(datasetID, name string) string {
	return fmt.Sprintf("view:%s:%s", datasetID, name)
}

func cameraKey(cam viewport.Camera) string {
	return fmt.Sprintf("%g/%gx%g/%g/%g,%g/%g,%g",
		cam.Zoom, cam.Width, cam.Height, cam.Bearing,
		cam.Longitude, cam.Latitude, cam.TargetX, cam.TargetY)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.coverageCache.Stats()
	return map[string]interface{}{
		"coverage_cache_len":    m.coverageCache.Len(),
		"coverage_cache_cap":    m.coverageCache.Capacity(),
		"coverage_cache_hits":   stats.Hits,
		"coverage_cache_misses": stats.Misses,
		"index_cache_len":       m.indexCache.Len(),
		"view_cache_len":        m.viewCache.ItemCount(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.viewCache.Stop()
	return m.coverageCache.Close()
}
