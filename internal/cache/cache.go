// Package cache provides caching for rendered images and API query results.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ImageCacheSizeMB int
	ImageTTL         time.Duration
	QueryCacheSize   int
}

// Manager manages image and query caches.
type Manager struct {
	imageCache *bigcache.BigCache
	queryCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ImageTTL <= 0 {
		cfg.ImageTTL = 10 * time.Minute
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}

	imageCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ImageTTL,
		CleanWindow:        cfg.ImageTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64 * 1024, // initial sizing only; overlays may be larger
		HardMaxCacheSize:   cfg.ImageCacheSizeMB,
		Verbose:            false,
	}

	imageCache, err := bigcache.New(context.Background(), imageCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		imageCache.Close()
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		imageCache: imageCache,
		queryCache: queryCache,
	}, nil
}

// GetImage retrieves an image from cache.
func (m *Manager) GetImage(key string) ([]byte, bool) {
	data, err := m.imageCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetImage stores an image in cache.
func (m *Manager) SetImage(key string, data []byte) error {
	return m.imageCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// OverlayKey generates a cache key for a slide overlay. Niche filters are
// order-independent.
func OverlayKey(runID, slideID string, niches []int, pointSize float64) string {
	base := fmt.Sprintf("overlay:%s/%s:ps=%.3f", runID, slideID, pointSize)
	if niches == nil {
		return base
	}
	if len(niches) == 0 {
		return base + ":none"
	}

	sorted := append([]int(nil), niches...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = fmt.Sprint(n)
	}
	h := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return base + ":" + hex.EncodeToString(h[:])[:16]
}

// HeatmapKey generates a cache key for a prototype heatmap.
func HeatmapKey(runID, cohort, colormap string) string {
	return fmt.Sprintf("heatmap:%s/%s:%s", runID, cohort, colormap)
}

// QueryKey generates a cache key for a JSON query result.
func QueryKey(kind, runID, cohort string) string {
	return fmt.Sprintf("query:%s:%s/%s", kind, runID, cohort)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"image_cache_len": m.imageCache.Len(),
		"image_cache_cap": m.imageCache.Capacity(),
		"query_cache_len": m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.imageCache.Close()
}
