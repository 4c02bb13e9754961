// Package cache provides caching for decoded chunks and selection results.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/seal-mosaic/server/internal/selection"
)

// Config contains cache configuration.
type Config struct {
	ChunkEntries int
	ResultSizeMB int
	ResultTTL    time.Duration
}

// Manager manages the chunk and result caches.
type Manager struct {
	chunkCache  *lru.Cache[string, []byte]
	resultCache *bigcache.BigCache
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.ChunkEntries <= 0 {
		cfg.ChunkEntries = 4096
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}

	// Result records are small JSON documents.
	resultCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ResultTTL,
		CleanWindow:        cfg.ResultTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       4 * 1024,
		HardMaxCacheSize:   cfg.ResultSizeMB,
		Verbose:            false,
	}
	resultCache, err := bigcache.New(context.Background(), resultCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	chunkCache, err := lru.New[string, []byte](cfg.ChunkEntries)
	if err != nil {
		resultCache.Close()
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}

	return &Manager{
		chunkCache:  chunkCache,
		resultCache: resultCache,
	}, nil
}

// Chunks returns the decoded-chunk cache in the form array readers take.
func (m *Manager) Chunks() *ChunkLRU {
	return &ChunkLRU{c: m.chunkCache}
}

// ChunkLRU adapts the chunk LRU to the zarr chunk cache interface.
type ChunkLRU struct {
	c *lru.Cache[string, []byte]
}

func (l *ChunkLRU) Get(key string) ([]byte, bool) { return l.c.Get(key) }
func (l *ChunkLRU) Add(key string, data []byte)   { l.c.Add(key, data) }
func (l *ChunkLRU) Remove(key string)             { l.c.Remove(key) }

// GetResult retrieves a selection result record.
func (m *Manager) GetResult(key selection.Key) (selection.Result, bool) {
	data, err := m.resultCache.Get(key.String())
	if err != nil {
		return selection.Result{}, false
	}
	r, err := selection.DecodeResult(data)
	if err != nil {
		return selection.Result{}, false
	}
	return r, true
}

// SetResult stores a selection result record under its own key.
func (m *Manager) SetResult(r selection.Result) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	return m.resultCache.Set(r.Key.String(), data)
}

// DeleteResult drops a record, for example after its output was removed.
func (m *Manager) DeleteResult(key selection.Key) {
	_ = m.resultCache.Delete(key.String())
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"chunk_cache_len":  m.chunkCache.Len(),
		"result_cache_len": m.resultCache.Len(),
		"result_cache_cap": m.resultCache.Capacity(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	m.chunkCache.Purge()
	return m.resultCache.Close()
}
