package memtable

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru" // For LRU
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/lstore/internal/telemetry"
	"go.uber.org/zap"
)

// BufferPoolManager caches column pages in memory and moves them to and from
// the DiskManager. Replacement is strict LRU over unpinned pages: a page that
// is borrowed by an in-flight operation is never chosen as a victim.
//
// The pool is shared by every table of a database; the mutex is the latch that
// guards the cache order and the dirty set.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	poolSize    int
	cache       *simplelru.LRU[pagemanager.PageKey, *pagemanager.Page]
	dirty       map[pagemanager.PageKey]struct{}
	mu          sync.Mutex
	logger      *zap.Logger
	metrics     *internaltelemetry.StorageMetrics
	stats       Stats
}

// Stats is a point-in-time view of buffer pool activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Cached    int
	Dirty     int
}

// NewBufferPoolManager creates a pool holding at most poolSize pages.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, fmt.Errorf("NewBufferPoolManager: diskManager cannot be nil")
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("NewBufferPoolManager: pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	cache, err := simplelru.NewLRU[pagemanager.PageKey, *pagemanager.Page](poolSize, nil)
	if err != nil {
		return nil, fmt.Errorf("NewBufferPoolManager: %w", err)
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		cache:       cache,
		dirty:       make(map[pagemanager.PageKey]struct{}),
		logger:      logger.Named("buffer_pool"),
		metrics:     metrics,
	}
	bpm.logger.Info("buffer pool initialized", zap.Int("pool_size", poolSize))
	return bpm, nil
}

func (bpm *BufferPoolManager) PoolSize() int                          { return bpm.poolSize }
func (bpm *BufferPoolManager) DiskManager() *flushmanager.DiskManager { return bpm.diskManager }

// GetPage returns the cached page for key, loading it from disk on a miss.
// A hit marks the page most recently used. The page is not pinned.
func (bpm *BufferPoolManager) GetPage(key pagemanager.PageKey) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.getPageInternal(key)
}

// FetchPage is GetPage plus a pin. The caller owns the pin and must release
// it with UnpinPage, normally via defer, before the page may be evicted.
func (bpm *BufferPoolManager) FetchPage(key pagemanager.PageKey) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	page, err := bpm.getPageInternal(key)
	if err != nil {
		return nil, err
	}
	page.Pin()
	return page, nil
}

// UnpinPage releases one pin on a cached page; isDirty marks it for write-back.
func (bpm *BufferPoolManager) UnpinPage(key pagemanager.PageKey, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	page, ok := bpm.cache.Peek(key)
	if !ok {
		return fmt.Errorf("%w: %s not cached, cannot unpin", flushmanager.ErrPageNotFound, key)
	}
	if !page.IsPinned() {
		bpm.logger.Warn("unpin of page with pin count 0", zap.Stringer("page", key))
		return fmt.Errorf("cannot unpin page %s with pin count 0", key)
	}
	page.Unpin()
	if isDirty {
		bpm.dirty[key] = struct{}{}
	}
	return nil
}

// PutPage installs page under key (replacing any cached copy), marks it most
// recently used and dirty. Replacing a pinned page with a different object is
// refused because it would drop the borrowed copy.
func (bpm *BufferPoolManager) PutPage(key pagemanager.PageKey, page *pagemanager.Page) error {
	if page == nil {
		return fmt.Errorf("%w: nil page for %s", flushmanager.ErrInvalidPageData, key)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if existing, ok := bpm.cache.Peek(key); ok {
		if existing != page && existing.IsPinned() {
			return fmt.Errorf("%w: cannot replace %s", flushmanager.ErrPagePinned, key)
		}
		bpm.cache.Add(key, page)
	} else if err := bpm.insertInternal(key, page); err != nil {
		return err
	}
	bpm.dirty[key] = struct{}{}
	return nil
}

// getPageInternal MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getPageInternal(key pagemanager.PageKey) (*pagemanager.Page, error) {
	if page, ok := bpm.cache.Get(key); ok {
		bpm.stats.Hits++
		bpm.metrics.PageHitsCounter.Add(context.Background(), 1)
		return page, nil
	}

	bpm.stats.Misses++
	bpm.metrics.PageMissesCounter.Add(context.Background(), 1)
	page, err := bpm.diskManager.ReadPage(key)
	if err != nil {
		return nil, err
	}
	if err := bpm.insertInternal(key, page); err != nil {
		return nil, err
	}
	bpm.logger.Debug("page loaded from disk", zap.Stringer("page", key))
	return page, nil
}

// insertInternal adds a page that is not yet cached, evicting the least
// recently used unpinned page when the pool is at capacity.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) insertInternal(key pagemanager.PageKey, page *pagemanager.Page) error {
	if bpm.cache.Len() >= bpm.poolSize {
		victim, ok := bpm.findVictimInternal()
		if !ok {
			bpm.logger.Error("buffer pool is full and every page is pinned", zap.Int("pool_size", bpm.poolSize))
			return flushmanager.ErrBufferPoolFull
		}
		if err := bpm.evictInternal(victim); err != nil {
			return err
		}
	}
	bpm.cache.Add(key, page)
	bpm.metrics.CachedPagesGauge.Add(context.Background(), 1)
	return nil
}

// findVictimInternal walks the LRU order from oldest to newest and returns the
// first page nobody has pinned.
func (bpm *BufferPoolManager) findVictimInternal() (pagemanager.PageKey, bool) {
	for _, key := range bpm.cache.Keys() {
		page, _ := bpm.cache.Peek(key)
		if !page.IsPinned() {
			return key, true
		}
	}
	return pagemanager.PageKey{}, false
}

// evictInternal writes a dirty page back and drops it from the cache.
// The caller has already checked that the page is not pinned.
func (bpm *BufferPoolManager) evictInternal(key pagemanager.PageKey) error {
	page, ok := bpm.cache.Peek(key)
	if !ok {
		return fmt.Errorf("%w: %s", flushmanager.ErrPageNotFound, key)
	}
	if page.IsPinned() {
		return fmt.Errorf("%w: %s has pin count %d", flushmanager.ErrPagePinned, key, page.GetPinCount())
	}
	if _, isDirty := bpm.dirty[key]; isDirty {
		if err := bpm.writeInternal(key, page); err != nil {
			return fmt.Errorf("failed to flush dirty victim %s: %w", key, err)
		}
	}
	bpm.cache.Remove(key)
	bpm.stats.Evictions++
	bpm.metrics.PageEvictionsCounter.Add(context.Background(), 1)
	bpm.metrics.CachedPagesGauge.Add(context.Background(), -1)
	bpm.logger.Debug("page evicted", zap.Stringer("page", key))
	return nil
}

func (bpm *BufferPoolManager) writeInternal(key pagemanager.PageKey, page *pagemanager.Page) error {
	if err := bpm.diskManager.WritePage(key, page); err != nil {
		return err
	}
	delete(bpm.dirty, key)
	bpm.stats.Flushes++
	bpm.metrics.PageFlushesCounter.Add(context.Background(), 1)
	return nil
}

// EvictPage forcibly evicts one page. Evicting a pinned page is a contract
// violation and fails with ErrPagePinned, leaving the page cached.
func (bpm *BufferPoolManager) EvictPage(key pagemanager.PageKey) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.evictInternal(key)
}

// FlushPage writes a single page to disk if it is dirty.
func (bpm *BufferPoolManager) FlushPage(key pagemanager.PageKey) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	page, ok := bpm.cache.Peek(key)
	if !ok {
		return fmt.Errorf("%w: %s not cached, cannot flush", flushmanager.ErrPageNotFound, key)
	}
	if _, isDirty := bpm.dirty[key]; !isDirty {
		return nil
	}
	return bpm.writeInternal(key, page)
}

// FlushAllPages writes every dirty page to disk and clears the dirty set.
// It keeps going after a failed write and returns the first error.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	flushed := 0
	for key := range bpm.dirty {
		page, ok := bpm.cache.Peek(key)
		if !ok {
			// Evictions write dirty pages first, so this entry is stale.
			delete(bpm.dirty, key)
			continue
		}
		if err := bpm.writeInternal(key, page); err != nil {
			bpm.logger.Error("failed to flush page", zap.Stringer("page", key), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed++
	}
	bpm.logger.Debug("flushed dirty pages", zap.Int("count", flushed))
	return firstErr
}

// DiscardTable drops every cached page of a table without writing it back.
func (bpm *BufferPoolManager) DiscardTable(table string) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, key := range bpm.cache.Keys() {
		if key.Table != table {
			continue
		}
		page, _ := bpm.cache.Peek(key)
		if page.IsPinned() {
			return fmt.Errorf("%w: %s", flushmanager.ErrPagePinned, key)
		}
		bpm.cache.Remove(key)
		delete(bpm.dirty, key)
		bpm.metrics.CachedPagesGauge.Add(context.Background(), -1)
	}
	return nil
}

func (bpm *BufferPoolManager) Contains(key pagemanager.PageKey) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.cache.Contains(key)
}

func (bpm *BufferPoolManager) IsDirty(key pagemanager.PageKey) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.dirty[key]
	return ok
}

// CachedKeys returns the cached coordinates from least to most recently used.
func (bpm *BufferPoolManager) CachedKeys() []pagemanager.PageKey {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.cache.Keys()
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := bpm.stats
	s.Cached = bpm.cache.Len()
	s.Dirty = len(bpm.dirty)
	return s
}
