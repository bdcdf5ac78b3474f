package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func setupBufferPool(t *testing.T, poolSize int) (*BufferPoolManager, *flushmanager.DiskManager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dm, err := flushmanager.NewDiskManager(t.TempDir(), logger)
	require.NoError(t, err)
	bpm, err := NewBufferPoolManager(poolSize, dm, logger, nil)
	require.NoError(t, err)
	return bpm, dm
}

func rangeKey(r int) pagemanager.PageKey {
	return pagemanager.PageKey{Table: "t", Kind: pagemanager.BasePage, Range: r, Column: 0}
}

func pageWith(t *testing.T, values ...int64) *pagemanager.Page {
	t.Helper()
	p := pagemanager.NewPage(8)
	for _, v := range values {
		_, err := p.Write(v)
		require.NoError(t, err)
	}
	return p
}

// --- Test Cases ---

func TestNewBufferPoolManager_Validation(t *testing.T) {
	_, err := NewBufferPoolManager(4, nil, nil, nil)
	require.Error(t, err)

	dm, err := flushmanager.NewDiskManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = NewBufferPoolManager(0, dm, nil, nil)
	require.Error(t, err)
}

// TestBufferPool_EvictsExactlyOneLRUPage fills a pool of capacity C with C+1
// distinct coordinates and checks that the single victim is the least recently
// touched one and that its data survives on disk.
func TestBufferPool_EvictsExactlyOneLRUPage(t *testing.T) {
	const capacity = 3
	bpm, dm := setupBufferPool(t, capacity)

	for r := 0; r <= capacity; r++ {
		require.NoError(t, bpm.PutPage(rangeKey(r), pageWith(t, int64(100+r))))
	}

	stats := bpm.Stats()
	require.EqualValues(t, 1, stats.Evictions)
	require.Equal(t, capacity, stats.Cached)
	require.False(t, bpm.Contains(rangeKey(0)), "range 0 was least recently used")
	require.True(t, dm.Contains(rangeKey(0)), "dirty victim is written before eviction")

	page, err := bpm.GetPage(rangeKey(0))
	require.NoError(t, err)
	v, err := page.Read(0)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)
	require.Equal(t, 1, page.NumRecords(), "occupancy survives the round trip")
}

func TestBufferPool_GetMarksMostRecentlyUsed(t *testing.T) {
	bpm, _ := setupBufferPool(t, 3)
	for r := 0; r < 3; r++ {
		require.NoError(t, bpm.PutPage(rangeKey(r), pageWith(t, int64(r))))
	}

	_, err := bpm.GetPage(rangeKey(0))
	require.NoError(t, err)
	require.NoError(t, bpm.PutPage(rangeKey(3), pageWith(t, 3)))

	require.True(t, bpm.Contains(rangeKey(0)))
	require.False(t, bpm.Contains(rangeKey(1)))
	require.Equal(t, []pagemanager.PageKey{rangeKey(2), rangeKey(0), rangeKey(3)}, bpm.CachedKeys())
}

func TestBufferPool_SkipsPinnedVictim(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	require.NoError(t, bpm.PutPage(rangeKey(0), pageWith(t, 0)))
	require.NoError(t, bpm.PutPage(rangeKey(1), pageWith(t, 1)))

	_, err := bpm.FetchPage(rangeKey(0))
	require.NoError(t, err)
	_, err = bpm.GetPage(rangeKey(1)) // range 0 is now LRU but pinned
	require.NoError(t, err)

	require.NoError(t, bpm.PutPage(rangeKey(2), pageWith(t, 2)))
	require.True(t, bpm.Contains(rangeKey(0)), "pinned page must never be evicted")
	require.False(t, bpm.Contains(rangeKey(1)))

	require.NoError(t, bpm.UnpinPage(rangeKey(0), false))
}

func TestBufferPool_FullWhenEverythingPinned(t *testing.T) {
	bpm, _ := setupBufferPool(t, 1)
	require.NoError(t, bpm.PutPage(rangeKey(0), pageWith(t, 0)))
	_, err := bpm.FetchPage(rangeKey(0))
	require.NoError(t, err)

	err = bpm.PutPage(rangeKey(1), pageWith(t, 1))
	require.ErrorIs(t, err, flushmanager.ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(rangeKey(0), false))
	require.NoError(t, bpm.PutPage(rangeKey(1), pageWith(t, 1)))
}

func TestBufferPool_ExplicitEvictRefusesPinnedPage(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	require.NoError(t, bpm.PutPage(rangeKey(0), pageWith(t, 5)))
	_, err := bpm.FetchPage(rangeKey(0))
	require.NoError(t, err)

	err = bpm.EvictPage(rangeKey(0))
	require.ErrorIs(t, err, flushmanager.ErrPagePinned)
	require.True(t, bpm.Contains(rangeKey(0)))

	require.NoError(t, bpm.UnpinPage(rangeKey(0), true))
	require.NoError(t, bpm.EvictPage(rangeKey(0)))
	require.False(t, bpm.Contains(rangeKey(0)))

	require.ErrorIs(t, bpm.EvictPage(rangeKey(0)), flushmanager.ErrPageNotFound)
}

func TestBufferPool_UnpinWithoutPin(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	require.NoError(t, bpm.PutPage(rangeKey(0), pageWith(t)))
	require.Error(t, bpm.UnpinPage(rangeKey(0), false))
	require.ErrorIs(t, bpm.UnpinPage(rangeKey(7), false), flushmanager.ErrPageNotFound)
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	bpm, dm := setupBufferPool(t, 4)
	for r := 0; r < 3; r++ {
		require.NoError(t, bpm.PutPage(rangeKey(r), pageWith(t, int64(r*10))))
		require.True(t, bpm.IsDirty(rangeKey(r)))
	}

	require.NoError(t, bpm.FlushAllPages())
	stats := bpm.Stats()
	require.Zero(t, stats.Dirty)
	require.EqualValues(t, 3, stats.Flushes)

	for r := 0; r < 3; r++ {
		require.False(t, bpm.IsDirty(rangeKey(r)))
		loaded, err := dm.ReadPage(rangeKey(r))
		require.NoError(t, err)
		v, err := loaded.Read(0)
		require.NoError(t, err)
		require.Equal(t, int64(r*10), v)
	}

	// Clean pages are not rewritten.
	require.NoError(t, bpm.FlushAllPages())
	require.EqualValues(t, 3, bpm.Stats().Flushes)
}

func TestBufferPool_DirtyViaUnpin(t *testing.T) {
	bpm, dm := setupBufferPool(t, 2)
	require.NoError(t, bpm.PutPage(rangeKey(0), pageWith(t, 1)))
	require.NoError(t, bpm.FlushPage(rangeKey(0)))
	require.False(t, bpm.IsDirty(rangeKey(0)))

	page, err := bpm.FetchPage(rangeKey(0))
	require.NoError(t, err)
	require.NoError(t, page.Update(0, 2))
	require.NoError(t, bpm.UnpinPage(rangeKey(0), true))
	require.True(t, bpm.IsDirty(rangeKey(0)))

	require.NoError(t, bpm.FlushPage(rangeKey(0)))
	loaded, err := dm.ReadPage(rangeKey(0))
	require.NoError(t, err)
	v, err := loaded.Read(0)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestBufferPool_MissOnUnknownPage(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	_, err := bpm.GetPage(rangeKey(42))
	require.ErrorIs(t, err, flushmanager.ErrPageNotFound)
	require.EqualValues(t, 1, bpm.Stats().Misses)
}

func TestBufferPool_PutPageRefusesReplacingPinnedCopy(t *testing.T) {
	bpm, _ := setupBufferPool(t, 2)
	original := pageWith(t, 1)
	require.NoError(t, bpm.PutPage(rangeKey(0), original))
	_, err := bpm.FetchPage(rangeKey(0))
	require.NoError(t, err)

	require.ErrorIs(t, bpm.PutPage(rangeKey(0), pageWith(t, 2)), flushmanager.ErrPagePinned)
	require.NoError(t, bpm.PutPage(rangeKey(0), original), "re-putting the same page is allowed")
	require.NoError(t, bpm.UnpinPage(rangeKey(0), false))
}

func TestBufferPool_DiscardTable(t *testing.T) {
	bpm, dm := setupBufferPool(t, 4)
	other := pagemanager.PageKey{Table: "other", Kind: pagemanager.BasePage, Column: 0}
	require.NoError(t, bpm.PutPage(rangeKey(0), pageWith(t, 1)))
	require.NoError(t, bpm.PutPage(other, pageWith(t, 2)))

	require.NoError(t, bpm.DiscardTable("t"))
	require.False(t, bpm.Contains(rangeKey(0)))
	require.False(t, dm.Contains(rangeKey(0)), "discarded pages are not written back")
	require.True(t, bpm.Contains(other))
}
