package flushmanager

import (
	"errors"

	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	// ErrPageFull is re-exported so callers only need one error package.
	ErrPageFull = pagemanager.ErrPageFull

	ErrPageNotFound        = errors.New("page not found")
	ErrBufferPoolFull      = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned          = errors.New("page is pinned and cannot be evicted")
	ErrInvalidPageData     = errors.New("invalid page data")
	ErrIO                  = errors.New("i/o error")
	ErrRecordNotFound      = errors.New("record not found")
	ErrNotBaseRecord       = errors.New("rid does not address a base record")
	ErrColumnCountMismatch = errors.New("column count mismatch")
	ErrInvalidColumn       = errors.New("column index out of range")
	ErrVersionChainCycle   = errors.New("version chain revisits a rid, page directory is inconsistent")
	ErrCorruptChain        = errors.New("version chain points at a non-tail record")
	ErrTooManyColumns      = errors.New("too many columns for the schema encoding bitmap")
	ErrCatalogCorrupt      = errors.New("catalog file is corrupt")
)
