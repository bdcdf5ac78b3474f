package flushmanager

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager maps page coordinates to files under a root directory and moves
// raw page bytes between memory and disk. It does no caching of page data;
// every ReadPage/WritePage touches the filesystem.
//
// The on-disk file holds only the slot buffer, so the manager remembers the
// record count it last wrote for each coordinate. Pages re-read after an
// eviction therefore resume at the right slot.
type DiskManager struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	known map[pagemanager.PageKey]int // coordinate -> numRecords at last write
}

func NewDiskManager(root string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory %s: %v", ErrIO, root, err)
	}
	return &DiskManager{
		root:   root,
		logger: logger.Named("disk_manager"),
		known:  make(map[pagemanager.PageKey]int),
	}, nil
}

func (dm *DiskManager) Root() string { return dm.root }

// PagePath returns <root>/<table>/<kind>/range_<r>/col_<c>.bin.
func (dm *DiskManager) PagePath(key pagemanager.PageKey) string {
	return filepath.Join(dm.root, key.Table, string(key.Kind),
		"range_"+strconv.Itoa(key.Range), "col_"+strconv.Itoa(key.Column)+".bin")
}

// WritePage persists the page's raw slot buffer. The bytes go to a temporary
// file that is renamed over the target, so readers never see a partial page.
func (dm *DiskManager) WritePage(key pagemanager.PageKey, page *pagemanager.Page) error {
	if page == nil {
		return fmt.Errorf("%w: nil page for %s", ErrInvalidPageData, key)
	}
	path := dm.PagePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ErrIO, key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, page.Bytes(), 0644); err != nil {
		return fmt.Errorf("%w: writing page %s: %v", ErrIO, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: installing page %s: %v", ErrIO, key, err)
	}

	dm.mu.Lock()
	dm.known[key] = page.NumRecords()
	dm.mu.Unlock()
	dm.logger.Debug("page written", zap.Stringer("page", key), zap.Int("num_records", page.NumRecords()))
	return nil
}

// ReadPage loads a page from disk. A missing file is reported as
// ErrPageNotFound, which callers treat as "absent" rather than fatal.
func (dm *DiskManager) ReadPage(key pagemanager.PageKey) (*pagemanager.Page, error) {
	raw, err := os.ReadFile(dm.PagePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPageNotFound, key)
		}
		return nil, fmt.Errorf("%w: reading page %s: %v", ErrIO, key, err)
	}

	dm.mu.Lock()
	numRecords := dm.known[key]
	dm.known[key] = numRecords
	dm.mu.Unlock()

	page, err := pagemanager.PageFromBytes(raw, numRecords)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPageData, key, err)
	}
	dm.logger.Debug("page read", zap.Stringer("page", key), zap.Int("num_records", numRecords))
	return page, nil
}

// Contains reports whether the coordinate has been seen or exists on disk.
func (dm *DiskManager) Contains(key pagemanager.PageKey) bool {
	dm.mu.Lock()
	_, ok := dm.known[key]
	dm.mu.Unlock()
	if ok {
		return true
	}
	_, err := os.Stat(dm.PagePath(key))
	return err == nil
}

// RegisterPage records the occupancy of a page persisted by an earlier
// process, as restored from the catalog.
func (dm *DiskManager) RegisterPage(key pagemanager.PageKey, numRecords int) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.known[key] = numRecords
}

// Occupancy returns the record count last written for the coordinate.
func (dm *DiskManager) Occupancy(key pagemanager.PageKey) (int, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	n, ok := dm.known[key]
	return n, ok
}

// RemoveTable deletes every page file of a table and forgets its coordinates.
func (dm *DiskManager) RemoveTable(table string) error {
	dm.mu.Lock()
	for key := range dm.known {
		if key.Table == table {
			delete(dm.known, key)
		}
	}
	dm.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(dm.root, table)); err != nil {
		return fmt.Errorf("%w: removing table %s: %v", ErrIO, table, err)
	}
	dm.logger.Info("table files removed", zap.String("table", table))
	return nil
}
