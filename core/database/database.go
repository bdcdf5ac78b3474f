// Package database ties tables, their indexes and a shared buffer pool to a
// directory on disk, and persists the catalog that lets them be reopened.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/lstore/core/indexmanager"
	"github.com/sushant-115/lstore/core/query"
	merge_scheduler "github.com/sushant-115/lstore/core/storage_engine/merge_scheduler"
	"github.com/sushant-115/lstore/core/table"
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	"github.com/sushant-115/lstore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/lstore/internal/telemetry"
	"github.com/sushant-115/lstore/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const DefaultBufferPoolSize = 256

var (
	ErrTableExists    = errors.New("table already exists")
	ErrTableNotFound  = errors.New("table not found")
	ErrInvalidName    = errors.New("invalid table name")
	ErrDatabaseClosed = errors.New("database is closed")
)

// Options configures Open. Zero values select defaults.
type Options struct {
	BufferPoolSize int
	PageCapacity   int
	Logger         *zap.Logger
	Telemetry      *telemetry.Telemetry
	// MergeInterval enables the background merge scheduler when positive.
	MergeInterval  time.Duration
	MergeThreshold int
}

// Table is a table together with its index and a query front end. Writes go
// through Query, which keeps the index in step; the handle itself only reads.
type Table struct {
	Index *indexmanager.Index
	Query *query.Query

	store *table.Table
}

func (t *Table) Name() string            { return t.store.Name() }
func (t *Table) NumColumns() int         { return t.store.NumColumns() }
func (t *Table) KeyColumn() int          { return t.store.KeyColumn() }
func (t *Table) PendingTailRecords() int { return t.store.PendingTailRecords() }
func (t *Table) BaseRIDs() []table.RID   { return t.store.BaseRIDs() }

// GetRecord reads a record by RID at a relative version.
func (t *Table) GetRecord(rid table.RID, version int) (*table.Record, error) {
	return t.store.GetRecord(rid, version)
}

// Merge folds pending tail records into base pages. Column values do not
// change, so the index is left as is.
func (t *Table) Merge(ctx context.Context) (int, error) {
	return t.store.Merge(ctx)
}

// Database owns the buffer pool shared by all of its tables.
type Database struct {
	mu     sync.RWMutex
	path   string
	opts   Options
	closed bool

	logger    *zap.Logger
	metrics   *internaltelemetry.StorageMetrics
	tracer    trace.Tracer
	dm        *flushmanager.DiskManager
	pool      *memtable.BufferPoolManager
	tables    map[string]*Table
	scheduler *merge_scheduler.MergeScheduler
}

// Open opens or creates the database rooted at path. An unreadable catalog
// is fatal and fails with ErrCatalogCorrupt.
func Open(path string, opts Options) (*Database, error) {
	if opts.BufferPoolSize <= 0 {
		opts.BufferPoolSize = DefaultBufferPoolSize
	}
	if opts.PageCapacity <= 0 {
		opts.PageCapacity = pagemanager.DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	db := &Database{
		path:   path,
		opts:   opts,
		logger: opts.Logger.Named("database"),
		tracer: nooptrace.NewTracerProvider().Tracer(""),
		tables: make(map[string]*Table),
	}
	if opts.Telemetry != nil {
		metrics, err := internaltelemetry.NewStorageMetrics(opts.Telemetry.Meter)
		if err != nil {
			return nil, fmt.Errorf("creating storage metrics: %w", err)
		}
		db.metrics = metrics
		db.tracer = opts.Telemetry.Tracer
	} else {
		db.metrics = internaltelemetry.NoopStorageMetrics()
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %v", flushmanager.ErrIO, err)
	}
	cat, err := readCatalog(path)
	if err != nil {
		db.logger.Error("failed to read catalog", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	if db.dm, err = flushmanager.NewDiskManager(path, opts.Logger); err != nil {
		return nil, err
	}
	if db.pool, err = memtable.NewBufferPoolManager(opts.BufferPoolSize, db.dm, opts.Logger, db.metrics); err != nil {
		return nil, err
	}

	for _, entry := range cat.Tables {
		entry.registerPages(db.dm)
		tbl, err := table.Restore(entry.state(), db.pool, opts.Logger, db.tableOptions()...)
		if err != nil {
			return nil, fmt.Errorf("%w: restoring table %s: %v", flushmanager.ErrCatalogCorrupt, entry.Name, err)
		}
		t, err := db.attach(tbl, entry.IndexedColumns)
		if err != nil {
			return nil, fmt.Errorf("%w: indexing table %s: %v", flushmanager.ErrCatalogCorrupt, entry.Name, err)
		}
		// Filled on first lookup.
		t.Index.MarkStale()
		db.tables[entry.Name] = t
	}

	db.scheduler, err = merge_scheduler.NewMergeScheduler(merge_scheduler.MergePolicy{
		Interval:            opts.MergeInterval,
		TailRecordThreshold: opts.MergeThreshold,
	}, db.mergeTargets, opts.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.scheduler.Start(); err != nil {
		return nil, err
	}

	db.logger.Info("database opened", zap.String("path", path), zap.Int("tables", len(db.tables)),
		zap.Int("buffer_pool_size", opts.BufferPoolSize))
	return db, nil
}

func (db *Database) tableOptions() []table.Option {
	return []table.Option{table.WithMetrics(db.metrics), table.WithTracer(db.tracer)}
}

func (db *Database) attach(tbl *table.Table, indexed []int) (*Table, error) {
	ix, err := indexmanager.New(tbl, db.opts.Logger, indexed,
		indexmanager.WithMetrics(db.metrics), indexmanager.WithTracer(db.tracer))
	if err != nil {
		return nil, err
	}
	return &Table{Index: ix, Query: query.New(tbl, ix), store: tbl}, nil
}

func (db *Database) mergeTargets() []merge_scheduler.Target {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]merge_scheduler.Target, 0, len(db.tables))
	for _, name := range db.tableNamesInternal() {
		out = append(out, db.tables[name])
	}
	return out
}

func validateTableName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, catalogFileName):
		return fmt.Errorf("%w: %q collides with the catalog file", ErrInvalidName, name)
	}
	return nil
}

// CreateTable creates an empty table with numColumns columns keyed on
// keyColumn.
func (db *Database) CreateTable(name string, numColumns, keyColumn int) (*Table, error) {
	if err := validateTableName(name); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	if _, ok := db.tables[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}
	tbl, err := table.New(table.Config{
		Name:         name,
		NumColumns:   numColumns,
		KeyColumn:    keyColumn,
		PageCapacity: db.opts.PageCapacity,
	}, db.pool, db.opts.Logger, db.tableOptions()...)
	if err != nil {
		return nil, err
	}
	t, err := db.attach(tbl, nil)
	if err != nil {
		return nil, err
	}
	db.tables[name] = t
	return t, nil
}

// GetTable returns the open table called name.
func (db *Database) GetTable(name string) (*Table, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// DropTable removes a table, its cached pages and its files.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	if _, ok := db.tables[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if err := db.pool.DiscardTable(name); err != nil {
		return err
	}
	if err := db.dm.RemoveTable(name); err != nil {
		return err
	}
	delete(db.tables, name)
	db.logger.Info("table dropped", zap.String("table", name))
	return nil
}

// Tables lists table names in sorted order.
func (db *Database) Tables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.tableNamesInternal()
}

func (db *Database) tableNamesInternal() []string {
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (db *Database) Path() string                            { return db.path }
func (db *Database) BufferPool() *memtable.BufferPoolManager { return db.pool }

// Merge merges every table regardless of the scheduler's threshold.
func (db *Database) Merge(ctx context.Context) (int, error) {
	total := 0
	for _, target := range db.mergeTargets() {
		merged, err := target.Merge(ctx)
		total += merged
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Checkpoint flushes every dirty page and then rewrites the catalog, so the
// catalog never references data that is not on disk.
func (db *Database) Checkpoint() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return db.checkpointInternal()
}

func (db *Database) checkpointInternal() error {
	if err := db.pool.FlushAllPages(); err != nil {
		return fmt.Errorf("flushing pages: %w", err)
	}
	cat := &catalogFile{Tables: make([]tableEntry, 0, len(db.tables))}
	for _, name := range db.tableNamesInternal() {
		entry, err := newTableEntry(db.tables[name])
		if err != nil {
			return err
		}
		cat.Tables = append(cat.Tables, entry)
	}
	if err := writeCatalog(db.path, cat); err != nil {
		return err
	}
	db.logger.Debug("checkpoint written", zap.Int("tables", len(cat.Tables)))
	return nil
}

// Close stops background merges, flushes all pages and writes the catalog.
// The database cannot be used afterwards.
func (db *Database) Close() error {
	if err := db.scheduler.Stop(); err != nil {
		db.logger.Warn("failed to stop merge scheduler", zap.Error(err))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	if err := db.checkpointInternal(); err != nil {
		db.logger.Error("failed to write checkpoint on close", zap.Error(err))
		return err
	}
	db.closed = true
	db.logger.Info("database closed", zap.String("path", db.path))
	return nil
}
