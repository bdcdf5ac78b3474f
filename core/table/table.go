// Package table implements the log-structured columnar table: RID allocation,
// the page directory, base/tail page ranges, the update version chain and
// merge. All page access goes through a shared buffer pool.
package table

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/lstore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/lstore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Kind is the page kind a record lives in.
type Kind = pagemanager.PageKind

const (
	Base = pagemanager.BasePage
	Tail = pagemanager.TailPage
)

// maxColumns is bounded by the width of the schema encoding bitmap.
const maxColumns = 63

// PagePool is the part of the buffer pool a table uses.
type PagePool interface {
	FetchPage(key pagemanager.PageKey) (*pagemanager.Page, error)
	UnpinPage(key pagemanager.PageKey, isDirty bool) error
	PutPage(key pagemanager.PageKey, page *pagemanager.Page) error
	FlushAllPages() error
}

// Config describes a table's schema and page geometry.
type Config struct {
	Name         string
	NumColumns   int
	KeyColumn    int
	PageCapacity int
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("table name must not be empty")
	}
	if c.NumColumns <= 0 {
		return fmt.Errorf("table %s: column count must be positive, got %d", c.Name, c.NumColumns)
	}
	if c.NumColumns > maxColumns {
		return fmt.Errorf("%w: table %s has %d columns, limit is %d", flushmanager.ErrTooManyColumns, c.Name, c.NumColumns, maxColumns)
	}
	if c.KeyColumn < 0 || c.KeyColumn >= c.NumColumns {
		return fmt.Errorf("%w: key column %d for table %s", flushmanager.ErrInvalidColumn, c.KeyColumn, c.Name)
	}
	return nil
}

// State is the persistent part of a table, written to the catalog on close.
type State struct {
	Config
	NextRID      RID
	CurBaseRange int
	CurTailRange int
	Directory    map[RID]Location
}

// Table is safe for concurrent use: writers are serialized and readers share
// the table latch. This is latching, not transactional isolation.
type Table struct {
	mu sync.RWMutex

	name         string
	numColumns   int
	keyColumn    int
	totalColumns int
	pageCapacity int

	nextRID      RID
	directory    map[RID]Location
	curBaseRange int
	curTailRange int
	tailRecords  int
	// sealed marks a current range whose column pages lost lockstep after a
	// partial row write. The next append of that kind opens a new range.
	sealed map[Kind]bool

	pool    PagePool
	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customizes a Table.
type Option func(*Table)

func WithMetrics(m *internaltelemetry.StorageMetrics) Option {
	return func(t *Table) {
		if m != nil {
			t.metrics = m
		}
	}
}

func WithTracer(tr trace.Tracer) Option {
	return func(t *Table) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

// WithClock replaces the timestamp source used for the metadata column.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

func newTable(cfg Config, pool PagePool, logger *zap.Logger, opts []Option) *Table {
	if cfg.PageCapacity <= 0 {
		cfg.PageCapacity = pagemanager.DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		name:         cfg.Name,
		numColumns:   cfg.NumColumns,
		keyColumn:    cfg.KeyColumn,
		totalColumns: MetadataColumns + cfg.NumColumns,
		pageCapacity: cfg.PageCapacity,
		nextRID:      1,
		directory:    make(map[RID]Location),
		curBaseRange: -1,
		curTailRange: -1,
		sealed:       make(map[Kind]bool),
		pool:         pool,
		logger:       logger.Named("table").With(zap.String("table", cfg.Name)),
		metrics:      internaltelemetry.NoopStorageMetrics(),
		tracer:       nooptrace.NewTracerProvider().Tracer(""),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// New creates an empty table and allocates its first base page range.
func New(cfg Config, pool PagePool, logger *zap.Logger, opts ...Option) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("table %s: page pool cannot be nil", cfg.Name)
	}
	t := newTable(cfg, pool, logger, opts)
	if err := t.newPageRange(Base); err != nil {
		return nil, err
	}
	t.logger.Info("table created", zap.Int("columns", t.numColumns), zap.Int("key_column", t.keyColumn))
	return t, nil
}

// Restore rebuilds a table from catalog state. Its pages are expected to be
// reachable through the pool (normally from disk).
func Restore(state State, pool PagePool, logger *zap.Logger, opts ...Option) (*Table, error) {
	if err := state.Config.validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("table %s: page pool cannot be nil", state.Name)
	}
	t := newTable(state.Config, pool, logger, opts)
	t.nextRID = state.NextRID
	if t.nextRID < 1 {
		t.nextRID = 1
	}
	t.curBaseRange = state.CurBaseRange
	t.curTailRange = state.CurTailRange

	for rid, loc := range state.Directory {
		if rid <= NoRID || rid >= t.nextRID {
			return nil, fmt.Errorf("table %s: rid %d outside allocated range [1, %d)", t.name, rid, t.nextRID)
		}
		last := t.curBaseRange
		if loc.Kind == Tail {
			last = t.curTailRange
		} else if loc.Kind != Base {
			return nil, fmt.Errorf("table %s: rid %d has unknown page kind %q", t.name, rid, loc.Kind)
		}
		if loc.Range < 0 || loc.Range > last {
			return nil, fmt.Errorf("table %s: rid %d in unallocated %s range %d", t.name, rid, loc.Kind, loc.Range)
		}
		if loc.Offset < 0 || loc.Offset%pagemanager.SlotSize != 0 || loc.Offset >= t.pageCapacity*pagemanager.SlotSize {
			return nil, fmt.Errorf("table %s: rid %d has invalid slot offset %d", t.name, rid, loc.Offset)
		}
		t.directory[rid] = loc
		if loc.Kind == Tail {
			t.tailRecords++
		}
	}

	if t.curBaseRange < 0 {
		if err := t.newPageRange(Base); err != nil {
			return nil, err
		}
	}
	repaired, err := t.repairDanglingHeads()
	if err != nil {
		return nil, fmt.Errorf("table %s: checking version chain heads: %w", t.name, err)
	}
	if repaired > 0 {
		t.logger.Warn("cleared version chain heads unknown to the directory", zap.Int("records", repaired))
	}
	t.metrics.TailRecordsUpDownCount.Add(context.Background(), int64(t.tailRecords), t.attrs())
	t.logger.Info("table restored",
		zap.Int("records", len(t.directory)),
		zap.Int64("next_rid", int64(t.nextRID)),
		zap.Int("base_ranges", t.curBaseRange+1),
		zap.Int("tail_ranges", t.curTailRange+1))
	return t, nil
}

// Snapshot exports the table state for the catalog.
func (t *Table) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dir := make(map[RID]Location, len(t.directory))
	for rid, loc := range t.directory {
		dir[rid] = loc
	}
	return State{
		Config:       t.config(),
		NextRID:      t.nextRID,
		CurBaseRange: t.curBaseRange,
		CurTailRange: t.curTailRange,
		Directory:    dir,
	}
}

// Occupancy returns numRecords for every column page, indexed [range][column],
// for base and tail ranges.
func (t *Table) Occupancy() (base [][]int, tail [][]int, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if base, err = t.occupancyInternal(Base, t.curBaseRange); err != nil {
		return nil, nil, err
	}
	if tail, err = t.occupancyInternal(Tail, t.curTailRange); err != nil {
		return nil, nil, err
	}
	return base, tail, nil
}

func (t *Table) occupancyInternal(kind Kind, lastRange int) ([][]int, error) {
	out := make([][]int, 0, lastRange+1)
	for r := 0; r <= lastRange; r++ {
		counts := make([]int, t.totalColumns)
		for col := 0; col < t.totalColumns; col++ {
			err := t.withPage(kind, r, col, false, func(p *pagemanager.Page) error {
				counts[col] = p.NumRecords()
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		out = append(out, counts)
	}
	return out, nil
}

func (t *Table) config() Config {
	return Config{Name: t.name, NumColumns: t.numColumns, KeyColumn: t.keyColumn, PageCapacity: t.pageCapacity}
}

func (t *Table) Name() string      { return t.name }
func (t *Table) NumColumns() int   { return t.numColumns }
func (t *Table) KeyColumn() int    { return t.keyColumn }
func (t *Table) TotalColumns() int { return t.totalColumns }
func (t *Table) PageCapacity() int { return t.pageCapacity }

// PendingTailRecords is the number of tail records not yet merged.
func (t *Table) PendingTailRecords() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tailRecords
}

// Lookup returns the directory entry for rid.
func (t *Table) Lookup(rid RID) (Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, ok := t.directory[rid]
	return loc, ok
}

// BaseRIDs lists the live base records in ascending RID order.
func (t *Table) BaseRIDs() []RID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rids := make([]RID, 0, len(t.directory))
	for rid, loc := range t.directory {
		if loc.Kind == Base {
			rids = append(rids, rid)
		}
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })
	return rids
}

// ColumnValue returns the latest value of one user column of a base record.
func (t *Table) ColumnValue(rid RID, column int) (int64, error) {
	if column < 0 || column >= t.numColumns {
		return 0, fmt.Errorf("%w: %d", flushmanager.ErrInvalidColumn, column)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, err := t.getRecordInternal(rid, 0)
	if err != nil {
		return 0, err
	}
	return rec.Columns[column], nil
}

// --- Page access helpers ---

func (t *Table) pageKey(kind Kind, rng, col int) pagemanager.PageKey {
	return pagemanager.PageKey{Table: t.name, Kind: kind, Range: rng, Column: col}
}

// withPage borrows a page from the pool for the duration of fn. The pin is
// always released, marking the page dirty when the caller modified it.
func (t *Table) withPage(kind Kind, rng, col int, dirty bool, fn func(*pagemanager.Page) error) error {
	key := t.pageKey(kind, rng, col)
	page, err := t.pool.FetchPage(key)
	if err != nil {
		return fmt.Errorf("fetching page %s: %w", key, err)
	}
	defer func() {
		if uerr := t.pool.UnpinPage(key, dirty); uerr != nil {
			t.logger.Warn("failed to unpin page", zap.Stringer("page", key), zap.Error(uerr))
		}
	}()
	return fn(page)
}

func (t *Table) readSlot(loc Location, col int) (int64, error) {
	var v int64
	err := t.withPage(loc.Kind, loc.Range, col, false, func(p *pagemanager.Page) error {
		var rerr error
		v, rerr = p.Read(loc.Offset)
		return rerr
	})
	return v, err
}

func (t *Table) updateSlot(loc Location, col int, value int64) error {
	return t.withPage(loc.Kind, loc.Range, col, true, func(p *pagemanager.Page) error {
		return p.Update(loc.Offset, value)
	})
}

// repairDanglingHeads resets base indirection pointers that name a RID the
// directory does not know. Such a RID was allocated after the directory was
// captured, so it is above NextRID and would be handed out again.
func (t *Table) repairDanglingHeads() (int, error) {
	repaired := 0
	for _, loc := range t.directory {
		if loc.Kind != Base {
			continue
		}
		head, err := t.readSlot(loc, IndirectionColumn)
		if err != nil {
			return repaired, err
		}
		if RID(head) == NoRID {
			continue
		}
		if _, ok := t.directory[RID(head)]; ok {
			continue
		}
		if err := t.updateSlot(loc, IndirectionColumn, int64(NoRID)); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// appendRow writes one value per physical column into the given range. Every
// column page of a range fills in lockstep, so all writes land on one offset.
// A row that is only partly written seals the range, since its column pages
// no longer agree on the next offset.
func (t *Table) appendRow(kind Kind, rng int, row []int64) (int, error) {
	offset := -1
	for col, value := range row {
		err := t.withPage(kind, rng, col, true, func(p *pagemanager.Page) error {
			off, werr := p.Write(value)
			if werr != nil {
				return werr
			}
			if offset >= 0 && off != offset {
				return fmt.Errorf("%w: %s range %d column %d wrote offset %d, expected %d",
					flushmanager.ErrInvalidPageData, kind, rng, col, off, offset)
			}
			offset = off
			return nil
		})
		if err != nil {
			if offset >= 0 {
				t.sealed[kind] = true
				t.logger.Warn("partial row write, sealing page range",
					zap.String("kind", string(kind)), zap.Int("range", rng), zap.Int("column", col), zap.Error(err))
			}
			return -1, err
		}
	}
	return offset, nil
}

func (t *Table) rangeHasCapacity(kind Kind, rng int) (bool, error) {
	if t.sealed[kind] {
		return false, nil
	}
	var ok bool
	err := t.withPage(kind, rng, IndirectionColumn, false, func(p *pagemanager.Page) error {
		ok = p.HasCapacity()
		return nil
	})
	return ok, err
}

// newPageRange allocates the next range of the given kind: one empty page per
// physical column, registered in the pool so the first access is a cache hit.
func (t *Table) newPageRange(kind Kind) error {
	next := t.curBaseRange + 1
	if kind == Tail {
		next = t.curTailRange + 1
	}
	for col := 0; col < t.totalColumns; col++ {
		if err := t.pool.PutPage(t.pageKey(kind, next, col), pagemanager.NewPage(t.pageCapacity)); err != nil {
			return fmt.Errorf("allocating %s range %d: %w", kind, next, err)
		}
	}
	if kind == Tail {
		t.curTailRange = next
	} else {
		t.curBaseRange = next
	}
	delete(t.sealed, kind)
	t.logger.Debug("page range allocated", zap.String("kind", string(kind)), zap.Int("range", next))
	return nil
}

func (t *Table) currentTailRange() (int, error) {
	if t.curTailRange < 0 {
		if err := t.newPageRange(Tail); err != nil {
			return -1, err
		}
		return t.curTailRange, nil
	}
	ok, err := t.rangeHasCapacity(Tail, t.curTailRange)
	if err != nil {
		return -1, err
	}
	if !ok {
		if err := t.newPageRange(Tail); err != nil {
			return -1, err
		}
	}
	return t.curTailRange, nil
}

func (t *Table) baseLocation(rid RID) (Location, error) {
	loc, ok := t.directory[rid]
	if !ok {
		return Location{}, fmt.Errorf("%w: rid %d in table %s", flushmanager.ErrRecordNotFound, rid, t.name)
	}
	if loc.Kind != Base {
		return Location{}, fmt.Errorf("%w: rid %d is a %s record", flushmanager.ErrNotBaseRecord, rid, loc.Kind)
	}
	return loc, nil
}

func (t *Table) allocateRID() RID {
	rid := t.nextRID
	t.nextRID++
	return rid
}

func (t *Table) attrs() metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("table", t.name))
}

func (t *Table) recordOp(op string, err error) {
	t.metrics.TableOpsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("table", t.name),
		attribute.String("op", op),
		attribute.Bool("ok", err == nil),
	))
}

// --- Record operations ---

// Insert appends a new base record and returns its RID.
func (t *Table) Insert(values []int64) (RID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rid, err := t.insertInternal(values)
	t.recordOp("insert", err)
	return rid, err
}

func (t *Table) insertInternal(values []int64) (RID, error) {
	if len(values) != t.numColumns {
		return NoRID, fmt.Errorf("%w: table %s has %d columns, got %d",
			flushmanager.ErrColumnCountMismatch, t.name, t.numColumns, len(values))
	}
	ok, err := t.rangeHasCapacity(Base, t.curBaseRange)
	if err != nil {
		return NoRID, err
	}
	if !ok {
		if err := t.newPageRange(Base); err != nil {
			return NoRID, err
		}
	}

	rid := t.allocateRID()
	row := make([]int64, 0, t.totalColumns)
	row = append(row, int64(NoRID), int64(rid), t.now().Unix(), 0)
	row = append(row, values...)

	offset, err := t.appendRow(Base, t.curBaseRange, row)
	if err != nil {
		return NoRID, err
	}
	t.directory[rid] = Location{Kind: Base, Range: t.curBaseRange, Offset: offset}
	return rid, nil
}

// Update appends a tail record for the base record rid. values has one entry
// per column; nil leaves the column unchanged.
func (t *Table) Update(rid RID, values []*int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.updateInternal(rid, values)
	t.recordOp("update", err)
	return err
}

func (t *Table) updateInternal(rid RID, values []*int64) error {
	if len(values) != t.numColumns {
		return fmt.Errorf("%w: table %s has %d columns, got %d",
			flushmanager.ErrColumnCountMismatch, t.name, t.numColumns, len(values))
	}
	loc, err := t.baseLocation(rid)
	if err != nil {
		return err
	}
	oldIndirection, err := t.readSlot(loc, IndirectionColumn)
	if err != nil {
		return err
	}
	current, err := t.getRecordInternal(rid, 0)
	if err != nil {
		return err
	}

	columns := current.Columns
	var schema int64
	for i, v := range values {
		if v != nil {
			columns[i] = *v
			schema |= 1 << i
		}
	}

	tailRange, err := t.currentTailRange()
	if err != nil {
		return err
	}
	tailRID := t.allocateRID()
	row := make([]int64, 0, t.totalColumns)
	row = append(row, oldIndirection, int64(tailRID), t.now().Unix(), schema)
	row = append(row, columns...)

	offset, err := t.appendRow(Tail, tailRange, row)
	if err != nil {
		return err
	}
	t.directory[tailRID] = Location{Kind: Tail, Range: tailRange, Offset: offset}
	t.tailRecords++
	t.metrics.TailRecordsUpDownCount.Add(context.Background(), 1, t.attrs())

	return t.updateSlot(loc, IndirectionColumn, int64(tailRID))
}

// Delete tombstones a base record. Its tail chain is unlinked from the page
// directory first, so no tail entry outlives the base it belongs to.
func (t *Table) Delete(rid RID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.deleteInternal(rid)
	t.recordOp("delete", err)
	return err
}

func (t *Table) deleteInternal(rid RID) error {
	loc, err := t.baseLocation(rid)
	if err != nil {
		return err
	}
	indirection, err := t.readSlot(loc, IndirectionColumn)
	if err != nil {
		return err
	}
	if RID(indirection) != NoRID {
		chain, err := t.collectChain(RID(indirection))
		if err != nil {
			return err
		}
		t.dropChain(chain)
	}
	for col := 0; col < t.totalColumns; col++ {
		if err := t.updateSlot(loc, col, 0); err != nil {
			return err
		}
	}
	delete(t.directory, rid)
	return nil
}

// GetRecord materializes a base record. version 0 is the latest version; -k
// is the record as it was k updates ago (clamped at the original insert).
// Positive versions are treated like their negation.
func (t *Table) GetRecord(rid RID, version int) (*Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getRecordInternal(rid, version)
}

func (t *Table) getRecordInternal(rid RID, version int) (*Record, error) {
	loc, err := t.baseLocation(rid)
	if err != nil {
		return nil, err
	}
	meta := make([]int64, MetadataColumns)
	for col := range meta {
		if meta[col], err = t.readSlot(loc, col); err != nil {
			return nil, err
		}
	}
	columns, err := t.readBaseColumns(loc)
	if err != nil {
		return nil, err
	}

	if indirection := RID(meta[IndirectionColumn]); indirection != NoRID {
		chain, err := t.collectChain(indirection)
		if err != nil {
			return nil, err
		}
		if columns, err = t.replay(columns, chain, appliedVersions(len(chain), version)); err != nil {
			return nil, err
		}
	}
	return &Record{
		RID:            rid,
		Key:            columns[t.keyColumn],
		Columns:        columns,
		Indirection:    RID(meta[IndirectionColumn]),
		SchemaEncoding: meta[SchemaEncodingColumn],
		Timestamp:      meta[TimestampColumn],
	}, nil
}

func (t *Table) readBaseColumns(loc Location) ([]int64, error) {
	columns := make([]int64, t.numColumns)
	for i := range columns {
		v, err := t.readSlot(loc, MetadataColumns+i)
		if err != nil {
			return nil, err
		}
		columns[i] = v
	}
	return columns, nil
}
