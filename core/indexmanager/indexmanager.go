// Package indexmanager maintains secondary indexes over table columns. Each
// indexed column is an ordered map from value to the ascending list of base
// RIDs holding that value.
package indexmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/sushant-115/lstore/core/table"
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	internaltelemetry "github.com/sushant-115/lstore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const btreeDegree = 32

var ErrKeyColumnIndex = errors.New("the key column index cannot be dropped")

// RecordSource is the view of a table the index is built from.
type RecordSource interface {
	NumColumns() int
	KeyColumn() int
	BaseRIDs() []table.RID
	ColumnValue(rid table.RID, column int) (int64, error)
}

type entry struct {
	value int64
	rids  []table.RID
}

func lessEntry(a, b *entry) bool { return a.value < b.value }

// Index holds one tree per column, nil when the column is not indexed. The key
// column is always indexed. Staleness is a single flag for all columns: once
// set, the next lookup rebuilds every tree from the source.
type Index struct {
	mu     sync.RWMutex
	source RecordSource
	trees  []*btree.BTreeG[*entry]
	stale  bool

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	tracer  trace.Tracer
}

// Option customizes an Index.
type Option func(*Index)

func WithMetrics(m *internaltelemetry.StorageMetrics) Option {
	return func(ix *Index) {
		if m != nil {
			ix.metrics = m
		}
	}
}

func WithTracer(tr trace.Tracer) Option {
	return func(ix *Index) {
		if tr != nil {
			ix.tracer = tr
		}
	}
}

// New creates an index over source with the key column and indexedCols
// indexed. The trees start empty: a source that already holds records must be
// followed by MarkStale so the first lookup fills them.
func New(source RecordSource, logger *zap.Logger, indexedCols []int, opts ...Option) (*Index, error) {
	if source == nil {
		return nil, fmt.Errorf("indexmanager: record source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &Index{
		source:  source,
		trees:   make([]*btree.BTreeG[*entry], source.NumColumns()),
		logger:  logger.Named("index"),
		metrics: internaltelemetry.NoopStorageMetrics(),
		tracer:  nooptrace.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(ix)
	}

	ix.trees[source.KeyColumn()] = newTree()
	for _, col := range indexedCols {
		if err := ix.checkColumn(col); err != nil {
			return nil, err
		}
		if ix.trees[col] == nil {
			ix.trees[col] = newTree()
		}
	}
	return ix, nil
}

func newTree() *btree.BTreeG[*entry] {
	return btree.NewG(btreeDegree, lessEntry)
}

func (ix *Index) checkColumn(col int) error {
	if col < 0 || col >= len(ix.trees) {
		return fmt.Errorf("%w: %d", flushmanager.ErrInvalidColumn, col)
	}
	return nil
}

// IsIndexed reports whether col has a tree.
func (ix *Index) IsIndexed(col int) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return col >= 0 && col < len(ix.trees) && ix.trees[col] != nil
}

// IndexedColumns lists the indexed columns in ascending order.
func (ix *Index) IndexedColumns() []int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var cols []int
	for col, tree := range ix.trees {
		if tree != nil {
			cols = append(cols, col)
		}
	}
	return cols
}

// MarkStale flags every tree for a rebuild before the next lookup.
func (ix *Index) MarkStale() {
	ix.mu.Lock()
	ix.stale = true
	ix.mu.Unlock()
}

func (ix *Index) IsStale() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.stale
}

func (ix *Index) ensureFresh() error {
	ix.mu.RLock()
	stale := ix.stale
	ix.mu.RUnlock()
	if !stale {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.stale {
		return nil
	}
	return ix.rebuildInternal(context.Background())
}

// Locate returns the base RIDs whose current value in col equals value, in
// ascending order. Unindexed columns are answered by a full scan.
func (ix *Index) Locate(col int, value int64) ([]table.RID, error) {
	return ix.LocateRange(value, value, col)
}

// LocateRange returns the base RIDs whose value in col lies in [begin, end],
// ordered by value and then by RID.
func (ix *Index) LocateRange(begin, end int64, col int) ([]table.RID, error) {
	if err := ix.checkColumn(col); err != nil {
		return nil, err
	}
	if err := ix.ensureFresh(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	tree := ix.trees[col]
	if tree == nil {
		ix.countLookup(col, "scan")
		return ix.scanInternal(begin, end, col)
	}
	ix.countLookup(col, "btree")
	var out []table.RID
	if begin > end {
		return out, nil
	}
	tree.AscendGreaterOrEqual(&entry{value: begin}, func(e *entry) bool {
		if e.value > end {
			return false
		}
		out = append(out, e.rids...)
		return true
	})
	return out, nil
}

func (ix *Index) countLookup(col int, path string) {
	ix.metrics.IndexLookupsCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("column", col),
		attribute.String("path", path),
	))
}

// scanInternal reads col for every live base record.
// This method MUST be called with ix.mu held.
func (ix *Index) scanInternal(begin, end int64, col int) ([]table.RID, error) {
	type hit struct {
		value int64
		rid   table.RID
	}
	var hits []hit
	for _, rid := range ix.source.BaseRIDs() {
		v, err := ix.source.ColumnValue(rid, col)
		if errors.Is(err, flushmanager.ErrRecordNotFound) {
			continue // deleted since BaseRIDs was taken
		}
		if err != nil {
			return nil, err
		}
		if v >= begin && v <= end {
			hits = append(hits, hit{value: v, rid: rid})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].value != hits[j].value {
			return hits[i].value < hits[j].value
		}
		return hits[i].rid < hits[j].rid
	})
	out := make([]table.RID, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rid)
	}
	return out, nil
}

// Insert adds rid under value in col's tree. It is a no-op for unindexed
// columns.
func (ix *Index) Insert(col int, value int64, rid table.RID) error {
	if err := ix.checkColumn(col); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if tree := ix.trees[col]; tree != nil {
		insertInto(tree, value, rid)
	}
	return nil
}

func insertInto(tree *btree.BTreeG[*entry], value int64, rid table.RID) {
	e, ok := tree.Get(&entry{value: value})
	if !ok {
		tree.ReplaceOrInsert(&entry{value: value, rids: []table.RID{rid}})
		return
	}
	i := sort.Search(len(e.rids), func(i int) bool { return e.rids[i] >= rid })
	if i < len(e.rids) && e.rids[i] == rid {
		return
	}
	e.rids = append(e.rids, 0)
	copy(e.rids[i+1:], e.rids[i:])
	e.rids[i] = rid
}

// DeleteRID removes rid from value's entry in col's tree, dropping the entry
// once it is empty.
func (ix *Index) DeleteRID(col int, value int64, rid table.RID) error {
	if err := ix.checkColumn(col); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tree := ix.trees[col]
	if tree == nil {
		return nil
	}
	e, ok := tree.Get(&entry{value: value})
	if !ok {
		return nil
	}
	i := sort.Search(len(e.rids), func(i int) bool { return e.rids[i] >= rid })
	if i == len(e.rids) || e.rids[i] != rid {
		return nil
	}
	e.rids = append(e.rids[:i], e.rids[i+1:]...)
	if len(e.rids) == 0 {
		tree.Delete(e)
	}
	return nil
}

// RebuildIndices clears every indexed tree and repopulates it from the
// current values of all live base records.
func (ix *Index) RebuildIndices(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.rebuildInternal(ctx)
}

// This method MUST be called with ix.mu locked.
func (ix *Index) rebuildInternal(ctx context.Context) error {
	ctx, span := ix.tracer.Start(ctx, "index.RebuildIndices")
	defer span.End()
	start := time.Now()

	rids := ix.source.BaseRIDs()
	fresh := make([]*btree.BTreeG[*entry], len(ix.trees))
	for col, tree := range ix.trees {
		if tree == nil {
			continue
		}
		fresh[col] = newTree()
		if err := ix.fillInternal(fresh[col], col, rids); err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			return err
		}
	}
	ix.trees = fresh
	ix.stale = false

	elapsed := time.Since(start)
	ix.metrics.IndexRebuildsCounter.Add(ctx, 1)
	ix.metrics.IndexRebuildLatencyHisto.Record(ctx, elapsed.Milliseconds())
	span.SetAttributes(attribute.Int("records", len(rids)))
	ix.logger.Debug("indexes rebuilt", zap.Int("records", len(rids)), zap.Duration("elapsed", elapsed))
	return nil
}

func (ix *Index) fillInternal(tree *btree.BTreeG[*entry], col int, rids []table.RID) error {
	for _, rid := range rids {
		v, err := ix.source.ColumnValue(rid, col)
		if errors.Is(err, flushmanager.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("indexing rid %d column %d: %w", rid, col, err)
		}
		insertInto(tree, v, rid)
	}
	return nil
}

// CreateIndex builds a tree for col from the records reachable through the
// key column index. Creating an existing index is a no-op.
func (ix *Index) CreateIndex(col int) error {
	if err := ix.checkColumn(col); err != nil {
		return err
	}
	if err := ix.ensureFresh(); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.trees[col] != nil {
		return nil
	}

	var rids []table.RID
	ix.trees[ix.source.KeyColumn()].Ascend(func(e *entry) bool {
		rids = append(rids, e.rids...)
		return true
	})
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	tree := newTree()
	if err := ix.fillInternal(tree, col, rids); err != nil {
		return err
	}
	ix.trees[col] = tree
	ix.logger.Info("index created", zap.Int("column", col), zap.Int("records", len(rids)))
	return nil
}

// DropIndex discards col's tree. Lookups on col fall back to scanning.
func (ix *Index) DropIndex(col int) error {
	if err := ix.checkColumn(col); err != nil {
		return err
	}
	if col == ix.source.KeyColumn() {
		return ErrKeyColumnIndex
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.trees[col] != nil {
		ix.trees[col] = nil
		ix.logger.Info("index dropped", zap.Int("column", col))
	}
	return nil
}
