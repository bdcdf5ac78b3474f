// Package query translates primary-key operations into table and index
// operations.
package query

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/lstore/core/indexmanager"
	"github.com/sushant-115/lstore/core/table"
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
)

var (
	ErrDuplicateKey      = errors.New("primary key already exists")
	ErrKeyNotFound       = errors.New("primary key not found")
	ErrPrimaryKeyUpdate  = errors.New("primary key cannot be changed")
	ErrNoRecordsInRange  = errors.New("no records in key range")
	ErrInvalidProjection = errors.New("projection length does not match column count")
)

// Query runs keyed operations against one table and keeps its index in step.
// Writes are serialized per Query, so share a single Query per table.
type Query struct {
	mu    sync.Mutex
	table *table.Table
	index *indexmanager.Index
}

func New(tbl *table.Table, index *indexmanager.Index) *Query {
	return &Query{table: tbl, index: index}
}

func (q *Query) keyRID(key int64) (table.RID, error) {
	rids, err := q.index.Locate(q.table.KeyColumn(), key)
	if err != nil {
		return table.NoRID, err
	}
	if len(rids) == 0 {
		return table.NoRID, fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	return rids[0], nil
}

// Insert adds a record and indexes every indexed column.
func (q *Query) Insert(columns ...int64) (table.RID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(columns) != q.table.NumColumns() {
		return table.NoRID, fmt.Errorf("%w: got %d values for %d columns",
			flushmanager.ErrColumnCountMismatch, len(columns), q.table.NumColumns())
	}
	key := columns[q.table.KeyColumn()]
	existing, err := q.index.Locate(q.table.KeyColumn(), key)
	if err != nil {
		return table.NoRID, err
	}
	if len(existing) > 0 {
		return table.NoRID, fmt.Errorf("%w: %d", ErrDuplicateKey, key)
	}

	rid, err := q.table.Insert(columns)
	if err != nil {
		return table.NoRID, err
	}
	for col, v := range columns {
		if err := q.index.Insert(col, v, rid); err != nil {
			return rid, err
		}
	}
	return rid, nil
}

// Select returns the latest version of every record whose searchColumn equals
// searchKey. projection is a 0/1 mask over the columns; nil selects all.
// Returned records carry only the projected columns, in column order.
func (q *Query) Select(searchKey int64, searchColumn int, projection []int) ([]*table.Record, error) {
	return q.SelectVersion(searchKey, searchColumn, projection, 0)
}

// SelectVersion is Select at a relative version (0 latest, -k k updates back).
func (q *Query) SelectVersion(searchKey int64, searchColumn int, projection []int, version int) ([]*table.Record, error) {
	if projection != nil && len(projection) != q.table.NumColumns() {
		return nil, fmt.Errorf("%w: %d for %d columns", ErrInvalidProjection, len(projection), q.table.NumColumns())
	}
	rids, err := q.index.Locate(searchColumn, searchKey)
	if err != nil {
		return nil, err
	}
	records := make([]*table.Record, 0, len(rids))
	for _, rid := range rids {
		rec, err := q.table.GetRecord(rid, version)
		if errors.Is(err, flushmanager.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec.Columns = project(rec.Columns, projection)
		records = append(records, rec)
	}
	return records, nil
}

func project(columns []int64, projection []int) []int64 {
	if projection == nil {
		return columns
	}
	out := make([]int64, 0, len(columns))
	for i, keep := range projection {
		if keep != 0 {
			out = append(out, columns[i])
		}
	}
	return out
}

// Update changes the record with primary key key. nil values leave the column
// unchanged; the key column may only be nil or its current value.
func (q *Query) Update(key int64, columns ...*int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.updateInternal(key, columns)
}

func (q *Query) updateInternal(key int64, columns []*int64) error {
	if len(columns) != q.table.NumColumns() {
		return fmt.Errorf("%w: got %d values for %d columns",
			flushmanager.ErrColumnCountMismatch, len(columns), q.table.NumColumns())
	}
	if v := columns[q.table.KeyColumn()]; v != nil && *v != key {
		return fmt.Errorf("%w: %d to %d", ErrPrimaryKeyUpdate, key, *v)
	}
	rid, err := q.keyRID(key)
	if err != nil {
		return err
	}
	before, err := q.table.GetRecord(rid, 0)
	if err != nil {
		return err
	}
	if err := q.table.Update(rid, columns); err != nil {
		return err
	}
	for col, v := range columns {
		if v == nil || *v == before.Columns[col] || !q.index.IsIndexed(col) {
			continue
		}
		if err := q.index.DeleteRID(col, before.Columns[col], rid); err != nil {
			return err
		}
		if err := q.index.Insert(col, *v, rid); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the record with primary key key and its index entries.
func (q *Query) Delete(key int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rid, err := q.keyRID(key)
	if err != nil {
		return err
	}
	rec, err := q.table.GetRecord(rid, 0)
	if err != nil {
		return err
	}
	if err := q.table.Delete(rid); err != nil {
		return err
	}
	for col, v := range rec.Columns {
		if err := q.index.DeleteRID(col, v, rid); err != nil {
			return err
		}
	}
	return nil
}

// Sum adds up column over the records whose primary key lies in
// [start, end].
func (q *Query) Sum(start, end int64, column int) (int64, error) {
	return q.SumVersion(start, end, column, 0)
}

func (q *Query) SumVersion(start, end int64, column int, version int) (int64, error) {
	if column < 0 || column >= q.table.NumColumns() {
		return 0, fmt.Errorf("%w: %d", flushmanager.ErrInvalidColumn, column)
	}
	rids, err := q.index.LocateRange(start, end, q.table.KeyColumn())
	if err != nil {
		return 0, err
	}
	var sum int64
	found := 0
	for _, rid := range rids {
		rec, err := q.table.GetRecord(rid, version)
		if errors.Is(err, flushmanager.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		sum += rec.Columns[column]
		found++
	}
	if found == 0 {
		return 0, fmt.Errorf("%w: [%d, %d]", ErrNoRecordsInRange, start, end)
	}
	return sum, nil
}

// Increment adds one to column of the record with primary key key.
func (q *Query) Increment(key int64, column int) error {
	if column < 0 || column >= q.table.NumColumns() {
		return fmt.Errorf("%w: %d", flushmanager.ErrInvalidColumn, column)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rid, err := q.keyRID(key)
	if err != nil {
		return err
	}
	rec, err := q.table.GetRecord(rid, 0)
	if err != nil {
		return err
	}
	values := make([]*int64, q.table.NumColumns())
	values[column] = table.Int(rec.Columns[column] + 1)
	return q.updateInternal(key, values)
}
