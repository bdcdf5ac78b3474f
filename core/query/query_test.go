package query

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/lstore/core/indexmanager"
	"github.com/sushant-115/lstore/core/table"
	flushmanager "github.com/sushant-115/lstore/core/write_engine/flush_manager"
	"github.com/sushant-115/lstore/core/write_engine/memtable"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func setupQuery(t *testing.T, numColumns int, indexed ...int) (*Query, *table.Table, *indexmanager.Index) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dm, err := flushmanager.NewDiskManager(t.TempDir(), logger)
	require.NoError(t, err)
	bpm, err := memtable.NewBufferPoolManager(32, dm, logger, nil)
	require.NoError(t, err)
	tbl, err := table.New(table.Config{Name: "grades", NumColumns: numColumns, KeyColumn: 0}, bpm, logger)
	require.NoError(t, err)
	ix, err := indexmanager.New(tbl, logger, indexed)
	require.NoError(t, err)
	return New(tbl, ix), tbl, ix
}

func selectOne(t *testing.T, q *Query, key int64) []int64 {
	t.Helper()
	recs, err := q.Select(key, 0, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0].Columns
}

// --- Test Cases ---

func TestScenario(t *testing.T) {
	q, tbl, ix := setupQuery(t, 2)
	_, err := q.Insert(1, 10)
	require.NoError(t, err)
	rid2, err := q.Insert(2, 20)
	require.NoError(t, err)
	_, err = q.Insert(3, 30)
	require.NoError(t, err)

	rids, err := ix.Locate(0, 2)
	require.NoError(t, err)
	require.Equal(t, []table.RID{rid2}, rids)

	sum, err := q.Sum(1, 3, 1)
	require.NoError(t, err)
	require.Equal(t, int64(60), sum)

	require.NoError(t, q.Update(2, nil, table.Int(99)))
	rec, err := tbl.GetRecord(rid2, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 99}, rec.Columns)
	rec, err = tbl.GetRecord(rid2, -1)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 20}, rec.Columns)

	rid1, err := ix.Locate(0, 1)
	require.NoError(t, err)
	require.NoError(t, q.Delete(1))
	rids, err = ix.Locate(0, 1)
	require.NoError(t, err)
	require.Empty(t, rids)
	_, err = tbl.GetRecord(rid1[0], 0)
	require.ErrorIs(t, err, flushmanager.ErrRecordNotFound)

	sum, err = q.Sum(1, 3, 1)
	require.NoError(t, err)
	require.Equal(t, int64(129), sum)
	sum, err = q.SumVersion(1, 3, 1, -1)
	require.NoError(t, err)
	require.Equal(t, int64(50), sum)
}

func TestInsert_RejectsDuplicateKey(t *testing.T) {
	q, _, _ := setupQuery(t, 2)
	_, err := q.Insert(7, 1)
	require.NoError(t, err)
	_, err = q.Insert(7, 2)
	require.ErrorIs(t, err, ErrDuplicateKey)
	_, err = q.Insert(8)
	require.ErrorIs(t, err, flushmanager.ErrColumnCountMismatch)
	require.Equal(t, []int64{7, 1}, selectOne(t, q, 7))
}

func TestSelect_ProjectionAndSecondaryColumn(t *testing.T) {
	q, _, _ := setupQuery(t, 3, 2)
	for k := int64(1); k <= 4; k++ {
		_, err := q.Insert(k, k*10, k%2)
		require.NoError(t, err)
	}

	recs, err := q.Select(1, 2, []int{1, 0, 1})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, []int64{1, 1}, recs[0].Columns)
	require.Equal(t, []int64{3, 1}, recs[1].Columns)
	require.Equal(t, int64(1), recs[0].Key)

	recs, err = q.Select(40, 1, nil)
	require.NoError(t, err, "unindexed column is scanned")
	require.Len(t, recs, 1)
	require.Equal(t, []int64{4, 40, 0}, recs[0].Columns)

	_, err = q.Select(1, 0, []int{1})
	require.ErrorIs(t, err, ErrInvalidProjection)

	recs, err = q.Select(100, 0, nil)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestUpdate_KeepsIndexesOnBaseRIDs(t *testing.T) {
	q, _, ix := setupQuery(t, 3, 1)
	rid, err := q.Insert(1, 5, 0)
	require.NoError(t, err)

	require.NoError(t, q.Update(1, nil, table.Int(6), nil))
	got, err := ix.Locate(1, 6)
	require.NoError(t, err)
	require.Equal(t, []table.RID{rid}, got)
	got, err = ix.Locate(1, 5)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, q.Update(1, table.Int(1), table.Int(6), table.Int(2)), "restating the key is allowed")
	require.Equal(t, []int64{1, 6, 2}, selectOne(t, q, 1))

	require.ErrorIs(t, q.Update(1, table.Int(2), nil, nil), ErrPrimaryKeyUpdate)
	require.ErrorIs(t, q.Update(9, nil, table.Int(1), nil), ErrKeyNotFound)
	require.ErrorIs(t, q.Update(1, nil), flushmanager.ErrColumnCountMismatch)

	recs, err := q.SelectVersion(1, 0, nil, -2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 5, 0}, recs[0].Columns)
}

func TestDelete_UnknownKey(t *testing.T) {
	q, _, _ := setupQuery(t, 2)
	require.ErrorIs(t, q.Delete(1), ErrKeyNotFound)
}

func TestSum_EmptyRangeAndBadColumn(t *testing.T) {
	q, _, _ := setupQuery(t, 2)
	_, err := q.Insert(1, 1)
	require.NoError(t, err)

	_, err = q.Sum(10, 20, 1)
	require.ErrorIs(t, err, ErrNoRecordsInRange)
	_, err = q.Sum(0, 5, 2)
	require.ErrorIs(t, err, flushmanager.ErrInvalidColumn)
}

func TestIncrement(t *testing.T) {
	q, _, _ := setupQuery(t, 3)
	_, err := q.Insert(1, 0, 100)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Increment(1, 2))
	}
	require.Equal(t, []int64{1, 0, 103}, selectOne(t, q, 1))

	require.ErrorIs(t, q.Increment(2, 1), ErrKeyNotFound)
	require.ErrorIs(t, q.Increment(1, 0), ErrPrimaryKeyUpdate)
	require.ErrorIs(t, q.Increment(1, 5), flushmanager.ErrInvalidColumn)
}
