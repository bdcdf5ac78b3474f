package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/lstore/core/table"
	"go.uber.org/zap/zaptest"
)

func TestBackup_RestoresIntoNewDirectory(t *testing.T) {
	src := t.TempDir()
	db := openDB(t, src, Options{PageCapacity: 8})
	tbl, err := db.CreateTable("grades", 2, 0)
	require.NoError(t, err)
	for k := int64(1); k <= 20; k++ {
		_, err := tbl.Query.Insert(k, k)
		require.NoError(t, err)
	}
	require.NoError(t, tbl.Query.Update(5, nil, table.Int(500)))
	require.NoError(t, db.Close())

	dst := filepath.Join(t.TempDir(), "backup")
	stats, err := Backup(context.Background(), src, dst, 1<<20, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, 1, stats.Tables)
	require.Greater(t, stats.Files, 1)
	require.Positive(t, stats.Bytes)

	restored := openDB(t, dst, Options{PageCapacity: 8})
	defer restored.Close()
	got, err := restored.GetTable("grades")
	require.NoError(t, err)
	sum, err := got.Query.Sum(1, 20, 1)
	require.NoError(t, err)
	require.Equal(t, int64(210-5+500), sum)

	_, err = Backup(context.Background(), src, dst, 0, nil)
	require.ErrorIs(t, err, ErrBackupTargetInUse)
}

func TestBackup_EmptySource(t *testing.T) {
	stats, err := Backup(context.Background(), t.TempDir(), t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.Zero(t, stats.Files)
}
