package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sushant-115/lstore/core/storage_engine/common"
	"go.uber.org/zap"
)

const backupWorkers = 4

var ErrBackupTargetInUse = errors.New("backup target already holds a database")

// BackupStats summarizes a finished backup.
type BackupStats struct {
	Tables int
	Files  int
	Bytes  int64
}

// Backup copies the database stored at src into dst, throttled to
// bytesPerSec (0 means unlimited). src must not be open. Page files are
// copied before the catalog, so an interrupted backup never has a catalog
// and reopens as an empty database rather than a torn one.
func Backup(ctx context.Context, src, dst string, bytesPerSec int64, logger *zap.Logger) (BackupStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("backup")

	cat, err := readCatalog(src)
	if err != nil {
		return BackupStats{}, err
	}
	if _, err := os.Stat(filepath.Join(dst, catalogFileName)); err == nil {
		return BackupStats{}, fmt.Errorf("%w: %s", ErrBackupTargetInUse, dst)
	}

	limiter := common.NewLimiter(bytesPerSec)
	pages := func(rel string) bool {
		return rel != catalogFileName && !strings.HasSuffix(rel, ".tmp")
	}
	files, err := common.CopyTree(ctx, src, dst, pages, limiter, backupWorkers)
	if err != nil {
		return BackupStats{}, fmt.Errorf("copying pages: %w", err)
	}
	stats := BackupStats{Tables: len(cat.Tables), Files: len(files)}
	for _, f := range files {
		stats.Bytes += f.Bytes
	}

	if _, err := os.Stat(filepath.Join(src, catalogFileName)); err == nil {
		f, err := common.CopyThrottled(ctx, filepath.Join(src, catalogFileName), filepath.Join(dst, catalogFileName), limiter)
		if err != nil {
			return BackupStats{}, fmt.Errorf("copying catalog: %w", err)
		}
		stats.Files++
		stats.Bytes += f.Bytes
		logger.Debug("catalog copied", zap.String("sha256", fmt.Sprintf("%x", f.SHA256)))
	}

	logger.Info("backup completed",
		zap.String("src", src),
		zap.String("dst", dst),
		zap.Int("tables", stats.Tables),
		zap.Int("files", stats.Files),
		zap.Int64("bytes", stats.Bytes))
	return stats, nil
}
