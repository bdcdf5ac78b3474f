package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/lstore/core/database"
	"github.com/sushant-115/lstore/pkg/config"
	"github.com/sushant-115/lstore/pkg/logger"
	"github.com/sushant-115/lstore/pkg/telemetry"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dataDir    = flag.String("data_dir", "", "Overrides storage.data_dir")
	backupTo   = flag.String("backup_to", "", "Copy the (closed) database to this directory and exit")
	backupRate = flag.Int64("backup_rate", 0, "Backup throughput limit in bytes per second, 0 for unlimited")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}

	zlogger, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() {
		if err := closeLogger(); err != nil {
			log.Printf("Failed to sync logger: %v", err)
		}
	}()

	runFn := run
	if *backupTo != "" {
		runFn = backup
	}
	if err := runFn(cfg, zlogger); err != nil {
		zlogger.Error("lstored exited with error", zap.Error(err))
		_ = closeLogger()
		os.Exit(1)
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	zlogger.Info("starting lstored",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("buffer_pool_size", cfg.Storage.BufferPoolSize),
		zap.Int("page_capacity", cfg.Storage.PageCapacity),
		zap.Duration("merge_interval", cfg.Merge.Interval),
		zap.String("metrics_addr", tel.MetricsAddr),
	)

	db, err := database.Open(cfg.Storage.DataDir, database.Options{
		BufferPoolSize: cfg.Storage.BufferPoolSize,
		PageCapacity:   cfg.Storage.PageCapacity,
		Logger:         zlogger,
		Telemetry:      tel,
		MergeInterval:  cfg.Merge.Interval,
		MergeThreshold: cfg.Merge.TailRecordThreshold,
	})
	if err != nil {
		return err
	}
	for _, name := range db.Tables() {
		t, err := db.GetTable(name)
		if err != nil {
			continue
		}
		zlogger.Info("table loaded",
			zap.String("table", name),
			zap.Int("columns", t.NumColumns()),
			zap.Int("records", len(t.BaseRIDs())),
			zap.Int("pending_tail_records", t.PendingTailRecords()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	zlogger.Info("shutdown signal received")

	if err := db.Close(); err != nil {
		return err
	}
	zlogger.Info("lstored shut down gracefully")
	return nil
}

func backup(cfg config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	_, err := database.Backup(ctx, cfg.Storage.DataDir, *backupTo, *backupRate, zlogger)
	return err
}
