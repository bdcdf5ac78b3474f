package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments for the buffer pool and tables.
type StorageMetrics struct {
	PageHitsCounter      metric.Int64Counter
	PageMissesCounter    metric.Int64Counter
	PageEvictionsCounter metric.Int64Counter
	PageFlushesCounter   metric.Int64Counter
	CachedPagesGauge     metric.Int64UpDownCounter

	TableOpsCounter        metric.Int64Counter
	MergedRecordsCounter   metric.Int64Counter
	MergeLatencyHistogram  metric.Int64Histogram
	TailRecordsUpDownCount metric.Int64UpDownCounter

	IndexLookupsCounter      metric.Int64Counter
	IndexRebuildsCounter     metric.Int64Counter
	IndexRebuildLatencyHisto metric.Int64Histogram
}

// NewStorageMetrics creates and registers the storage metrics. A nil meter
// yields no-op instruments.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	m := &StorageMetrics{}
	var err error

	if m.PageHitsCounter, err = meter.Int64Counter(
		"lstore.bufferpool.hits_total",
		metric.WithDescription("Page requests served from the buffer pool."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PageMissesCounter, err = meter.Int64Counter(
		"lstore.bufferpool.misses_total",
		metric.WithDescription("Page requests that had to go to disk."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PageEvictionsCounter, err = meter.Int64Counter(
		"lstore.bufferpool.evictions_total",
		metric.WithDescription("Pages evicted from the buffer pool."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.PageFlushesCounter, err = meter.Int64Counter(
		"lstore.bufferpool.flushes_total",
		metric.WithDescription("Dirty pages written to disk."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CachedPagesGauge, err = meter.Int64UpDownCounter(
		"lstore.bufferpool.cached_pages",
		metric.WithDescription("Pages currently held in the buffer pool."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.TableOpsCounter, err = meter.Int64Counter(
		"lstore.table.operations_total",
		metric.WithDescription("Table operations by kind and outcome."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.MergedRecordsCounter, err = meter.Int64Counter(
		"lstore.table.merged_records_total",
		metric.WithDescription("Base records compacted by merge."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.MergeLatencyHistogram, err = meter.Int64Histogram(
		"lstore.table.merge.duration",
		metric.WithDescription("The latency of merge passes."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.TailRecordsUpDownCount, err = meter.Int64UpDownCounter(
		"lstore.table.tail_records",
		metric.WithDescription("Tail records awaiting merge."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.IndexLookupsCounter, err = meter.Int64Counter(
		"lstore.index.lookups_total",
		metric.WithDescription("Index lookups by column and access path."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.IndexRebuildsCounter, err = meter.Int64Counter(
		"lstore.index.rebuilds_total",
		metric.WithDescription("Full index rebuilds."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.IndexRebuildLatencyHisto, err = meter.Int64Histogram(
		"lstore.index.rebuild.duration",
		metric.WithDescription("The latency of full index rebuilds."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(nil)
	return m
}
