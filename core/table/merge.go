package table

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Merge folds every base record's tail chain into its base slots, unlinks the
// chain from the page directory and resets the indirection pointer. Records
// already merged are skipped, so calling Merge again is a no-op. Dirty pages
// are flushed once all records are processed. It returns the number of base
// records rewritten.
//
// A failure leaves earlier records merged; running Merge again finishes the
// rest.
func (t *Table) Merge(ctx context.Context) (int, error) {
	ctx, span := t.tracer.Start(ctx, "table.Merge", trace.WithAttributes(attribute.String("table", t.name)))
	defer span.End()
	start := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	merged, err := t.mergeInternal(ctx)
	if err == nil {
		if ferr := t.pool.FlushAllPages(); ferr != nil {
			err = fmt.Errorf("flushing after merge of table %s: %w", t.name, ferr)
		}
	}

	elapsed := time.Since(start)
	t.metrics.MergedRecordsCounter.Add(ctx, int64(merged), t.attrs())
	t.metrics.MergeLatencyHistogram.Record(ctx, elapsed.Milliseconds(), t.attrs())
	t.recordOp("merge", err)
	span.SetAttributes(attribute.Int("merged_records", merged))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Error("merge failed", zap.Int("merged_records", merged), zap.Error(err))
		return merged, err
	}
	if merged > 0 {
		t.logger.Info("merge completed", zap.Int("merged_records", merged), zap.Duration("elapsed", elapsed))
	}
	return merged, nil
}

func (t *Table) mergeInternal(ctx context.Context) (int, error) {
	candidates, err := t.mergeCandidates()
	if err != nil {
		return 0, err
	}
	merged := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		if err := t.mergeRecord(c.rid, c.loc, RID(c.indirection)); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

type mergeCandidate struct {
	rid         RID
	loc         Location
	indirection int64
}

// mergeCandidates lists base records with a resolvable chain in RID order.
// A record whose indirection names a RID missing from the directory has no
// tail data to fold and is left alone.
func (t *Table) mergeCandidates() ([]mergeCandidate, error) {
	var out []mergeCandidate
	for rid, loc := range t.directory {
		if loc.Kind != Base {
			continue
		}
		indirection, err := t.readSlot(loc, IndirectionColumn)
		if err != nil {
			return nil, err
		}
		if RID(indirection) == NoRID {
			continue
		}
		if _, ok := t.directory[RID(indirection)]; !ok {
			continue
		}
		out = append(out, mergeCandidate{rid: rid, loc: loc, indirection: indirection})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rid < out[j].rid })
	return out, nil
}

func (t *Table) mergeRecord(rid RID, loc Location, head RID) error {
	chain, err := t.collectChain(head)
	if err != nil {
		return fmt.Errorf("merging rid %d: %w", rid, err)
	}
	columns, err := t.readBaseColumns(loc)
	if err != nil {
		return err
	}
	if columns, err = t.replay(columns, chain, len(chain)); err != nil {
		return err
	}
	for i, v := range columns {
		if err := t.updateSlot(loc, MetadataColumns+i, v); err != nil {
			return fmt.Errorf("rewriting rid %d column %d: %w", rid, i, err)
		}
	}
	if err := t.updateSlot(loc, IndirectionColumn, int64(NoRID)); err != nil {
		return err
	}
	t.dropChain(chain)
	return t.updateSlot(loc, TimestampColumn, t.now().Unix())
}
