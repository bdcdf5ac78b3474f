package merge_scheduler

import (
	"context"
	"time"
)

// Target is a table the scheduler can compact.
type Target interface {
	Name() string
	// PendingTailRecords is the number of tail records waiting to be folded
	// into base pages.
	PendingTailRecords() int
	Merge(ctx context.Context) (int, error)
}

// MergePolicy decides when a table gets merged.
type MergePolicy struct {
	// Interval between evaluations. Zero disables the background loop.
	Interval time.Duration `yaml:"interval"`
	// TailRecordThreshold is the pending tail record count at which a table
	// is merged.
	TailRecordThreshold int `yaml:"tail_record_threshold"`
}

const DefaultTailRecordThreshold = 512

func (p MergePolicy) threshold() int {
	if p.TailRecordThreshold <= 0 {
		return DefaultTailRecordThreshold
	}
	return p.TailRecordThreshold
}

// ShouldMerge reports whether a table with pending tail records is due.
func (p MergePolicy) ShouldMerge(pending int) bool {
	return pending > 0 && pending >= p.threshold()
}
