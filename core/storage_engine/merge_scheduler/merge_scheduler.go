package merge_scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MergeScheduler periodically merges every table whose tail backlog has
// reached the policy threshold.
type MergeScheduler struct {
	policy  MergePolicy
	targets func() []Target
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMergeScheduler creates a scheduler over the tables returned by targets,
// which is called once per evaluation.
func NewMergeScheduler(policy MergePolicy, targets func() []Target, logger *zap.Logger) (*MergeScheduler, error) {
	if targets == nil {
		return nil, fmt.Errorf("NewMergeScheduler: targets cannot be nil")
	}
	if policy.Interval < 0 {
		return nil, fmt.Errorf("NewMergeScheduler: negative interval %s", policy.Interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeScheduler{
		policy:  policy,
		targets: targets,
		logger:  logger.Named("merge_scheduler"),
	}, nil
}

func (ms *MergeScheduler) Policy() MergePolicy { return ms.policy }

// Start launches the evaluation loop. It is a no-op when the interval is zero
// or the loop is already running.
func (ms *MergeScheduler) Start() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.running || ms.policy.Interval == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ms.cancel = cancel
	ms.stopChan = make(chan struct{})
	ms.running = true

	ms.logger.Info("starting merge scheduler",
		zap.Duration("interval", ms.policy.Interval),
		zap.Int("tail_record_threshold", ms.policy.threshold()))
	ms.wg.Add(1)
	go ms.evaluationLoop(ctx, ms.stopChan)
	return nil
}

// Stop halts the loop and waits for an in-flight merge to return.
func (ms *MergeScheduler) Stop() error {
	ms.mu.Lock()
	if !ms.running {
		ms.mu.Unlock()
		return nil
	}
	ms.running = false
	close(ms.stopChan)
	ms.cancel()
	ms.mu.Unlock()

	ms.wg.Wait()
	ms.logger.Info("merge scheduler stopped")
	return nil
}

func (ms *MergeScheduler) evaluationLoop(ctx context.Context, stop <-chan struct{}) {
	defer ms.wg.Done()
	ticker := time.NewTicker(ms.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := ms.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				ms.logger.Error("merge pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce evaluates every table once and merges the ones that are due. A
// failing table does not stop the others; all failures are returned joined.
// It returns the total number of base records merged.
func (ms *MergeScheduler) RunOnce(ctx context.Context) (int, error) {
	var errs []error
	total := 0
	for _, target := range ms.targets() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		pending := target.PendingTailRecords()
		if !ms.policy.ShouldMerge(pending) {
			continue
		}
		ms.logger.Debug("table due for merge", zap.String("table", target.Name()), zap.Int("pending_tail_records", pending))
		merged, err := target.Merge(ctx)
		total += merged
		if err != nil {
			errs = append(errs, fmt.Errorf("merging table %s: %w", target.Name(), err))
		}
	}
	return total, errors.Join(errs...)
}
