package merge_scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

type fakeTarget struct {
	name string

	mu      sync.Mutex
	pending int
	merges  int
	err     error
}

func (f *fakeTarget) Name() string { return f.name }

func (f *fakeTarget) PendingTailRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeTarget) Merge(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.merges++
	merged := f.pending
	f.pending = 0
	return merged, nil
}

func (f *fakeTarget) mergeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.merges
}

func targetsOf(ts ...*fakeTarget) func() []Target {
	return func() []Target {
		out := make([]Target, len(ts))
		for i, t := range ts {
			out[i] = t
		}
		return out
	}
}

// --- Test Cases ---

func TestMergePolicy_ShouldMerge(t *testing.T) {
	p := MergePolicy{TailRecordThreshold: 3}
	require.False(t, p.ShouldMerge(0))
	require.False(t, p.ShouldMerge(2))
	require.True(t, p.ShouldMerge(3))

	require.True(t, MergePolicy{}.ShouldMerge(DefaultTailRecordThreshold))
	require.False(t, MergePolicy{}.ShouldMerge(DefaultTailRecordThreshold-1))
}

func TestNewMergeScheduler_Validation(t *testing.T) {
	_, err := NewMergeScheduler(MergePolicy{}, nil, nil)
	require.Error(t, err)
	_, err = NewMergeScheduler(MergePolicy{Interval: -time.Second}, targetsOf(), nil)
	require.Error(t, err)
}

func TestRunOnce_MergesOnlyDueTables(t *testing.T) {
	due := &fakeTarget{name: "due", pending: 10}
	idle := &fakeTarget{name: "idle", pending: 2}
	ms, err := NewMergeScheduler(MergePolicy{TailRecordThreshold: 5}, targetsOf(due, idle), zaptest.NewLogger(t))
	require.NoError(t, err)

	merged, err := ms.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, merged)
	require.Equal(t, 1, due.mergeCount())
	require.Zero(t, idle.mergeCount())
}

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	bad := &fakeTarget{name: "bad", pending: 9, err: boom}
	good := &fakeTarget{name: "good", pending: 9}
	ms, err := NewMergeScheduler(MergePolicy{TailRecordThreshold: 1}, targetsOf(bad, good), nil)
	require.NoError(t, err)

	merged, err := ms.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 9, merged)
	require.Equal(t, 1, good.mergeCount())
}

func TestStartStop_BackgroundLoop(t *testing.T) {
	target := &fakeTarget{name: "t", pending: 1}
	ms, err := NewMergeScheduler(MergePolicy{Interval: 5 * time.Millisecond, TailRecordThreshold: 1}, targetsOf(target), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, ms.Start())
	require.NoError(t, ms.Start(), "second start is a no-op")
	require.Eventually(t, func() bool { return target.mergeCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ms.Stop())
	require.NoError(t, ms.Stop())

	target.mu.Lock()
	target.pending = 1
	target.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, target.mergeCount(), "no merges after stop")
}

func TestStart_ZeroIntervalDisabled(t *testing.T) {
	target := &fakeTarget{name: "t", pending: 1000}
	ms, err := NewMergeScheduler(MergePolicy{TailRecordThreshold: 1}, targetsOf(target), nil)
	require.NoError(t, err)
	require.NoError(t, ms.Start())
	require.NoError(t, ms.Stop())
	require.Zero(t, target.mergeCount())
}
