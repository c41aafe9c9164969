package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/timeutil"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	calls   chan struct{}
}

func (f *fakePruner) PruneBefore(_ context.Context, t time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, t)
	f.mu.Unlock()
	f.calls <- struct{}{}
	return 1, f.err
}

func waitCall(t *testing.T, f *fakePruner) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("pruner was not called")
	}
}

func TestHistoryPruner_PrunesOnStartAndTick(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	store := &fakePruner{calls: make(chan struct{}, 4)}

	p := NewHistoryPruner(HistoryPrunerConfig{
		Store:     store,
		Retention: 24 * time.Hour,
		Interval:  time.Hour,
		Clock:     clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitCall(t, store)
	clock.Advance(time.Hour)
	waitCall(t, store)

	cancel()
	require.NoError(t, <-done)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []time.Time{
		start.Add(-24 * time.Hour),
		start.Add(-23 * time.Hour),
	}, store.cutoffs)
}

func TestHistoryPruner_ZeroRetentionIsNoop(t *testing.T) {
	store := &fakePruner{calls: make(chan struct{}, 1)}
	p := NewHistoryPruner(HistoryPrunerConfig{Store: store})
	assert.NoError(t, p.Run(context.Background()))
	assert.Empty(t, store.cutoffs)
}

func TestHistoryPruner_ErrorIsLogged(t *testing.T) {
	store := &fakePruner{calls: make(chan struct{}, 1), err: errors.New("disk full")}
	p := NewHistoryPruner(HistoryPrunerConfig{Store: store, Retention: time.Minute})
	p.PruneNow(context.Background())
	assert.Len(t, store.cutoffs, 1)
}

func TestHistoryPruner_RealStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.RecordCycle(ctx, testCycle(1, now.Add(-48*time.Hour), lane.Occupancy{1, 0, 0, 0}, lane.Identity(), lane.Durations{2, 0, 0, 0})))
	require.NoError(t, db.RecordCycle(ctx, testCycle(2, now, lane.Occupancy{0, 1, 0, 0}, lane.Identity(), lane.Durations{0, 2, 0, 0})))

	NewHistoryPruner(HistoryPrunerConfig{Store: db, Retention: 24 * time.Hour}).PruneNow(ctx)

	n, err := db.CycleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
