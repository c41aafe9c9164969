package db

import (
	"context"
	"time"

	"github.com/banshee-data/junction/internal/monitoring"
	"github.com/banshee-data/junction/internal/timeutil"
)

// DefaultPruneInterval is how often the Pruner trims old cycles.
const DefaultPruneInterval = time.Hour

// Pruner is implemented by DB.
type Pruner interface {
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// HistoryPruner periodically deletes cycles older than a retention window.
type HistoryPruner struct {
	store     Pruner
	retention time.Duration
	interval  time.Duration
	clock     timeutil.Clock
}

// HistoryPrunerConfig contains configuration for HistoryPruner.
type HistoryPrunerConfig struct {
	// Store is the cycle store to prune (typically a *DB)
	Store Pruner
	// Retention is how long cycles are kept; zero disables pruning
	Retention time.Duration
	// Interval defaults to DefaultPruneInterval
	Interval time.Duration
	// Clock is optional; if nil, uses timeutil.RealClock
	Clock timeutil.Clock
}

// NewHistoryPruner creates a new HistoryPruner.
func NewHistoryPruner(cfg HistoryPrunerConfig) *HistoryPruner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPruneInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &HistoryPruner{
		store:     cfg.Store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
	}
}

// Run prunes once immediately and then on every interval until ctx is
// cancelled. It returns nil on shutdown.
func (p *HistoryPruner) Run(ctx context.Context) error {
	if p.store == nil || p.retention <= 0 {
		monitoring.Logf("[prune] retention is zero, keeping all cycles")
		return nil
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	monitoring.Logf("[prune] started: retention=%v interval=%v", p.retention, p.interval)
	p.PruneNow(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			p.PruneNow(ctx)
		}
	}
}

// PruneNow deletes cycles older than the retention window.
func (p *HistoryPruner) PruneNow(ctx context.Context) {
	cutoff := p.clock.Now().Add(-p.retention)
	n, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		monitoring.Logf("[prune] error pruning cycles: %v", err)
		return
	}
	if n > 0 {
		monitoring.Logf("[prune] removed %d cycles older than %s", n, cutoff.Format(time.RFC3339))
	}
}
