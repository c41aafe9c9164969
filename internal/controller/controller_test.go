package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction/internal/fusion"
	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/monitoring"
	"github.com/banshee-data/junction/internal/occupancy"
	"github.com/banshee-data/junction/internal/scheduler"
	"github.com/banshee-data/junction/internal/status"
	"github.com/banshee-data/junction/internal/timeutil"
	"github.com/banshee-data/junction/internal/transport"
)

type fakeLink struct {
	mu       sync.Mutex
	readies  int
	ready    func(ctx context.Context, n int) error
	sent     []lane.Program
	sendErr  error
	presence lane.Presence
	fresh    bool
}

func (l *fakeLink) WaitReady(ctx context.Context, _ time.Duration) error {
	l.mu.Lock()
	l.readies++
	n := l.readies
	l.mu.Unlock()
	if l.ready == nil {
		return nil
	}
	return l.ready(ctx, n)
}

func (l *fakeLink) SendProgram(_ context.Context, p lane.Program) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, p)
	return l.sendErr
}

func (l *fakeLink) Presence(time.Duration) (lane.Presence, bool) {
	if !l.fresh {
		return lane.Presence{}, false
	}
	return l.presence, true
}

type recorderFunc func(ctx context.Context, c Cycle) error

func (f recorderFunc) RecordCycle(ctx context.Context, c Cycle) error { return f(ctx, c) }

func init() {
	monitoring.SetLogger(nil)
}

func secs(ns ...int) []time.Duration {
	out := make([]time.Duration, len(ns))
	for i, n := range ns {
		out[i] = time.Duration(n) * time.Second
	}
	return out
}

type harness struct {
	link  *fakeLink
	src   *occupancy.StaticSource
	board *status.Board
	clock *timeutil.MockClock
	cfg   Config
}

func newHarness(occ lane.Occupancy) *harness {
	h := &harness{
		link:  &fakeLink{},
		src:   occupancy.NewStaticSource(occ),
		board: status.NewBoard(),
		clock: timeutil.NewMockClock(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)),
	}
	h.cfg = Config{
		Link:      h.link,
		Source:    h.src,
		Board:     h.board,
		Allocator: scheduler.NewProportional(scheduler.DefaultSecondsPerVehicle),
		Weights:   lane.Weights{1.5, 1, 1.5, 1},
		Fusion:    fusion.NewStage(fusion.FallbackOnZero, lane.Capacity{2, 3, 2, 3}),
		Yellow:    DefaultYellow,
		AllRed:    DefaultAllRed,
		Clock:     h.clock,
	}
	return h
}

func (h *harness) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := New(h.cfg)
	require.NoError(t, err)
	return c
}

func TestRunCycle_Scenario(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 2, 2, 3})
	var recorded []Cycle
	h.cfg.Recorder = recorderFunc(func(_ context.Context, c Cycle) error {
		recorded = append(recorded, c)
		return nil
	})
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	want := lane.Program{Order: lane.Order{2, 3, 1, 0}, Durations: lane.Durations{2, 4, 4, 6}}
	assert.Equal(t, want, cy.Program)
	assert.Equal(t, []lane.Program{want}, h.link.sent)
	assert.False(t, cy.Degraded)
	assert.Equal(t, uint64(1), cy.Seq)
	require.Len(t, recorded, 1)
	assert.Equal(t, cy.ID, recorded[0].ID)

	// Lane 3 (4s), lane 4 (6s), lane 2 (4s), lane 1 (2s), each with 2s+1s.
	if diff := cmp.Diff(secs(4, 2, 1, 6, 2, 1, 4, 2, 1, 2, 2, 1), h.clock.Sleeps()); diff != "" {
		t.Errorf("phase timing mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCycle_ZeroGreenStillClears(t *testing.T) {
	h := newHarness(lane.Occupancy{0, 1, 0, 0})
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lane.Order{1, 0, 2, 3}, cy.Program.Order)
	assert.Equal(t, lane.Durations{0, 2, 0, 0}, cy.Program.Durations)
	assert.Equal(t, secs(2, 2, 1, 2, 1, 2, 1, 2, 1), h.clock.Sleeps())
}

func TestRunCycle_PhaseSequence(t *testing.T) {
	h := newHarness(lane.Occupancy{0, 0, 0, 1})
	ch, cancel := h.board.Subscribe(64)
	defer cancel()
	c := h.controller(t)

	_, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	var got []string
	for len(ch) > 0 {
		s := <-ch
		if s.Phase == status.PhaseActuating && s.Signal != status.SignalNone {
			got = append(got, fmt.Sprintf("%s:%d:%s", s.Phase, s.ActiveLane, s.Signal))
			continue
		}
		got = append(got, string(s.Phase))
	}
	want := []string{
		"AWAITING_READY", "FUSING", "SCHEDULING", "TRANSMITTING", "ACTUATING",
		"ACTUATING:3:GREEN", "ACTUATING:3:YELLOW", "ACTUATING:3:RED",
		"ACTUATING:0:GREEN", "ACTUATING:0:YELLOW", "ACTUATING:0:RED",
		"ACTUATING:1:GREEN", "ACTUATING:1:YELLOW", "ACTUATING:1:RED",
		"ACTUATING:2:GREEN", "ACTUATING:2:YELLOW", "ACTUATING:2:RED",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("published phases mismatch (-want +got):\n%s", diff)
	}

	last, ok := h.board.Latest()
	require.True(t, ok)
	assert.Equal(t, lane.ID(2), last.ActiveLane, "the final clearance stays visible until the next handshake")
	assert.Equal(t, status.SignalRed, last.Signal)
	assert.Equal(t, lane.Occupancy{0, 0, 0, 1}, last.Occupancy)
}

func TestRunCycle_CancelledDuringGreen(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 2, 2, 3})
	ch, unsubscribe := h.board.Subscribe(64)
	defer unsubscribe()
	c := h.controller(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep(func(time.Duration) { cancel() })

	_, err := c.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, secs(4), h.clock.Sleeps(), "only the first green was entered")

	var last status.Snapshot
	for len(ch) > 0 {
		last = <-ch
		assert.NotEqual(t, status.SignalYellow, last.Signal)
	}
	assert.Equal(t, status.PhaseActuating, last.Phase)
	assert.Equal(t, lane.ID(2), last.ActiveLane)
	assert.Equal(t, status.SignalGreen, last.Signal)
}

func TestRun_StopsDuringYellow(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 2, 2, 3})
	c := h.controller(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.OnSleep(func(d time.Duration) {
		if d == DefaultYellow {
			cancel()
		}
	})

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, secs(4, 2), h.clock.Sleeps())
	assert.Len(t, h.link.sent, 1)

	last, ok := h.board.Latest()
	require.True(t, ok)
	assert.Equal(t, status.PhaseStopped, last.Phase)
	assert.Equal(t, status.NoLane, last.ActiveLane)
}

func TestRunCycle_HugeCountsSaturate(t *testing.T) {
	h := newHarness(lane.Occupancy{1 << 62, 0, 0, 0})
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lane.Durations{scheduler.MaxGreenSeconds, 0, 0, 0}, cy.Program.Durations)
	sleeps := h.clock.Sleeps()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, time.Duration(scheduler.MaxGreenSeconds)*time.Second, sleeps[0])
}

func TestRunCycle_SourceFailureDegrades(t *testing.T) {
	h := newHarness(lane.Occupancy{})
	h.src.Fail(errors.New("detector offline"))
	h.link.presence = lane.Presence{true, false, false, true}
	h.link.fresh = true
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, cy.Degraded)
	assert.False(t, cy.VisionOK)
	assert.Equal(t, lane.Occupancy{2, 0, 0, 3}, cy.Occupancy)
	assert.Equal(t, lane.Durations{4, 0, 0, 6}, cy.Program.Durations)

	snap, _ := h.board.Latest()
	assert.True(t, snap.Degraded)
}

func TestRunCycle_StalePresenceIgnored(t *testing.T) {
	h := newHarness(lane.Occupancy{})
	h.link.presence = lane.Presence{true, true, true, true}
	h.link.fresh = false
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, cy.PresenceOK)
	assert.Equal(t, lane.Occupancy{}, cy.Occupancy)
	assert.Equal(t, lane.Identity(), cy.Program.Order)
}

func TestRunCycle_OverrideAlways(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 0, 0, 0})
	h.cfg.Fusion = fusion.NewStage(fusion.OverrideAlways, lane.Capacity{2, 3, 2, 3})
	h.link.presence = lane.Presence{false, true, false, false}
	h.link.fresh = true
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lane.Occupancy{1, 3, 0, 0}, cy.Occupancy)
}

func TestRunCycle_WriteFailureStillActuates(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 1, 1, 1})
	h.link.sendErr = fmt.Errorf("%w: line 1: port gone", transport.ErrWrite)
	c := h.controller(t)

	cy, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cy.WriteError, "port gone")
	assert.Len(t, h.clock.Sleeps(), 12)

	snap, _ := h.board.Latest()
	assert.Contains(t, snap.WriteError, "port gone")
}

func TestRunCycle_HandshakeTimeout(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 1, 1, 1})
	h.link.ready = func(context.Context, int) error { return transport.ErrReadTimeout }
	h.cfg.ReadyTimeout = 30 * time.Second
	c := h.controller(t)

	_, err := c.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Empty(t, h.link.sent)
	assert.Empty(t, h.clock.Sleeps())

	snap, _ := h.board.Latest()
	assert.Equal(t, uint64(1), snap.Skipped)
	assert.Equal(t, status.PhaseAwaitingReady, snap.Phase)
}

func TestRunCycle_CancelledBeforeActuation(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 1, 1, 1})
	ctx, cancel := context.WithCancel(context.Background())
	h.cfg.Recorder = recorderFunc(func(context.Context, Cycle) error {
		cancel()
		return nil
	})
	c := h.controller(t)

	cy, err := c.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), cy.Seq)
	assert.Len(t, h.link.sent, 1)
	assert.Empty(t, h.clock.Sleeps())
}

func TestRunCycle_RecorderErrorIsLogged(t *testing.T) {
	h := newHarness(lane.Occupancy{1, 0, 0, 0})
	h.cfg.Recorder = recorderFunc(func(context.Context, Cycle) error { return errors.New("disk full") })
	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)
	c := h.controller(t)

	_, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Contains(t, logged, "[cycle] cycle 1: failed to record history: disk full")
	assert.Contains(t, logged, "[cycle] Lane 1 -> GREEN for 2 seconds")
	assert.Contains(t, logged, "[cycle] Lane 2 -> YELLOW for 2 seconds")
	assert.Contains(t, logged, "[cycle] Lane 4 -> RED for 1 seconds")
}

func TestRun_LoopsUntilCancelled(t *testing.T) {
	h := newHarness(lane.Occupancy{0, 0, 1, 0})
	h.cfg.StartupDelay = 2 * time.Second
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.link.ready = func(ctx context.Context, n int) error {
		switch n {
		case 2:
			return transport.ErrReadTimeout
		case 4:
			cancel()
			return ctx.Err()
		}
		return nil
	}
	c := h.controller(t)

	require.NoError(t, c.Run(ctx))
	assert.Len(t, h.link.sent, 2)
	assert.Equal(t, 2*time.Second, h.clock.Sleeps()[0])

	snap, _ := h.board.Latest()
	assert.Equal(t, status.PhaseStopped, snap.Phase)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, uint64(1), snap.Skipped)
}

func TestRun_ReturnsLinkFailure(t *testing.T) {
	h := newHarness(lane.Occupancy{})
	h.link.ready = func(context.Context, int) error { return transport.ErrClosed }
	c := h.controller(t)

	assert.ErrorIs(t, c.Run(context.Background()), transport.ErrClosed)
}

func TestNew_Validation(t *testing.T) {
	base := newHarness(lane.Occupancy{}).cfg
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no link", func(c *Config) { c.Link = nil }},
		{"no source", func(c *Config) { c.Source = nil }},
		{"no board", func(c *Config) { c.Board = nil }},
		{"no allocator", func(c *Config) { c.Allocator = nil }},
		{"negative yellow", func(c *Config) { c.Yellow = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}

	cfg := base
	cfg.Clock = nil
	c, err := New(cfg)
	require.NoError(t, err)
	assert.IsType(t, timeutil.RealClock{}, c.clock)
}
