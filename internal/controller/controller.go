// Package controller runs the junction's sense, decide and actuate loop.
//
// One cycle waits for the signal controller's readiness line, fuses vision
// counts with stop-line presence, ranks the lanes and allocates green time,
// transmits the program, then walks every lane through GREEN, YELLOW and
// RED while the hardware does the same. All waits are interruptible so a
// cancelled context stops the loop mid-phase.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/junction/internal/fusion"
	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/monitoring"
	"github.com/banshee-data/junction/internal/occupancy"
	"github.com/banshee-data/junction/internal/scheduler"
	"github.com/banshee-data/junction/internal/status"
	"github.com/banshee-data/junction/internal/timeutil"
	"github.com/banshee-data/junction/internal/transport"
)

// ErrHandshakeTimeout is returned by RunCycle when the readiness line did not
// arrive within ReadyTimeout. Run logs it and retries.
var ErrHandshakeTimeout = errors.New("signal controller did not report ready")

const (
	DefaultYellow       = 2 * time.Second
	DefaultAllRed       = 1 * time.Second
	DefaultReadyTimeout = 30 * time.Second
	DefaultPresenceAge  = 10 * time.Second
)

var logf = monitoring.Prefixed("[cycle] ")

// Link is the signal controller side of a cycle. *transport.Link
// implements it.
type Link interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	SendProgram(ctx context.Context, p lane.Program) error
	Presence(maxAge time.Duration) (lane.Presence, bool)
}

// CycleRecorder persists completed transmissions.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, c Cycle) error
}

// Cycle is everything decided during one pass of the loop.
type Cycle struct {
	ID         uuid.UUID
	Seq        uint64
	StartedAt  time.Time
	Vision     lane.Occupancy
	VisionOK   bool
	Presence   lane.Presence
	PresenceOK bool
	Occupancy  lane.Occupancy
	Program    lane.Program
	Degraded   bool
	WriteError string
}

// Config wires a Controller. Link, Source, Board and Allocator are required.
type Config struct {
	Link      Link
	Source    occupancy.Source
	Board     *status.Board
	Allocator scheduler.Allocator
	Weights   lane.Weights
	Fusion    fusion.Stage

	// ReadyTimeout bounds the handshake; zero waits indefinitely.
	ReadyTimeout time.Duration
	// PresenceMaxAge is how old a presence reading may be before it is
	// treated as absent. Zero accepts any age.
	PresenceMaxAge time.Duration
	Yellow         time.Duration
	AllRed         time.Duration
	// StartupDelay is waited once before the first handshake so the
	// microcontroller can finish resetting after the port opens.
	StartupDelay time.Duration

	// Recorder is optional.
	Recorder CycleRecorder
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

// Controller owns the duty cycle. It is the only writer to its Board.
type Controller struct {
	cfg   Config
	clock timeutil.Clock

	seq     uint64
	skipped uint64
	snap    status.Snapshot
}

// New validates cfg and returns a Controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Link == nil:
		return nil, errors.New("controller: link is required")
	case cfg.Source == nil:
		return nil, errors.New("controller: occupancy source is required")
	case cfg.Board == nil:
		return nil, errors.New("controller: status board is required")
	case cfg.Allocator == nil:
		return nil, errors.New("controller: allocator is required")
	}
	if cfg.Yellow < 0 || cfg.AllRed < 0 || cfg.ReadyTimeout < 0 || cfg.StartupDelay < 0 {
		return nil, errors.New("controller: durations must not be negative")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{
		cfg:   cfg,
		clock: clock,
		snap:  status.Snapshot{Phase: status.PhaseIdle, ActiveLane: status.NoLane},
	}, nil
}

// Run loops cycles until ctx is cancelled, returning nil in that case.
// Handshake timeouts skip the cycle; any other link failure ends the loop.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.snap.Phase = status.PhaseStopped
		c.snap.Signal = status.SignalNone
		c.snap.ActiveLane = status.NoLane
		c.publish()
	}()

	if c.cfg.StartupDelay > 0 {
		logf("waiting %s for the signal controller to start", c.cfg.StartupDelay)
		if err := c.clock.SleepContext(ctx, c.cfg.StartupDelay); err != nil {
			return nil
		}
	}

	for {
		_, err := c.RunCycle(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			logf("duty cycle stopped: %v", ctx.Err())
			return nil
		case errors.Is(err, ErrHandshakeTimeout):
			logf("warning: %v, skipping cycle", err)
		default:
			return err
		}
	}
}

// RunCycle performs one full cycle. The returned Cycle is valid once the
// program has been computed, even if a later phase was interrupted.
func (c *Controller) RunCycle(ctx context.Context) (Cycle, error) {
	c.enter(status.PhaseAwaitingReady)
	if err := c.cfg.Link.WaitReady(ctx, c.cfg.ReadyTimeout); err != nil {
		if errors.Is(err, transport.ErrReadTimeout) {
			c.skipped++
			c.snap.Skipped = c.skipped
			c.publish()
			return Cycle{}, fmt.Errorf("%w within %s", ErrHandshakeTimeout, c.cfg.ReadyTimeout)
		}
		return Cycle{}, err
	}
	if err := ctx.Err(); err != nil {
		return Cycle{}, err
	}

	c.seq++
	cy := Cycle{ID: uuid.New(), Seq: c.seq, StartedAt: c.clock.Now()}
	c.snap = status.Snapshot{
		CycleID:    cy.ID,
		Seq:        cy.Seq,
		ActiveLane: status.NoLane,
		Skipped:    c.skipped,
	}

	c.enter(status.PhaseFusing)
	c.fuse(ctx, &cy)
	if err := ctx.Err(); err != nil {
		return cy, err
	}

	c.enter(status.PhaseScheduling)
	cy.Program = scheduler.Plan(cy.Occupancy, c.cfg.Weights, c.cfg.Allocator)
	c.snap.Program = cy.Program
	logf("cycle %d: occupancy %v order %v durations %v", cy.Seq, cy.Occupancy, cy.Program.Order.Labels(), cy.Program.Durations)

	c.enter(status.PhaseTransmitting)
	if err := c.cfg.Link.SendProgram(ctx, cy.Program); err != nil {
		if ctx.Err() != nil {
			return cy, ctx.Err()
		}
		// The hardware may now disagree with what we actuate below.
		cy.WriteError = err.Error()
		c.snap.WriteError = cy.WriteError
		logf("cycle %d: transmit failed, actuating locally: %v", cy.Seq, err)
	}
	c.record(ctx, cy)

	return cy, c.actuate(ctx, cy.Program)
}

// fuse fills the sensing fields of cy. A failed or cancelled occupancy call
// yields the zero vector and marks the cycle degraded.
func (c *Controller) fuse(ctx context.Context, cy *Cycle) {
	vision, err := c.cfg.Source.Counts(ctx)
	if err != nil {
		vision = lane.Occupancy{}
		cy.Degraded = true
		if ctx.Err() == nil {
			logf("cycle %d: degraded, using zero occupancy: %v", cy.Seq, err)
		}
	}
	cy.Vision = vision
	cy.VisionOK = err == nil

	// Read after the source returns so the reading is as fresh as possible.
	cy.Presence, cy.PresenceOK = c.cfg.Link.Presence(c.cfg.PresenceMaxAge)
	cy.Occupancy = c.cfg.Fusion.Apply(cy.Vision, cy.VisionOK, cy.Presence)

	c.snap.Vision = cy.Vision
	c.snap.VisionOK = cy.VisionOK
	c.snap.Presence = cy.Presence
	c.snap.PresenceOK = cy.PresenceOK
	c.snap.Occupancy = cy.Occupancy
	c.snap.Degraded = cy.Degraded
}

func (c *Controller) record(ctx context.Context, cy Cycle) {
	if c.cfg.Recorder == nil {
		return
	}
	if err := c.cfg.Recorder.RecordCycle(ctx, cy); err != nil {
		logf("cycle %d: failed to record history: %v", cy.Seq, err)
	}
}

// actuate mirrors the hardware's sequence. A lane with zero green still
// takes its yellow and all-red clearance.
func (c *Controller) actuate(ctx context.Context, p lane.Program) error {
	c.enter(status.PhaseActuating)
	for step, id := range p.Order {
		c.snap.Step = step
		c.snap.ActiveLane = id
		green := time.Duration(p.Durations[id]) * time.Second
		for _, ph := range []struct {
			signal status.Signal
			d      time.Duration
		}{
			{status.SignalGreen, green},
			{status.SignalYellow, c.cfg.Yellow},
			{status.SignalRed, c.cfg.AllRed},
		} {
			c.snap.Signal = ph.signal
			c.snap.PhaseSeconds = ph.d.Seconds()
			c.publish()
			logf("%s -> %s for %s seconds", id.Label(), ph.signal, formatSeconds(ph.d))
			if ph.d <= 0 {
				continue
			}
			if err := c.clock.SleepContext(ctx, ph.d); err != nil {
				return err
			}
		}
	}
	c.snap.Signal = status.SignalNone
	c.snap.ActiveLane = status.NoLane
	c.snap.PhaseSeconds = 0
	return nil
}

func (c *Controller) enter(p status.Phase) {
	c.snap.Phase = p
	c.publish()
}

func (c *Controller) publish() {
	c.snap.At = c.clock.Now()
	c.cfg.Board.Publish(c.snap)
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%g", d.Seconds())
}
