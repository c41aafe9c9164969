// Package transport adapts a line-oriented serial device into the signal
// controller link used by the duty cycle: program transmission with a settle
// delay, a bounded wait for the readiness handshake, and a continuously
// updated view of stop-line presence.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/monitoring"
	"github.com/banshee-data/junction/internal/protocol"
	"github.com/banshee-data/junction/internal/timeutil"
)

var (
	// ErrReadTimeout is returned when no line (or no readiness line) arrives
	// within the configured bound.
	ErrReadTimeout = errors.New("timed out waiting for signal controller")
	// ErrWrite wraps failures writing a program to the controller.
	ErrWrite = errors.New("failed to write to signal controller")
	// ErrClosed is returned once the underlying device has gone away.
	ErrClosed = errors.New("signal controller link closed")
)

const (
	// DefaultSettleDelay separates consecutive program lines.
	DefaultSettleDelay = 100 * time.Millisecond

	lineQueueSize = 32
)

var logf = monitoring.Prefixed("[link] ")

// LineDevice is the subset of serialmux.SerialMuxInterface the link needs.
type LineDevice interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendLine(string) error
}

// PresenceReading is the most recent stop-line report and when it arrived.
type PresenceReading struct {
	Presence lane.Presence
	At       time.Time
}

// Options configures a Link.
type Options struct {
	ReadyToken  string
	SettleDelay time.Duration
	Clock       timeutil.Clock
}

// Link is the controller-side endpoint of the signal controller protocol.
// Run must be active for ReceiveLine, WaitReady and Presence to observe
// anything.
type Link struct {
	dev         LineDevice
	clock       timeutil.Clock
	readyToken  string
	settleDelay time.Duration

	lines    chan string
	presence atomic.Pointer[PresenceReading]

	subscribed chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	malformed  atomic.Int64
}

// NewLink returns a Link over dev.
func NewLink(dev LineDevice, opts Options) *Link {
	if opts.ReadyToken == "" {
		opts.ReadyToken = protocol.DefaultReadyToken
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Link{
		dev:         dev,
		clock:       opts.Clock,
		readyToken:  opts.ReadyToken,
		settleDelay: opts.SettleDelay,
		lines:       make(chan string, lineQueueSize),
		subscribed:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run consumes lines from the device until ctx is done or the device closes
// its subscription. Presence reports update the presence view; every other
// line is queued for ReceiveLine. Malformed presence lines are discarded.
// Run must only be called once.
func (l *Link) Run(ctx context.Context) error {
	id, ch := l.dev.Subscribe()
	defer l.dev.Unsubscribe(id)
	close(l.subscribed)
	defer l.closeOnce.Do(func() { close(l.done) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			l.handle(line)
		}
	}
}

// Subscribed is closed once Run has subscribed to the device. Start the
// device's read loop after this so early lines are not dropped.
func (l *Link) Subscribed() <-chan struct{} { return l.subscribed }

func (l *Link) handle(line string) {
	if protocol.Classify(line, l.readyToken) == protocol.KindPresence {
		p, err := protocol.ParsePresence(line)
		if err != nil {
			l.malformed.Add(1)
			logf("discarding sensor line: %v", err)
			return
		}
		l.presence.Store(&PresenceReading{Presence: p, At: l.clock.Now()})
		return
	}
	l.enqueue(line)
}

// enqueue keeps the newest lines when the queue is full, since a readiness
// line is normally the last thing the controller says.
func (l *Link) enqueue(line string) {
	for {
		select {
		case l.lines <- line:
			return
		default:
		}
		select {
		case dropped := <-l.lines:
			logf("line queue full, dropping %q", dropped)
		default:
		}
	}
}

// MalformedLines returns how many presence lines failed to parse.
func (l *Link) MalformedLines() int64 {
	return l.malformed.Load()
}

// Send writes lines in order, pausing the settle delay between them. The
// first write error aborts the remaining lines.
func (l *Link) Send(ctx context.Context, lines ...string) error {
	for i, line := range lines {
		if i > 0 && l.settleDelay > 0 {
			if err := l.clock.SleepContext(ctx, l.settleDelay); err != nil {
				return err
			}
		}
		if err := l.dev.SendLine(line); err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrWrite, i+1, err)
		}
	}
	return nil
}

// SendProgram transmits the Times and Order lines for p.
func (l *Link) SendProgram(ctx context.Context, p lane.Program) error {
	return l.Send(ctx, protocol.Encode(p)...)
}

// ReceiveLine returns the next non-presence line. A timeout of zero waits
// until a line arrives, ctx is done or the link closes.
func (l *Link) ReceiveLine(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := l.clock.NewTimer(timeout)
		defer t.Stop()
		expired = t.C()
	}

	select {
	case line := <-l.lines:
		return line, nil
	default:
	}

	select {
	case line := <-l.lines:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.done:
		return "", ErrClosed
	case <-expired:
		return "", ErrReadTimeout
	}
}

// WaitReady blocks until a line containing the readiness token arrives.
// Other lines are logged and skipped. A zero timeout waits indefinitely;
// otherwise ErrReadTimeout is returned once timeout has elapsed in total.
func (l *Link) WaitReady(ctx context.Context, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = l.clock.Now().Add(timeout)
	}
	for {
		remaining := time.Duration(0)
		if timeout > 0 {
			remaining = deadline.Sub(l.clock.Now())
			if remaining <= 0 {
				return ErrReadTimeout
			}
		}
		line, err := l.ReceiveLine(ctx, remaining)
		if err != nil {
			return err
		}
		if protocol.IsReady(line, l.readyToken) {
			return nil
		}
		logf("controller: %s", line)
	}
}

// Presence returns the latest presence vector if one arrived within maxAge.
// Stale or missing data yields the zero vector and false. A maxAge of zero
// accepts any age.
func (l *Link) Presence(maxAge time.Duration) (lane.Presence, bool) {
	r := l.presence.Load()
	if r == nil {
		return lane.Presence{}, false
	}
	if maxAge > 0 && l.clock.Since(r.At) > maxAge {
		return lane.Presence{}, false
	}
	return r.Presence, true
}

// LastPresence returns the most recent reading regardless of age.
func (l *Link) LastPresence() (PresenceReading, bool) {
	r := l.presence.Load()
	if r == nil {
		return PresenceReading{}, false
	}
	return *r, true
}
