// Package status publishes the duty cycle's state to concurrent readers.
//
// The controller is the only writer. Each Publish stores an immutable
// Snapshot behind an atomic pointer and offers a copy to subscribers without
// ever blocking; readers that fall behind see only the newest state.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/junction/internal/lane"
)

// Phase is a duty cycle state.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseAwaitingReady Phase = "AWAITING_READY"
	PhaseFusing        Phase = "FUSING"
	PhaseScheduling    Phase = "SCHEDULING"
	PhaseTransmitting  Phase = "TRANSMITTING"
	PhaseActuating     Phase = "ACTUATING"
	PhaseStopped       Phase = "STOPPED"
)

// Signal is the aspect shown to the active lane while actuating.
type Signal string

const (
	SignalNone   Signal = ""
	SignalGreen  Signal = "GREEN"
	SignalYellow Signal = "YELLOW"
	SignalRed    Signal = "RED"
)

// NoLane marks a snapshot with no active lane.
const NoLane lane.ID = -1

// Snapshot is one published view of the cycle. It holds only values, so a
// copy shares nothing with the writer.
type Snapshot struct {
	CycleID uuid.UUID `json:"cycle_id"`
	Seq     uint64    `json:"seq"`
	Phase   Phase     `json:"phase"`
	Signal  Signal    `json:"signal,omitempty"`

	// ActiveLane and Step locate the actuation within Program.Order.
	ActiveLane   lane.ID        `json:"active_lane"`
	Step         int            `json:"step"`
	PhaseSeconds float64        `json:"phase_seconds"`
	Vision       lane.Occupancy `json:"vision"`
	VisionOK     bool           `json:"vision_ok"`
	Presence     lane.Presence  `json:"presence"`
	PresenceOK   bool           `json:"presence_ok"`
	Occupancy    lane.Occupancy `json:"occupancy"`
	Program      lane.Program   `json:"program"`
	Degraded     bool           `json:"degraded"`
	WriteError   string         `json:"write_error,omitempty"`
	Skipped      uint64         `json:"skipped_cycles"`
	At           time.Time      `json:"at"`
}

// Board holds the latest snapshot and its subscribers.
type Board struct {
	latest atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{subs: make(map[int]chan Snapshot)}
}

// Publish replaces the latest snapshot and notifies subscribers.
func (b *Board) Publish(s Snapshot) {
	b.latest.Store(&s)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		offer(ch, s)
	}
}

// offer delivers s, evicting the oldest pending snapshot if ch is full.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Latest returns a copy of the newest snapshot.
func (b *Board) Latest() (Snapshot, bool) {
	p := b.latest.Load()
	if p == nil {
		return Snapshot{ActiveLane: NoLane, Phase: PhaseIdle}, false
	}
	return *p, true
}

// Subscribe returns a channel of snapshots buffered to buf (minimum 1) and a
// function that cancels the subscription and closes the channel.
func (b *Board) Subscribe(buf int) (<-chan Snapshot, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Snapshot, buf)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
