package mqtt

import (
	"context"
	"encoding/json"

	"github.com/banshee-data/junction/internal/lane"
	"github.com/banshee-data/junction/internal/status"
)

// Forwarder republishes board snapshots. Every snapshot goes to the
// snapshot topic; the program is sent once per cycle and lane aspects only
// when they change.
type Forwarder struct {
	pub    Publisher
	topics Topics
	qos    byte

	lastSeq   uint64
	sentSeq   bool
	aspects   [lane.Count]status.Signal
	published int
}

// NewForwarder returns a Forwarder publishing through pub.
func NewForwarder(pub Publisher, topics Topics, qos byte) *Forwarder {
	return &Forwarder{pub: pub, topics: topics, qos: qos}
}

// Run forwards snapshots from board until ctx is done.
func (f *Forwarder) Run(ctx context.Context, board *status.Board) error {
	ch, cancel := board.Subscribe(16)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			f.Forward(s)
		}
	}
}

// Forward publishes what changed in s. Publish failures are logged and
// the snapshot is dropped.
func (f *Forwarder) Forward(s status.Snapshot) {
	if b, err := json.Marshal(s); err == nil {
		f.send(f.topics.Snapshot(), b)
	}

	if s.Phase == status.PhaseActuating && (!f.sentSeq || f.lastSeq != s.Seq) {
		f.lastSeq, f.sentSeq = s.Seq, true
		if b, err := json.Marshal(struct {
			CycleID  string       `json:"cycle_id"`
			Seq      uint64       `json:"seq"`
			Degraded bool         `json:"degraded"`
			Program  lane.Program `json:"program"`
		}{s.CycleID.String(), s.Seq, s.Degraded, s.Program}); err == nil {
			f.send(f.topics.Program(), b)
		}
	}

	for id := lane.ID(0); id < lane.Count; id++ {
		aspect := status.SignalRed
		if s.Phase == status.PhaseActuating && s.ActiveLane == id && s.Signal != status.SignalNone {
			aspect = s.Signal
		}
		if f.aspects[id] == aspect {
			continue
		}
		f.aspects[id] = aspect
		f.send(f.topics.Lane(id), []byte(aspect))
	}
}

func (f *Forwarder) send(topic string, payload []byte) {
	if err := f.pub.Publish(topic, payload, f.qos, true); err != nil {
		logf("failed to publish %s: %v", topic, err)
		return
	}
	f.published++
}

// Published returns the number of successful publishes.
func (f *Forwarder) Published() int { return f.published }
