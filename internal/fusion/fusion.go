// Package fusion merges vision counts with stop-line presence sensing into
// the single occupancy vector the scheduler ranks.
package fusion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/junction/internal/lane"
)

// ErrUnknownMode is returned by ParseMode for unrecognised mode names.
var ErrUnknownMode = errors.New("unknown presence mode")

// Mode selects when presence sensing is allowed to raise vision counts.
type Mode int

const (
	// FallbackOnZero consults presence only when vision is unavailable or
	// reports zero vehicles on every lane.
	FallbackOnZero Mode = iota
	// OverrideAlways applies presence on every cycle.
	OverrideAlways
)

const (
	modeFallbackOnZero = "fallback_on_zero"
	modeOverrideAlways = "override_always"
)

func (m Mode) String() string {
	switch m {
	case FallbackOnZero:
		return modeFallbackOnZero
	case OverrideAlways:
		return modeOverrideAlways
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration string into a Mode. The empty string
// selects FallbackOnZero.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", modeFallbackOnZero:
		return FallbackOnZero, nil
	case modeOverrideAlways:
		return OverrideAlways, nil
	default:
		return 0, fmt.Errorf("%w %q: expected %s or %s", ErrUnknownMode, s, modeFallbackOnZero, modeOverrideAlways)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Fuse raises every lane with confirmed presence to at least its capacity.
// Lanes without presence keep their vision count; no count is ever lowered.
func Fuse(vision lane.Occupancy, presence lane.Presence, capacity lane.Capacity) lane.Occupancy {
	out := vision
	for i := range out {
		if presence[i] && capacity[i] > out[i] {
			out[i] = capacity[i]
		}
	}
	return out
}

// Stage applies Fuse according to the deployment's Mode.
type Stage struct {
	Mode     Mode
	Capacity lane.Capacity
}

// NewStage returns a Stage for the given mode and capacities.
func NewStage(mode Mode, capacity lane.Capacity) Stage {
	return Stage{Mode: mode, Capacity: capacity}
}

// NeedsPresence reports whether presence data would be consulted for this
// vision result. visionOK is false when the occupancy source failed.
func (s Stage) NeedsPresence(vision lane.Occupancy, visionOK bool) bool {
	if s.Mode == OverrideAlways {
		return true
	}
	return !visionOK || vision.IsZero()
}

// Apply returns the authoritative occupancy for the cycle. A zero Presence
// (no sensor data) leaves the vision counts untouched.
func (s Stage) Apply(vision lane.Occupancy, visionOK bool, presence lane.Presence) lane.Occupancy {
	if !s.NeedsPresence(vision, visionOK) {
		return vision
	}
	return Fuse(vision, presence, s.Capacity)
}
