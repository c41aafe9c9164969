package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/junction/internal/lane"
)

// ErrUnknownPolicy is returned by ParsePolicy for unrecognised policy names.
var ErrUnknownPolicy = errors.New("unknown allocation policy")

const (
	// DefaultSecondsPerVehicle is the green time granted per counted vehicle.
	DefaultSecondsPerVehicle = 2
	// DefaultCycleSeconds is the total green budget of a normalized cycle.
	DefaultCycleSeconds = 60
	// DefaultMinGreenSeconds is the per-lane floor of a normalized cycle.
	DefaultMinGreenSeconds = 6
	// MaxGreenSeconds bounds any single green phase. It keeps durations
	// representable as time.Duration and on the wire.
	MaxGreenSeconds = 24 * 60 * 60
)

// Policy names an allocation strategy.
type Policy string

const (
	PolicyProportional Policy = "proportional"
	PolicyNormalized   Policy = "normalized"
)

// ParsePolicy validates a policy name. The empty string selects
// PolicyProportional.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyProportional:
		return PolicyProportional, nil
	case PolicyNormalized:
		return PolicyNormalized, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownPolicy, s)
	}
}

// Allocator computes green durations from the cycle's occupancy.
type Allocator interface {
	Allocate(lane.Occupancy) lane.Durations
	Policy() Policy
}

// Proportional grants a fixed number of green seconds per vehicle with no
// floor. A lane with zero occupancy gets zero green; the product saturates
// at MaxGreenSeconds.
type Proportional struct {
	SecondsPerVehicle int
}

// NewProportional returns a Proportional allocator; non-positive rates fall
// back to DefaultSecondsPerVehicle.
func NewProportional(secondsPerVehicle int) Proportional {
	if secondsPerVehicle <= 0 {
		secondsPerVehicle = DefaultSecondsPerVehicle
	}
	return Proportional{SecondsPerVehicle: secondsPerVehicle}
}

func (p Proportional) Allocate(o lane.Occupancy) lane.Durations {
	var d lane.Durations
	for i, c := range o {
		switch {
		case c <= 0:
		case c > MaxGreenSeconds/p.SecondsPerVehicle:
			d[i] = MaxGreenSeconds
		default:
			d[i] = c * p.SecondsPerVehicle
		}
	}
	return d
}

func (Proportional) Policy() Policy { return PolicyProportional }

// NormalizedCycle splits a fixed green budget across lanes in proportion to
// weighted demand, never granting less than MinGreenSeconds. When no lane
// has demand every lane receives the floor.
type NormalizedCycle struct {
	CycleSeconds    int
	MinGreenSeconds int
	Weights         lane.Weights
}

// NewNormalizedCycle returns a NormalizedCycle, substituting defaults for
// non-positive cycle length and negative floor.
func NewNormalizedCycle(cycleSeconds, minGreenSeconds int, weights lane.Weights) NormalizedCycle {
	if cycleSeconds <= 0 {
		cycleSeconds = DefaultCycleSeconds
	}
	if minGreenSeconds < 0 {
		minGreenSeconds = DefaultMinGreenSeconds
	}
	return NormalizedCycle{
		CycleSeconds:    cycleSeconds,
		MinGreenSeconds: minGreenSeconds,
		Weights:         weights,
	}
}

func (n NormalizedCycle) Allocate(o lane.Occupancy) lane.Durations {
	demand := n.Weights.Priorities(o)
	total := 0.0
	for _, v := range demand {
		total += v
	}

	var d lane.Durations
	for i := range d {
		if total <= 0 {
			d[i] = n.MinGreenSeconds
			continue
		}
		share := int(demand[i] * float64(n.CycleSeconds) / total)
		d[i] = max(n.MinGreenSeconds, share)
	}
	return d
}

func (NormalizedCycle) Policy() Policy { return PolicyNormalized }

// Options configures NewAllocator.
type Options struct {
	Policy            Policy
	SecondsPerVehicle int
	CycleSeconds      int
	MinGreenSeconds   int
	Weights           lane.Weights
}

// NewAllocator builds the allocator selected by opts.Policy.
func NewAllocator(opts Options) (Allocator, error) {
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	switch policy {
	case PolicyNormalized:
		return NewNormalizedCycle(opts.CycleSeconds, opts.MinGreenSeconds, opts.Weights), nil
	default:
		return NewProportional(opts.SecondsPerVehicle), nil
	}
}
