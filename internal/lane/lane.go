// Package lane defines the per-lane vectors exchanged between the fusion,
// scheduling and duty-cycle stages of the junction controller.
//
// Every vector is a fixed-size array indexed by lane (0..Count-1), so the
// "exactly four elements, index aligned" invariant is enforced by the type
// system rather than checked at runtime.
package lane

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Count is the number of approaches served by a junction.
const Count = 4

// ErrNotPermutation is returned when an Order does not contain every lane
// exactly once.
var ErrNotPermutation = errors.New("lane order is not a permutation")

// ID identifies one approach. Lanes are zero-based on the wire and in code;
// Label gives the 1-based name used in operator-facing messages.
type ID int

// Label returns the operator-facing lane name ("Lane 1".."Lane 4").
func (id ID) Label() string {
	return "Lane " + strconv.Itoa(int(id)+1)
}

// Valid reports whether id names one of the junction's lanes.
func (id ID) Valid() bool {
	return id >= 0 && id < Count
}

// Occupancy is the estimated vehicle count per lane.
type Occupancy [Count]int

// Presence reports whether a stop-line sensor currently sees a vehicle.
type Presence [Count]bool

// Weights is the static per-lane policy bias.
type Weights [Count]float64

// Capacity is the count substituted for a lane when presence is confirmed.
type Capacity [Count]int

// Durations holds green seconds per lane, indexed by lane.
type Durations [Count]int

// Order is the sequence in which lanes receive green this cycle.
type Order [Count]ID

// Program is the unit transmitted to the actuator once per cycle.
type Program struct {
	Order     Order     `json:"order"`
	Durations Durations `json:"durations"`
}

// IsZero reports whether every lane reports zero vehicles.
func (o Occupancy) IsZero() bool {
	for _, c := range o {
		if c != 0 {
			return false
		}
	}
	return true
}

// Total returns the summed count over all lanes.
func (o Occupancy) Total() int {
	total := 0
	for _, c := range o {
		total += c
	}
	return total
}

// Any reports whether at least one lane has a vehicle present.
func (p Presence) Any() bool {
	for _, v := range p {
		if v {
			return true
		}
	}
	return false
}

// Priorities returns occupancy[i] * weights[i] for every lane.
func (w Weights) Priorities(o Occupancy) [Count]float64 {
	var p [Count]float64
	for i := range o {
		p[i] = float64(o[i]) * w[i]
	}
	return p
}

// Identity returns the order 0,1,2,3.
func Identity() Order {
	var o Order
	for i := range o {
		o[i] = ID(i)
	}
	return o
}

// Validate checks that o contains every lane exactly once.
func (o Order) Validate() error {
	var seen [Count]bool
	for pos, id := range o {
		if !id.Valid() {
			return fmt.Errorf("%w: position %d holds lane %d", ErrNotPermutation, pos, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: lane %d repeated", ErrNotPermutation, id)
		}
		seen[id] = true
	}
	return nil
}

// Labels returns the 1-based lane numbers in order, as printed to operators.
func (o Order) Labels() []int {
	out := make([]int, 0, Count)
	for _, id := range o {
		out = append(out, int(id)+1)
	}
	return out
}

// String formats the order as a comma-separated list of lane indices.
func (o Order) String() string {
	parts := make([]string, 0, Count)
	for _, id := range o {
		parts = append(parts, strconv.Itoa(int(id)))
	}
	return strings.Join(parts, ",")
}

// Total returns the summed green time over all lanes.
func (d Durations) Total() int {
	total := 0
	for _, s := range d {
		total += s
	}
	return total
}

// String formats the durations as a comma-separated list in lane order.
func (d Durations) String() string {
	parts := make([]string, 0, Count)
	for _, s := range d {
		parts = append(parts, strconv.Itoa(s))
	}
	return strings.Join(parts, ",")
}
