// Package scheduler turns a fused occupancy vector into a cycle program:
// the order in which lanes are served and the green time each receives.
//
// Both Rank and the allocators are pure functions of their inputs.
package scheduler

import (
	"slices"

	"github.com/banshee-data/junction/internal/lane"
)

// Rank orders lanes by weighted priority, highest first. Lanes with equal
// priority keep their index order, so an all-zero occupancy yields 0,1,2,3.
func Rank(occupancy lane.Occupancy, weights lane.Weights) lane.Order {
	priority := weights.Priorities(occupancy)

	ids := make([]lane.ID, lane.Count)
	for i := range ids {
		ids[i] = lane.ID(i)
	}
	slices.SortStableFunc(ids, func(a, b lane.ID) int {
		switch {
		case priority[a] > priority[b]:
			return -1
		case priority[a] < priority[b]:
			return 1
		default:
			return 0
		}
	})

	var order lane.Order
	copy(order[:], ids)
	return order
}

// Plan ranks and allocates in one step. Durations are clamped to
// [0, MaxGreenSeconds] whatever the allocator returns.
func Plan(occupancy lane.Occupancy, weights lane.Weights, alloc Allocator) lane.Program {
	d := alloc.Allocate(occupancy)
	for i := range d {
		d[i] = min(max(d[i], 0), MaxGreenSeconds)
	}
	return lane.Program{
		Order:     Rank(occupancy, weights),
		Durations: d,
	}
}
