package scheduler

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/junction/internal/lane"
)

func TestRank(t *testing.T) {
	tests := []struct {
		name      string
		occupancy lane.Occupancy
		weights   lane.Weights
		want      lane.Order
	}{
		{
			name:      "weighted with tie between lanes 2 and 3",
			occupancy: lane.Occupancy{1, 2, 2, 3},
			weights:   lane.Weights{1.5, 1, 1.5, 1},
			want:      lane.Order{2, 3, 1, 0},
		},
		{
			name:      "all zero keeps index order",
			occupancy: lane.Occupancy{},
			weights:   lane.Weights{1.2, 1, 1.2, 1},
			want:      lane.Order{0, 1, 2, 3},
		},
		{
			name:      "all equal keeps index order",
			occupancy: lane.Occupancy{2, 2, 2, 2},
			weights:   lane.Weights{1, 1, 1, 1},
			want:      lane.Order{0, 1, 2, 3},
		},
		{
			name:      "strictly descending",
			occupancy: lane.Occupancy{0, 1, 2, 3},
			weights:   lane.Weights{1, 1, 1, 1},
			want:      lane.Order{3, 2, 1, 0},
		},
		{
			name:      "weight flips order",
			occupancy: lane.Occupancy{2, 3, 0, 0},
			weights:   lane.Weights{2, 1, 1, 1},
			want:      lane.Order{0, 1, 2, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rank(tt.occupancy, tt.weights)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Rank mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRankProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for n := 0; n < 500; n++ {
		var occ lane.Occupancy
		var w lane.Weights
		for i := range occ {
			occ[i] = r.Intn(4)
			w[i] = float64(1 + r.Intn(2))
		}
		order := Rank(occ, w)
		require.NoError(t, order.Validate(), "occ=%v w=%v", occ, w)

		p := w.Priorities(occ)
		for i := 1; i < lane.Count; i++ {
			a, b := order[i-1], order[i]
			require.GreaterOrEqual(t, p[a], p[b], "not descending: occ=%v w=%v order=%v", occ, w, order)
			if p[a] == p[b] {
				require.Less(t, a, b, "tie not stable: occ=%v w=%v order=%v", occ, w, order)
			}
		}

		assert.Equal(t, order, Rank(occ, w), "rank not idempotent")
	}
}

func TestProportional(t *testing.T) {
	p := NewProportional(0)
	assert.Equal(t, lane.Durations{0, 0, 0, 0}, p.Allocate(lane.Occupancy{0, 0, 0, 0}))
	assert.Equal(t, lane.Durations{2, 4, 4, 6}, p.Allocate(lane.Occupancy{1, 2, 2, 3}))
	assert.Equal(t, p.Allocate(lane.Occupancy{1, 2, 2, 3}), p.Allocate(lane.Occupancy{1, 2, 2, 3}))
	assert.Equal(t, PolicyProportional, p.Policy())

	// each lane depends only on its own count
	a := p.Allocate(lane.Occupancy{3, 0, 0, 0})
	b := p.Allocate(lane.Occupancy{3, 9, 9, 9})
	assert.Equal(t, a[0], b[0])

	assert.Equal(t, lane.Durations{3, 0, 6, 0}, NewProportional(3).Allocate(lane.Occupancy{1, 0, 2, 0}))
}

func TestProportional_Saturates(t *testing.T) {
	p := NewProportional(2)
	got := p.Allocate(lane.Occupancy{1 << 62, math.MaxInt, MaxGreenSeconds / 2, 5_000_000_000})
	assert.Equal(t, lane.Durations{MaxGreenSeconds, MaxGreenSeconds, MaxGreenSeconds, MaxGreenSeconds}, got)

	got = p.Allocate(lane.Occupancy{MaxGreenSeconds/2 - 1, 0, 0, 0})
	assert.Equal(t, MaxGreenSeconds-2, got[0])

	// every saturated phase still fits in a time.Duration
	for _, d := range got {
		assert.GreaterOrEqual(t, time.Duration(d)*time.Second, time.Duration(0))
	}
}

func TestPlan_ClampsAllocator(t *testing.T) {
	wild := allocatorFunc(func(lane.Occupancy) lane.Durations {
		return lane.Durations{-5, math.MaxInt, 3, 0}
	})
	prog := Plan(lane.Occupancy{}, lane.Weights{1, 1, 1, 1}, wild)
	assert.Equal(t, lane.Durations{0, MaxGreenSeconds, 3, 0}, prog.Durations)
}

type allocatorFunc func(lane.Occupancy) lane.Durations

func (f allocatorFunc) Allocate(o lane.Occupancy) lane.Durations { return f(o) }
func (allocatorFunc) Policy() Policy                             { return "test" }

func TestNormalizedCycle(t *testing.T) {
	n := NewNormalizedCycle(60, 6, lane.Weights{1, 1, 1, 1})

	t.Run("no demand gets floor everywhere", func(t *testing.T) {
		assert.Equal(t, lane.Durations{6, 6, 6, 6}, n.Allocate(lane.Occupancy{}))
	})

	t.Run("single lane takes the cycle", func(t *testing.T) {
		assert.Equal(t, lane.Durations{60, 6, 6, 6}, n.Allocate(lane.Occupancy{4, 0, 0, 0}))
	})

	t.Run("split by weighted demand", func(t *testing.T) {
		w := NewNormalizedCycle(60, 6, lane.Weights{2, 1, 1, 1})
		// demand 2,1,1,2 of 6
		assert.Equal(t, lane.Durations{20, 10, 10, 20}, w.Allocate(lane.Occupancy{1, 1, 1, 2}))
	})

	t.Run("defaults", func(t *testing.T) {
		d := NewNormalizedCycle(0, -1, lane.Weights{})
		assert.Equal(t, DefaultCycleSeconds, d.CycleSeconds)
		assert.Equal(t, DefaultMinGreenSeconds, d.MinGreenSeconds)
	})
}

func TestNewAllocator(t *testing.T) {
	a, err := NewAllocator(Options{})
	require.NoError(t, err)
	assert.Equal(t, PolicyProportional, a.Policy())

	a, err = NewAllocator(Options{Policy: "normalized", CycleSeconds: 40, MinGreenSeconds: 5})
	require.NoError(t, err)
	require.Equal(t, PolicyNormalized, a.Policy())
	assert.Equal(t, 40, a.(NormalizedCycle).CycleSeconds)

	_, err = NewAllocator(Options{Policy: "round_robin"})
	assert.True(t, errors.Is(err, ErrUnknownPolicy))
}

func TestPlanScenario(t *testing.T) {
	prog := Plan(lane.Occupancy{1, 2, 2, 3}, lane.Weights{1.5, 1, 1.5, 1}, NewProportional(2))
	want := lane.Program{
		Order:     lane.Order{2, 3, 1, 0},
		Durations: lane.Durations{2, 4, 4, 6},
	}
	if diff := cmp.Diff(want, prog); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}
}
