package db

import (
	"context"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/junction/internal/lane"
)

// LaneSummary describes one lane over a window of recent cycles.
type LaneSummary struct {
	Lane          int     `json:"lane"`
	MeanOccupancy float64 `json:"mean_occupancy"`
	StdOccupancy  float64 `json:"std_occupancy"`
	MaxOccupancy  float64 `json:"max_occupancy"`
	MeanGreen     float64 `json:"mean_green_seconds"`
	StdGreen      float64 `json:"std_green_seconds"`
	PresenceRate  float64 `json:"presence_rate"`
	// FirstRate is the share of cycles in which this lane went first.
	FirstRate float64 `json:"first_rate"`
}

// Stats summarises a window of recent cycles.
type Stats struct {
	Cycles        int                     `json:"cycles"`
	Degraded      int                     `json:"degraded"`
	WriteFailures int                     `json:"write_failures"`
	MeanCycle     float64                 `json:"mean_cycle_seconds"`
	Lanes         [lane.Count]LaneSummary `json:"lanes"`
}

// LaneStats summarises the most recent limit cycles.
func (db *DB) LaneStats(ctx context.Context, limit int) (Stats, error) {
	recs, err := db.RecentCycles(ctx, limit)
	if err != nil {
		return Stats{}, err
	}
	return Summarise(recs), nil
}

// Summarise computes Stats over recs. Standard deviations are zero for
// fewer than two cycles.
func Summarise(recs []CycleRecord) Stats {
	var s Stats
	for i := range s.Lanes {
		s.Lanes[i].Lane = i + 1
	}
	s.Cycles = len(recs)
	if s.Cycles == 0 {
		return s
	}

	var occ, green [lane.Count][]float64
	var present, first [lane.Count]int
	cycleLen := make([]float64, 0, len(recs))
	for _, r := range recs {
		if r.Degraded {
			s.Degraded++
		}
		if r.WriteError != "" {
			s.WriteFailures++
		}
		cycleLen = append(cycleLen, float64(r.Program.Durations.Total()))
		first[r.Program.Order[0]]++
		for i := 0; i < lane.Count; i++ {
			occ[i] = append(occ[i], float64(r.Occupancy[i]))
			green[i] = append(green[i], float64(r.Program.Durations[i]))
			if r.Presence[i] {
				present[i]++
			}
		}
	}

	n := float64(s.Cycles)
	s.MeanCycle = stat.Mean(cycleLen, nil)
	for i := range s.Lanes {
		l := &s.Lanes[i]
		l.MeanOccupancy, l.StdOccupancy = meanStd(occ[i])
		l.MaxOccupancy = floats.Max(occ[i])
		l.MeanGreen, l.StdGreen = meanStd(green[i])
		l.PresenceRate = float64(present[i]) / n
		l.FirstRate = float64(first[i]) / n
	}
	return s
}

func meanStd(x []float64) (mean, std float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}
