package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/opentraj/trajhash/shardstore"
)

// TrajectoryMatch is one candidate trajectory's engagement with the
// query trajectory: every sample it has between the first and last
// time step at which it was within radius, inclusive.
type TrajectoryMatch struct {
	TrajectoryID  uint32
	Samples       []shardstore.TimeSample
	EnterTimeStep uint32
	ExitTimeStep  uint32
}

// TrajectoryRangeResult is the outcome of a Family C query.
type TrajectoryRangeResult struct {
	Matches          []TrajectoryMatch
	SkippedTimeSteps int
}

// TrajectoryRange answers Family C: trajectory × time range. A
// candidate trajectory enters at the first time step it comes within r
// of the query trajectory and exits at the last; the reported sample
// span covers [enter, exit] inclusive, per invariant 8.
func (e *Engine) TrajectoryRange(ctx context.Context, queryTrajID uint32, radius float32, cellSize float32, tLo, tHi uint32) (*TrajectoryRangeResult, error) {
	if radius < 0 {
		return nil, fmt.Errorf("%w: radius must be >= 0, got %v", ErrContractViolation, radius)
	}
	if tLo > tHi {
		return nil, fmt.Errorf("%w: t_lo > t_hi", ErrContractViolation)
	}

	own, err := e.dataset.FetchTrajectorySamples(ctx, []uint32{queryTrajID}, tLo, tHi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	ownByT := make(map[uint32][3]float32, len(own[queryTrajID]))
	for _, s := range own[queryTrajID] {
		ownByT[s.TimeStep] = s.Position
	}

	ownTimeSteps := make([]uint32, 0, len(ownByT))
	for t := range ownByT {
		ownTimeSteps = append(ownTimeSteps, t)
	}
	sort.Slice(ownTimeSteps, func(i, j int) bool { return ownTimeSteps[i] < ownTimeSteps[j] })

	result := &TrajectoryRangeResult{}
	union := make(map[uint32]struct{})

	for _, t := range ownTimeSteps {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		ids, ok := e.gatherAt(cellSize, t, ownByT[t], radius)
		if !ok {
			result.SkippedTimeSteps++
			continue
		}
		for _, id := range ids {
			if id == queryTrajID {
				continue
			}
			union[id] = struct{}{}
		}
	}

	candidateIDs := idSlice(union)
	if len(candidateIDs) == 0 {
		return result, nil
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	candidateSamples, err := e.dataset.FetchTrajectorySamples(ctx, candidateIDs, tLo, tHi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	for id, samples := range candidateSamples {
		byT := make(map[uint32][3]float32, len(samples))
		for _, s := range samples {
			byT[s.TimeStep] = s.Position
		}

		var enter, exit uint32
		found := false
		for _, t := range ownTimeSteps {
			candPos, ok := byT[t]
			if !ok {
				continue
			}
			if distance(candPos, ownByT[t]) <= float64(radius) {
				if !found {
					enter = t
					found = true
				}
				exit = t
			}
		}
		if !found {
			continue
		}

		var span []shardstore.TimeSample
		for _, s := range samples {
			if s.TimeStep >= enter && s.TimeStep <= exit {
				span = append(span, s)
			}
		}
		sort.Slice(span, func(i, j int) bool { return span[i].TimeStep < span[j].TimeStep })

		result.Matches = append(result.Matches, TrajectoryMatch{
			TrajectoryID:  id,
			Samples:       span,
			EnterTimeStep: enter,
			ExitTimeStep:  exit,
		})
	}
	return result, nil
}

// TrajectoryRangeAsync is the async variant of TrajectoryRange.
func (e *Engine) TrajectoryRangeAsync(ctx context.Context, queryTrajID uint32, radius float32, cellSize float32, tLo, tHi uint32, onComplete func(*TrajectoryRangeResult, error)) {
	runAsync(ctx, func(ctx context.Context) (*TrajectoryRangeResult, error) {
		return e.TrajectoryRange(ctx, queryTrajID, radius, cellSize, tLo, tHi)
	}, onComplete)
}
