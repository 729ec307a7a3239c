package query

import (
	"context"
	"fmt"
)

// DualRadiusResult is the outcome of a Family A-dual query. Inner and
// OuterOnly are disjoint (invariant 7): a trajectory with a sample
// satisfying both bands appears in Inner only.
type DualRadiusResult struct {
	Inner            []RadiusMatch
	OuterOnly        []RadiusMatch
	SkippedTimeSteps int
}

// DualRadius answers Family A-dual: inner/outer radii, precondition
// 0 <= r_in <= r_out.
func (e *Engine) DualRadius(ctx context.Context, center [3]float32, rIn, rOut float32, cellSize float32, t uint32) (*DualRadiusResult, error) {
	if rIn < 0 || rIn > rOut {
		return nil, fmt.Errorf("%w: require 0 <= r_in <= r_out, got r_in=%v r_out=%v", ErrContractViolation, rIn, rOut)
	}

	result := &DualRadiusResult{}

	ids, ok := e.gatherAt(cellSize, t, center, rOut)
	if !ok {
		result.SkippedTimeSteps++
		return result, nil
	}
	if len(ids) == 0 {
		return result, nil
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	samples, err := e.dataset.FetchTrajectorySamples(ctx, ids, t, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	for _, id := range ids {
		for _, s := range samples[id] {
			if s.TimeStep != t {
				continue
			}
			d := distance(s.Position, center)
			match := RadiusMatch{TrajectoryID: id, Position: s.Position}
			switch {
			case d <= float64(rIn):
				result.Inner = append(result.Inner, match)
			case d <= float64(rOut):
				result.OuterOnly = append(result.OuterOnly, match)
			}
		}
	}
	return result, nil
}

// DualRadiusAsync is the async variant of DualRadius.
func (e *Engine) DualRadiusAsync(ctx context.Context, center [3]float32, rIn, rOut float32, cellSize float32, t uint32, onComplete func(*DualRadiusResult, error)) {
	runAsync(ctx, func(ctx context.Context) (*DualRadiusResult, error) {
		return e.DualRadius(ctx, center, rIn, rOut, cellSize, t)
	}, onComplete)
}
