package query

import (
	"context"
	"fmt"

	"github.com/opentraj/trajhash/shardstore"
)

// RadiusRangeResult is the outcome of a Family B query: for every
// trajectory with at least one in-radius sample in range, every
// in-radius sample it has in that range.
type RadiusRangeResult struct {
	Matches          map[uint32][]shardstore.TimeSample
	SkippedTimeSteps int
}

// RadiusRange answers Family B: point × time range. Phase 1 runs per
// time step and unions candidates; Phase 2 fetches the union once for
// the whole range.
func (e *Engine) RadiusRange(ctx context.Context, center [3]float32, radius float32, cellSize float32, tLo, tHi uint32) (*RadiusRangeResult, error) {
	if radius < 0 {
		return nil, fmt.Errorf("%w: radius must be >= 0, got %v", ErrContractViolation, radius)
	}
	if tLo > tHi {
		return nil, fmt.Errorf("%w: t_lo > t_hi", ErrContractViolation)
	}

	result := &RadiusRangeResult{Matches: make(map[uint32][]shardstore.TimeSample)}
	union := make(map[uint32]struct{})

	for t := tLo; t <= tHi; t++ {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		ids, ok := e.gatherAt(cellSize, t, center, radius)
		if !ok {
			result.SkippedTimeSteps++
			continue
		}
		unionIDs(union, ids)
	}

	candidateIDs := idSlice(union)
	if len(candidateIDs) == 0 {
		return result, nil
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	samples, err := e.dataset.FetchTrajectorySamples(ctx, candidateIDs, tLo, tHi)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	for id, ts := range samples {
		var matches []shardstore.TimeSample
		for _, s := range ts {
			if distance(s.Position, center) <= float64(radius) {
				matches = append(matches, s)
			}
		}
		if len(matches) > 0 {
			result.Matches[id] = matches
		}
	}
	return result, nil
}

// RadiusRangeAsync is the async variant of RadiusRange.
func (e *Engine) RadiusRangeAsync(ctx context.Context, center [3]float32, radius float32, cellSize float32, tLo, tHi uint32, onComplete func(*RadiusRangeResult, error)) {
	runAsync(ctx, func(ctx context.Context) (*RadiusRangeResult, error) {
		return e.RadiusRange(ctx, center, radius, cellSize, tLo, tHi)
	}, onComplete)
}
