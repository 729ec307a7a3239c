package query

import (
	"context"
	"fmt"
)

// RadiusMatch is one trajectory's single in-radius sample, for Family
// A (point × single time step).
type RadiusMatch struct {
	TrajectoryID uint32
	Position     [3]float32
}

// RadiusResult is the outcome of a Family A query.
type RadiusResult struct {
	Matches          []RadiusMatch
	SkippedTimeSteps int
}

// Radius answers Family A: point × single time step. Every returned
// match satisfies distance(sample, p) <= r.
func (e *Engine) Radius(ctx context.Context, center [3]float32, radius float32, cellSize float32, t uint32) (*RadiusResult, error) {
	if radius < 0 {
		return nil, fmt.Errorf("%w: radius must be >= 0, got %v", ErrContractViolation, radius)
	}

	result := &RadiusResult{}

	ids, ok := e.gatherAt(cellSize, t, center, radius)
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

	e.logger.Debug("query: fetching candidate samples", "state", stateFetching, "candidates", len(ids))
	samples, err := e.dataset.FetchTrajectorySamples(ctx, ids, t, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	e.logger.Debug("query: refining candidates", "state", stateRefining)
	for _, id := range ids {
		for _, s := range samples[id] {
			if s.TimeStep != t {
				continue
			}
			if distance(s.Position, center) <= float64(radius) {
				result.Matches = append(result.Matches, RadiusMatch{TrajectoryID: id, Position: s.Position})
			}
		}
	}
	return result, nil
}

// RadiusAsync is the async variant of Radius, delivering its result
// through a single completion callback.
func (e *Engine) RadiusAsync(ctx context.Context, center [3]float32, radius float32, cellSize float32, t uint32, onComplete func(*RadiusResult, error)) {
	runAsync(ctx, func(ctx context.Context) (*RadiusResult, error) {
		return e.Radius(ctx, center, radius, cellSize, t)
	}, onComplete)
}
