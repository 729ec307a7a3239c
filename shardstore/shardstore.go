// Package shardstore defines the pull interface the core consumes from
// an external trajectory sample store (the "Shard Reader" contract),
// and ships one concrete reference implementation, DirDataset, over a
// simple shard file format so the rest of the module is testable
// end-to-end without a real external store. The true shard format is
// opaque to the core; DirDataset is a stand-in, not part of the
// contract, the same role a concrete reader plays relative to the
// abstract store interface its consumers are written against.
package shardstore

import (
	"context"
	"math"
)

// Sample is one raw reading pulled from a shard: a trajectory's
// position at a time step. A sample with any NaN component is invalid
// and must never reach a caller of IterSamples or
// FetchTrajectorySamples; implementations filter it at the source.
type Sample struct {
	TrajectoryID uint32
	TimeStep     uint32
	Position     [3]float32
}

// IsValid reports whether s has no NaN component.
func (s Sample) IsValid() bool {
	return !math.IsNaN(float64(s.Position[0])) &&
		!math.IsNaN(float64(s.Position[1])) &&
		!math.IsNaN(float64(s.Position[2]))
}

// TimeSample is one trajectory's position at a single time step,
// returned as part of a FetchTrajectorySamples result.
type TimeSample struct {
	TimeStep uint32
	Position [3]float32
}

// ShardID identifies one shard within a Dataset. Its only contract is
// that a Dataset can resolve it back to a time-step range and a sample
// stream; callers must not assume any structure beyond that.
type ShardID string

// Dataset is the contract consumed from the external trajectory sample
// store, exactly as specified: enumerate shards (already sorted by the
// time-step number parsed from their name), read one shard's time-step
// range, stream one shard's samples, and do random-access fetches of a
// set of trajectories over a time range.
type Dataset interface {
	// Shards returns every shard in disk/enumeration order, sorted by
	// the time-step range parsed from each shard's name so callers
	// never need to open a shard just to order it.
	Shards() []ShardID

	// ShardTimeRange returns the inclusive time-step interval a shard
	// covers.
	ShardTimeRange(shard ShardID) (tLo, tHi uint32, err error)

	// IterSamples streams every valid (non-NaN) sample in a shard to
	// yield, in no particular order. It returns the number of samples
	// skipped for having a NaN component, so callers can report it
	// without a second pass. yield returning an error stops iteration
	// and IterSamples returns that error.
	IterSamples(ctx context.Context, shard ShardID, yield func(Sample) error) (skipped int, err error)

	// FetchTrajectorySamples resolves a set of trajectory ids to their
	// valid samples within [tLo, tHi], keyed by trajectory id. A
	// trajectory with no valid samples in range is simply absent from
	// the result, not an error.
	FetchTrajectorySamples(ctx context.Context, trajectoryIDs []uint32, tLo, tHi uint32) (map[uint32][]TimeSample, error)

	// TimeStepRange reports the global minimum and maximum time step
	// present anywhere in the dataset.
	TimeStepRange() (tLo, tHi uint32, err error)
}
