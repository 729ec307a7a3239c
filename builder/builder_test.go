package builder

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opentraj/trajhash/shardstore"
	"github.com/opentraj/trajhash/tshindex"
)

func writeFixtureDataset(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, shardstore.WriteShard(filepath.Join(dir, "shard_0_1.bin"), []shardstore.Sample{
		{TrajectoryID: 1, TimeStep: 0, Position: [3]float32{5, 5, 5}},
		{TrajectoryID: 2, TimeStep: 0, Position: [3]float32{15, 25, 35}},
		{TrajectoryID: 1, TimeStep: 1, Position: [3]float32{6, 6, 6}},
		{TrajectoryID: 3, TimeStep: 1, Position: [3]float32{20, 20, 20}},
	}))
	require.NoError(t, shardstore.WriteShard(filepath.Join(dir, "shard_2_3.bin"), []shardstore.Sample{
		{TrajectoryID: 2, TimeStep: 2, Position: [3]float32{1, 1, 1}},
		{TrajectoryID: 1, TimeStep: 3, Position: [3]float32{2, 2, 2}},
	}))
}

// Builder batching: 4 time steps across 2 shards produce 4 files.
func TestBuilder_BatchedOutput(t *testing.T) {
	datasetDir := t.TempDir()
	outputDir := t.TempDir()
	writeFixtureDataset(t, datasetDir)

	ds, err := shardstore.OpenDir(datasetDir)
	require.NoError(t, err)

	b, err := New(outputDir, 10, WithExplicitBBox([3]float32{0, 0, 0}, [3]float32{100, 100, 100}), WithWorkers(2), WithBatchShards(1))
	require.NoError(t, err)

	summary, err := b.Build(context.Background(), ds)
	require.NoError(t, err)
	require.Equal(t, 4, summary.TimeStepsBuilt)
	require.EqualValues(t, 6, summary.SamplesRead)

	for t32 := uint32(0); t32 <= 3; t32++ {
		path := tshindex.IndexPath(outputDir, 10, t32)
		db, closeFn, err := tshindex.OpenFile(path)
		require.NoError(t, err)
		require.NotNil(t, db)
		require.NoError(t, closeFn())
	}
}

func TestBuilder_AutoBBox(t *testing.T) {
	datasetDir := t.TempDir()
	outputDir := t.TempDir()
	writeFixtureDataset(t, datasetDir)

	ds, err := shardstore.OpenDir(datasetDir)
	require.NoError(t, err)

	b, err := New(outputDir, 10, WithBBoxMargin(1))
	require.NoError(t, err)

	summary, err := b.Build(context.Background(), ds)
	require.NoError(t, err)
	require.Equal(t, [3]float32{0, 0, 0}, summary.BBoxMin)
	require.Equal(t, [3]float32{21, 26, 36}, summary.BBoxMax)
}

func TestBuilder_OutOfBoundsSampleSkippedAndCounted(t *testing.T) {
	datasetDir := t.TempDir()
	outputDir := t.TempDir()
	require.NoError(t, shardstore.WriteShard(filepath.Join(datasetDir, "shard_0_0.bin"), []shardstore.Sample{
		{TrajectoryID: 1, TimeStep: 0, Position: [3]float32{5, 5, 5}},
		{TrajectoryID: 2, TimeStep: 0, Position: [3]float32{-50, -50, -50}},
	}))
	ds, err := shardstore.OpenDir(datasetDir)
	require.NoError(t, err)

	b, err := New(outputDir, 10, WithExplicitBBox([3]float32{0, 0, 0}, [3]float32{100, 100, 100}))
	require.NoError(t, err)

	summary, err := b.Build(context.Background(), ds)
	require.NoError(t, err)
	require.EqualValues(t, 2, summary.SamplesRead)
	require.EqualValues(t, 1, summary.SamplesSkippedOutOfBounds)

	db, closeFn, err := tshindex.OpenFile(tshindex.IndexPath(outputDir, 10, 0))
	require.NoError(t, err)
	defer closeFn()
	require.EqualValues(t, 1, db.Header.NIDs)
}

func TestBuilder_RejectsNonPositiveCellSize(t *testing.T) {
	_, err := New(t.TempDir(), 0)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuilder_RejectsInvertedExplicitBBox(t *testing.T) {
	_, err := New(t.TempDir(), 1, WithExplicitBBox([3]float32{10, 0, 0}, [3]float32{0, 0, 0}))
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuilder_DuplicateTrajectoryKeepsLastOccurrence(t *testing.T) {
	datasetDir := t.TempDir()
	outputDir := t.TempDir()
	require.NoError(t, shardstore.WriteShard(filepath.Join(datasetDir, "shard_0_0.bin"), []shardstore.Sample{
		{TrajectoryID: 1, TimeStep: 0, Position: [3]float32{1, 1, 1}},
		{TrajectoryID: 1, TimeStep: 0, Position: [3]float32{50, 50, 50}},
	}))
	ds, err := shardstore.OpenDir(datasetDir)
	require.NoError(t, err)

	b, err := New(outputDir, 10, WithExplicitBBox([3]float32{0, 0, 0}, [3]float32{100, 100, 100}))
	require.NoError(t, err)

	summary, err := b.Build(context.Background(), ds)
	require.NoError(t, err)
	require.EqualValues(t, 1, summary.DuplicateWarnings)

	db, closeFn, err := tshindex.OpenFile(tshindex.IndexPath(outputDir, 10, 0))
	require.NoError(t, err)
	defer closeFn()
	require.EqualValues(t, 1, db.Header.NIDs)
}
