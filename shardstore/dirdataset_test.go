package shardstore

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, WriteShard(filepath.Join(dir, "shard_0_1.bin"), []Sample{
		{TrajectoryID: 1, TimeStep: 0, Position: [3]float32{1, 2, 3}},
		{TrajectoryID: 2, TimeStep: 0, Position: [3]float32{4, 5, 6}},
		{TrajectoryID: 1, TimeStep: 1, Position: [3]float32{1.1, 2.1, 3.1}},
		{TrajectoryID: 3, TimeStep: 1, Position: [3]float32{float32(math.NaN()), 0, 0}},
	}))
	require.NoError(t, WriteShard(filepath.Join(dir, "shard_2_3.bin"), []Sample{
		{TrajectoryID: 2, TimeStep: 2, Position: [3]float32{7, 8, 9}},
		{TrajectoryID: 4, TimeStep: 3, Position: [3]float32{0, 0, 0}},
	}))
}

func TestDirDataset_ShardsSortedByTimeRange(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)

	ds, err := OpenDir(dir)
	require.NoError(t, err)
	require.Equal(t, []ShardID{"shard_0_1.bin", "shard_2_3.bin"}, ds.Shards())

	tLo, tHi, err := ds.TimeStepRange()
	require.NoError(t, err)
	require.EqualValues(t, 0, tLo)
	require.EqualValues(t, 3, tHi)
}

func TestDirDataset_IterSamples_FiltersNaN(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	ds, err := OpenDir(dir)
	require.NoError(t, err)

	var got []Sample
	skipped, err := ds.IterSamples(context.Background(), "shard_0_1.bin", func(s Sample) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, skipped)
	require.Len(t, got, 3)
}

func TestDirDataset_FetchTrajectorySamples(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	ds, err := OpenDir(dir)
	require.NoError(t, err)

	out, err := ds.FetchTrajectorySamples(context.Background(), []uint32{1, 2}, 0, 2)
	require.NoError(t, err)

	require.Len(t, out[1], 2)
	require.Len(t, out[2], 2)
	require.NotContains(t, out, uint32(3))
	require.NotContains(t, out, uint32(4))
}

func TestDirDataset_ShardTimeRange_NotFound(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir)
	ds, err := OpenDir(dir)
	require.NoError(t, err)

	_, _, err = ds.ShardTimeRange("nope.bin")
	require.ErrorIs(t, err, ErrShardNotFound)
}
