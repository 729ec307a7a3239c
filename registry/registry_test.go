package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opentraj/trajhash/builder"
	"github.com/opentraj/trajhash/shardstore"
	"github.com/opentraj/trajhash/tshindex"
)

func writeIndexFile(t *testing.T, dir string, cellSize float32, ts uint32) {
	t.Helper()
	rec := tshindex.BuildFromSamples(ts, cellSize, [3]float32{0, 0, 0}, [3]float32{100, 100, 100},
		map[uint64][]uint32{0: {ts + 1}})
	path := tshindex.IndexPath(dir, cellSize, ts)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, tshindex.Write(f, rec))
}

func TestRegistry_LoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeIndexFile(t, dir, 10, 0)
	writeIndexFile(t, dir, 10, 1)

	r := New()
	loaded, err := r.Load(dir, 10, 0, 1, false)
	require.NoError(t, err)
	require.Equal(t, 2, loaded)

	require.True(t, r.IsLoaded(10, 0))
	require.True(t, r.IsLoaded(10.0003, 0)) // within 1e-3 tolerance
	require.False(t, r.IsLoaded(10, 5))

	db, ok := r.Get(10, 1)
	require.True(t, ok)
	require.EqualValues(t, 1, db.Header.TimeStep)
}

func TestRegistry_Load_MissingWithoutAutoCreate(t *testing.T) {
	dir := t.TempDir()
	r := New()
	_, err := r.Load(dir, 10, 0, 2, false)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Load_AutoCreateSkipsNonContiguousGap(t *testing.T) {
	outputDir := t.TempDir()
	datasetDir := t.TempDir()

	// Dataset covers the whole range; real samples would produce ids
	// t+100 at z-key 1 (cell {1,0,0}), letting the test tell a
	// freshly-built file apart from a hand-written one.
	var samples []shardstore.Sample
	for t32 := uint32(0); t32 <= 5; t32++ {
		samples = append(samples, shardstore.Sample{TrajectoryID: t32 + 100, TimeStep: t32, Position: [3]float32{15, 5, 5}})
	}
	require.NoError(t, shardstore.WriteShard(filepath.Join(datasetDir, "shard_0_5.bin"), samples))
	ds, err := shardstore.OpenDir(datasetDir)
	require.NoError(t, err)

	// Time steps 2 and 3 are already present, with a hand-written
	// marker id (ts+1 at z-key 0) that real dataset samples would never
	// produce. This leaves two separate missing runs: [0,1] and [4,5].
	writeIndexFile(t, outputDir, 10, 2)
	writeIndexFile(t, outputDir, 10, 3)

	r := New(WithDataset(ds), WithBuilderOptions(builder.WithExplicitBBox([3]float32{0, 0, 0}, [3]float32{100, 100, 100})))
	loaded, err := r.Load(outputDir, 10, 0, 5, true)
	require.NoError(t, err)
	require.Equal(t, 6, loaded)

	for _, ts := range []uint32{0, 1, 4, 5} {
		db, ok := r.Get(10, ts)
		require.True(t, ok)
		entry, ok := db.Lookup(1)
		require.True(t, ok)
		ids, err := db.ReadIDs(entry)
		require.NoError(t, err)
		require.Equal(t, []uint32{ts + 100}, ids)
	}

	for _, ts := range []uint32{2, 3} {
		db, ok := r.Get(10, ts)
		require.True(t, ok)
		entry, ok := db.Lookup(0)
		require.True(t, ok)
		ids, err := db.ReadIDs(entry)
		require.NoError(t, err)
		require.Equal(t, []uint32{ts + 1}, ids, "pre-existing index for time step %d must not be rebuilt by auto_create", ts)
	}
}

func TestRegistry_Unload(t *testing.T) {
	dir := t.TempDir()
	writeIndexFile(t, dir, 10, 0)
	writeIndexFile(t, dir, 20, 0)

	r := New()
	_, err := r.Load(dir, 10, 0, 0, false)
	require.NoError(t, err)
	_, err = r.Load(dir, 20, 0, 0, false)
	require.NoError(t, err)

	n := r.Unload(10)
	require.Equal(t, 1, n)
	require.False(t, r.IsLoaded(10, 0))
	require.True(t, r.IsLoaded(20, 0))

	n = r.UnloadAll()
	require.Equal(t, 1, n)
	require.False(t, r.IsLoaded(20, 0))
}

func TestRegistry_MemoryStats(t *testing.T) {
	dir := t.TempDir()
	writeIndexFile(t, dir, 10, 0)
	writeIndexFile(t, dir, 10, 1)

	r := New()
	_, err := r.Load(dir, 10, 0, 1, false)
	require.NoError(t, err)

	stats := r.MemoryStats()
	require.Equal(t, 2, stats.LoadedRecords)
	require.Greater(t, stats.ResidentBytes, int64(0))
}

func TestRegistry_BuildAsync_RejectsConcurrentBuild(t *testing.T) {
	dir := t.TempDir()
	ds := &blockingDataset{release: make(chan struct{})}
	r := New(WithDataset(ds))

	var wg sync.WaitGroup
	wg.Add(1)
	err := r.BuildAsync(dir, 10, 0, 0, func(count int, err error) { wg.Done() })
	require.NoError(t, err)
	require.True(t, r.IsBuilding())

	err = r.BuildAsync(dir, 10, 1, 1, func(count int, err error) {})
	require.ErrorIs(t, err, ErrBusy)

	close(ds.release)
	wg.Wait()
	require.False(t, r.IsBuilding())
}

func TestRegistry_QueryRadius_RequiresDataset(t *testing.T) {
	r := New()
	_, err := r.QueryRadius(context.Background(), [3]float32{}, 1, 10, 0)
	require.ErrorIs(t, err, ErrDatasetUnconfigured)
}

// blockingDataset lets a test hold BuildAsync's goroutine open long
// enough to observe IsBuilding() == true before releasing it.
type blockingDataset struct {
	shardstore.Dataset
	release chan struct{}
}

func (b *blockingDataset) Shards() []shardstore.ShardID {
	<-b.release
	return nil
}
