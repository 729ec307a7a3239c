// Package builder implements the batched, parallel, memory-bounded
// conversion of shard samples into on-disk Index Records, one file per
// time step, with a worker-pooled, functional-options-configured
// Builder.
package builder

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/opentraj/trajhash/cellmath"
	"github.com/opentraj/trajhash/continuity"
	"github.com/opentraj/trajhash/shardstore"
	"github.com/opentraj/trajhash/tshindex"
)

// Builder converts a shardstore.Dataset into one Index Record file per
// time step.
type Builder struct {
	outputDir string
	cellSize  float32

	bboxMode   bboxMode
	bboxMin    [3]float32
	bboxMax    [3]float32
	bboxMargin float32

	timeStepLo *uint32
	timeStepHi *uint32

	workers     int
	batchShards int
	logger      *slog.Logger
	progress    bool
}

// Summary tallies everything a no-silent-data-loss error policy
// requires the Builder to report.
type Summary struct {
	TimeStepsBuilt            int
	ShardsRead                int
	SamplesRead               int64
	SamplesSkippedNaN         int64
	SamplesSkippedOutOfBounds int64
	DuplicateWarnings         int64
	BBoxMin, BBoxMax          [3]float32
}

// New constructs a Builder. cellSize must be > 0.
func New(outputDir string, cellSize float32, opts ...Option) (*Builder, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("%w: cell_size must be > 0, got %v", ErrInvalidConfig, cellSize)
	}

	b := &Builder{
		outputDir:   outputDir,
		cellSize:    cellSize,
		bboxMode:    bboxAuto,
		bboxMargin:  defaultBBoxMargin,
		workers:     defaultWorkers,
		batchShards: defaultBatchShards,
		logger:      defaultLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.bboxMargin < 0 {
		return nil, fmt.Errorf("%w: bbox_margin must be >= 0, got %v", ErrInvalidConfig, b.bboxMargin)
	}
	if b.bboxMode == bboxExplicit {
		for axis := 0; axis < 3; axis++ {
			if b.bboxMin[axis] > b.bboxMax[axis] {
				return nil, fmt.Errorf("%w: explicit bbox_min > bbox_max on axis %d", ErrInvalidConfig, axis)
			}
		}
	}
	return b, nil
}

// Build runs the full batched-parallel build over a dataset: an
// optional auto-bbox pass, then shard batches each read, partitioned
// by time step, built concurrently, written atomically, and released
// before the next batch.
func (b *Builder) Build(ctx context.Context, ds shardstore.Dataset) (*Summary, error) {
	summary := &Summary{}

	bboxMin, bboxMax, err := b.resolveBBox(ctx, ds, summary)
	if err != nil {
		return nil, err
	}
	summary.BBoxMin, summary.BBoxMax = bboxMin, bboxMax

	tLo, tHi, err := b.resolveTimeStepRange(ds)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(b.outputDir, tshindex.CellDirName(b.cellSize))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("builder: creating output directory: %w", err)
	}

	var bar *progressbar.ProgressBar
	if b.progress {
		bar = progressbar.Default(int64(tHi-tLo+1), "building index")
	}

	shards := ds.Shards()
	for batchStart := 0; batchStart < len(shards); batchStart += b.batchShards {
		batchEnd := batchStart + b.batchShards
		if batchEnd > len(shards) {
			batchEnd = len(shards)
		}
		batch := shards[batchStart:batchEnd]

		buckets, err := b.readBatch(ctx, ds, batch, tLo, tHi, summary)
		if err != nil {
			return summary, err
		}

		if err := b.buildBatch(ctx, buckets, bboxMin, bboxMax, summary, bar); err != nil {
			return summary, err
		}
		// buckets goes out of scope here; nothing downstream retains it.
	}

	return summary, nil
}

func (b *Builder) resolveBBox(ctx context.Context, ds shardstore.Dataset, summary *Summary) ([3]float32, [3]float32, error) {
	if b.bboxMode == bboxExplicit {
		return b.bboxMin, b.bboxMax, nil
	}

	min := [3]float32{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	max := [3]float32{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	seen := false

	for _, shard := range ds.Shards() {
		_, err := ds.IterSamples(ctx, shard, func(s shardstore.Sample) error {
			seen = true
			for axis := 0; axis < 3; axis++ {
				if s.Position[axis] < min[axis] {
					min[axis] = s.Position[axis]
				}
				if s.Position[axis] > max[axis] {
					max[axis] = s.Position[axis]
				}
			}
			return nil
		})
		if err != nil {
			return [3]float32{}, [3]float32{}, fmt.Errorf("builder: auto-detecting bbox: %w", err)
		}
	}
	if !seen {
		return [3]float32{}, [3]float32{}, fmt.Errorf("%w: dataset has no valid samples to auto-detect a bbox from", ErrInvalidConfig)
	}

	for axis := 0; axis < 3; axis++ {
		min[axis] -= b.bboxMargin
		max[axis] += b.bboxMargin
	}
	b.logger.Info("builder: auto-detected bbox", "bbox_min", min, "bbox_max", max)
	return min, max, nil
}

func (b *Builder) resolveTimeStepRange(ds shardstore.Dataset) (uint32, uint32, error) {
	if b.timeStepLo != nil && b.timeStepHi != nil {
		return *b.timeStepLo, *b.timeStepHi, nil
	}
	tLo, tHi, err := ds.TimeStepRange()
	if err != nil {
		return 0, 0, fmt.Errorf("builder: deriving time_step_range: %w", err)
	}
	return tLo, tHi, nil
}

// readBatch reads every shard in one batch into a per-time-step bucket
// of (trajectory_id, position) pairs, filtering to [tLo, tHi] and
// dropping NaN samples (already filtered by the Dataset, but checked
// again defensively since Dataset is an external contract).
func (b *Builder) readBatch(ctx context.Context, ds shardstore.Dataset, batch []shardstore.ShardID, tLo, tHi uint32, summary *Summary) (map[uint32][]shardstore.Sample, error) {
	buckets := make(map[uint32][]shardstore.Sample)
	for _, shard := range batch {
		skipped, err := ds.IterSamples(ctx, shard, func(s shardstore.Sample) error {
			if s.TimeStep < tLo || s.TimeStep > tHi {
				return nil
			}
			if !s.IsValid() {
				summary.SamplesSkippedNaN++
				return nil
			}
			buckets[s.TimeStep] = append(buckets[s.TimeStep], s)
			summary.SamplesRead++
			return nil
		})
		summary.SamplesSkippedNaN += int64(skipped)
		summary.ShardsRead++
		if err != nil {
			return nil, fmt.Errorf("builder: reading shard %s: %w", shard, err)
		}
	}
	return buckets, nil
}

// buildBatch builds and writes one Index Record per time step present
// in buckets, in parallel bounded by b.workers. The first failing time
// step aborts the group.
func (b *Builder) buildBatch(ctx context.Context, buckets map[uint32][]shardstore.Sample, bboxMin, bboxMax [3]float32, summary *Summary, bar *progressbar.ProgressBar) error {
	timeSteps := make([]uint32, 0, len(buckets))
	for t := range buckets {
		timeSteps = append(timeSteps, t)
	}
	sort.Slice(timeSteps, func(i, j int) bool { return timeSteps[i] < timeSteps[j] })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	var mu sync.Mutex

	for _, t := range timeSteps {
		t := t
		samples := buckets[t]
		g.Go(func() error {
			dupWarnings, outOfBounds, err := b.buildAndWriteOne(gctx, t, samples, bboxMin, bboxMax)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.TimeStepsBuilt++
			summary.DuplicateWarnings += dupWarnings
			summary.SamplesSkippedOutOfBounds += outOfBounds
			mu.Unlock()
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

// buildAndWriteOne builds one time step's Index Record and writes it
// atomically (temp file + rename), via the continuity package's
// step-chaining helper.
func (b *Builder) buildAndWriteOne(ctx context.Context, t uint32, samples []shardstore.Sample, bboxMin, bboxMax [3]float32) (dupWarnings, outOfBounds int64, err error) {
	zKeys := make(map[uint64][]uint32)
	lastSeen := make(map[uint32]bool)

	for _, s := range samples {
		if lastSeen[s.TrajectoryID] {
			dupWarnings++
			b.logger.Warn("builder: duplicate trajectory in time step, keeping last occurrence",
				"trajectory_id", s.TrajectoryID, "time_step", t)
			// Remove the previous occurrence from whichever cell it landed in.
			for k, ids := range zKeys {
				for i, id := range ids {
					if id == s.TrajectoryID {
						zKeys[k] = append(ids[:i], ids[i+1:]...)
						if len(zKeys[k]) == 0 {
							delete(zKeys, k)
						}
						break
					}
				}
			}
		}
		lastSeen[s.TrajectoryID] = true

		cell := cellmath.WorldToCell(s.Position, bboxMin, b.cellSize)
		if !cellmath.InBounds(cell) {
			outOfBounds++
			b.logger.Warn("builder: sample out of bounds, skipping",
				"trajectory_id", s.TrajectoryID, "time_step", t, "position", s.Position)
			continue
		}
		z := cellmath.EncodeZ(cell.X, cell.Y, cell.Z)
		zKeys[z] = append(zKeys[z], s.TrajectoryID)
	}

	record := tshindex.BuildFromSamples(t, b.cellSize, bboxMin, bboxMax, zKeys)
	path := tshindex.IndexPath(b.outputDir, b.cellSize, t)

	if err := writeAtomic(path, record); err != nil {
		return dupWarnings, outOfBounds, err
	}

	workerBucket := xxhash.Sum64(timeStepKey(t)) % uint64(b.workers)
	b.logger.Info("builder: wrote time step index",
		"time_step", t, "entries", len(record.Entries), "ids", record.NumIDs(),
		"worker_bucket", workerBucket, "path", path)

	select {
	case <-ctx.Done():
		return dupWarnings, outOfBounds, ctx.Err()
	default:
		return dupWarnings, outOfBounds, nil
	}
}

// writeAtomic writes a Record to a temp file in the target directory,
// syncs it, and renames it into place, so a crash mid-build never
// leaves a partial valid-looking file in the output directory.
func writeAtomic(path string, record *tshindex.Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tshindex-*.tmp")
	if err != nil {
		return fmt.Errorf("builder: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	chain := continuity.New()
	chain.
		Thenf("write", func() error { return tshindex.Write(tmp, record) }).
		Thenf("sync", tmp.Sync).
		Thenf("close", tmp.Close).
		Thenf("rename", func() error { return os.Rename(tmpPath, path) })

	if err := chain.Err(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("builder: writing %s: %w", path, err)
	}
	return nil
}

func timeStepKey(t uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], t)
	return b[:]
}
