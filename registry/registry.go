// Package registry implements the process-local map of loaded Index
// Records, keyed by (cell_size, time_step) and guarded by a single
// sync.RWMutex, with synchronous and asynchronous load/build helpers
// layered on top.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/opentraj/trajhash/builder"
	"github.com/opentraj/trajhash/query"
	"github.com/opentraj/trajhash/shardstore"
	"github.com/opentraj/trajhash/tshindex"
)

// cellSizeTolerance is the quantum for comparing cell sizes: a cell size
// is rounded to the nearest multiple of it, and two sizes are equal when
// they round to the same multiple. Two sizes less than 1e-3 apart that
// round to different multiples (10.0004 and 10.0006) are distinct keys.
const cellSizeTolerance = 1e-3

type registryKey struct {
	cellSizeQ int64
	timeStep  uint32
}

func quantizeCellSize(cellSize float32) int64 {
	return int64(math.Round(float64(cellSize) / cellSizeTolerance))
}

type loadedRecord struct {
	db    *tshindex.DB
	close func() error
}

// MemoryStats reports resident memory for currently loaded Records.
// Ids are never resident (they are read on demand from disk), so this
// counts only header and entry-directory bytes.
type MemoryStats struct {
	LoadedRecords int
	ResidentBytes int64
}

// Registry is a process-local map of loaded Index Records keyed by
// (cell_size, time_step), with tolerant cell-size comparison.
type Registry struct {
	mu      sync.RWMutex
	records map[registryKey]*loadedRecord

	isBuilding atomic.Bool

	logger      *slog.Logger
	dataset     shardstore.Dataset
	builderOpts []builder.Option
	queryOpts   []query.Option
	engine      *query.Engine
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	registerMetrics()

	r := &Registry{
		records: make(map[registryKey]*loadedRecord),
		logger:  defaultLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.engine = query.NewEngine(r, r.dataset, r.queryOpts...)
	return r
}

// Get implements query.IndexSource.
func (r *Registry) Get(cellSize float32, t uint32) (*tshindex.DB, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[registryKey{quantizeCellSize(cellSize), t}]
	if !ok {
		return nil, false
	}
	return rec.db, true
}

// IsLoaded reports whether a Record for (cell_size, time_step) is
// currently loaded.
func (r *Registry) IsLoaded(cellSize float32, t uint32) bool {
	_, ok := r.Get(cellSize, t)
	return ok
}

// loadOne opens a single Record from dir if not already loaded. It
// returns a wrapped fs.ErrNotExist when the file is simply absent, so
// Load can distinguish "missing" from a real I/O failure.
func (r *Registry) loadOne(dir string, cellSize float32, t uint32) error {
	key := registryKey{quantizeCellSize(cellSize), t}

	r.mu.RLock()
	_, alreadyLoaded := r.records[key]
	r.mu.RUnlock()
	if alreadyLoaded {
		return nil
	}

	path := tshindex.IndexPath(dir, cellSize, t)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("registry: %s: %w", path, fs.ErrNotExist)
		}
		return fmt.Errorf("registry: stat %s: %w", path, err)
	}

	db, closeFn, err := tshindex.OpenFile(path)
	if err != nil {
		return fmt.Errorf("registry: opening %s: %w", path, err)
	}

	r.mu.Lock()
	r.records[key] = &loadedRecord{db: db, close: closeFn}
	r.mu.Unlock()
	return nil
}

// Load opens every missing Record in [t_lo, t_hi] via the codec; if
// auto_create is set and files are missing, it synchronously invokes
// the Builder for exactly the missing time steps, then opens them.
func (r *Registry) Load(dir string, cellSize float32, tLo, tHi uint32, autoCreate bool) (int, error) {
	loaded := 0
	var missing []uint32

	for t := tLo; t <= tHi; t++ {
		err := r.loadOne(dir, cellSize, t)
		switch {
		case err == nil:
			loaded++
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, t)
		default:
			return loaded, err
		}
	}
	if len(missing) == 0 {
		return loaded, nil
	}
	if !autoCreate {
		return loaded, fmt.Errorf("%w: %d time steps missing in [%d, %d]", ErrNotFound, len(missing), tLo, tHi)
	}
	if r.dataset == nil {
		return loaded, ErrDatasetUnconfigured
	}

	for _, run := range contiguousRuns(missing) {
		lo, hi := run[0], run[1]
		b, err := builder.New(dir, cellSize, append(append([]builder.Option{}, r.builderOpts...), builder.WithTimeStepRange(lo, hi))...)
		if err != nil {
			return loaded, fmt.Errorf("registry: configuring auto_create builder: %w", err)
		}
		if _, err := b.Build(context.Background(), r.dataset); err != nil {
			return loaded, fmt.Errorf("registry: auto_create build: %w", err)
		}

		for t := lo; t <= hi; t++ {
			if err := r.loadOne(dir, cellSize, t); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					r.logger.Warn("registry: auto_create did not produce a file for time step", "time_step", t)
					continue
				}
				return loaded, err
			}
			loaded++
		}
	}
	return loaded, nil
}

// contiguousRuns splits a sorted, strictly increasing slice of missing
// time steps into maximal runs of consecutive values, so auto_create
// builds exactly the missing spans and never re-runs the Builder over
// already-present, already-loaded time steps that merely happen to sit
// between two gaps.
func contiguousRuns(missing []uint32) [][2]uint32 {
	if len(missing) == 0 {
		return nil
	}
	var runs [][2]uint32
	runStart := missing[0]
	prev := missing[0]
	for _, t := range missing[1:] {
		if t == prev+1 {
			prev = t
			continue
		}
		runs = append(runs, [2]uint32{runStart, prev})
		runStart = t
		prev = t
	}
	runs = append(runs, [2]uint32{runStart, prev})
	return runs
}

// Unload releases every loaded Record for a cell size.
func (r *Registry) Unload(cellSize float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := quantizeCellSize(cellSize)
	n := 0
	for key, rec := range r.records {
		if key.cellSizeQ != q {
			continue
		}
		if err := rec.close(); err != nil {
			r.logger.Warn("registry: closing index file on unload", "error", err)
		}
		delete(r.records, key)
		n++
	}
	return n
}

// UnloadAll releases every loaded Record.
func (r *Registry) UnloadAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.records)
	for key, rec := range r.records {
		if err := rec.close(); err != nil {
			r.logger.Warn("registry: closing index file on unload_all", "error", err)
		}
		delete(r.records, key)
	}
	return n
}

// MemoryStats sums resident bytes across every loaded Record.
func (r *Registry) MemoryStats() MemoryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats MemoryStats
	byCellSize := make(map[int64]int64)
	countByCellSize := make(map[int64]int)
	for key, rec := range r.records {
		stats.LoadedRecords++
		bytes := rec.db.MemoryBytes()
		stats.ResidentBytes += bytes
		byCellSize[key.cellSizeQ] += bytes
		countByCellSize[key.cellSizeQ]++
	}
	for q, bytes := range byCellSize {
		label := fmt.Sprintf("%g", float64(q)*cellSizeTolerance)
		humanBytes := reportMemory(label, countByCellSize[q], bytes)
		r.logger.Debug("registry: memory stats", "cell_size", label, "resident_bytes", humanBytes)
	}
	return stats
}

// IsBuilding reports whether an async build is currently running.
func (r *Registry) IsBuilding() bool {
	return r.isBuilding.Load()
}

// BuildAsync performs Load(dir, cellSize, tLo, tHi, true) off-thread,
// gated by the is_building atomic flag so concurrent build starts are
// rejected with ErrBusy rather than silently interleaved.
func (r *Registry) BuildAsync(dir string, cellSize float32, tLo, tHi uint32, onComplete func(count int, err error)) error {
	if !r.isBuilding.CompareAndSwap(false, true) {
		return ErrBusy
	}
	go func() {
		count, err := r.Load(dir, cellSize, tLo, tHi, true)
		r.isBuilding.Store(false)
		onComplete(count, err)
	}()
	return nil
}

func (r *Registry) requireDataset() error {
	if r.dataset == nil {
		return ErrDatasetUnconfigured
	}
	return nil
}

// QueryRadius answers Family A (point × single time step).
func (r *Registry) QueryRadius(ctx context.Context, center [3]float32, radius float32, cellSize float32, t uint32) (*query.RadiusResult, error) {
	if err := r.requireDataset(); err != nil {
		return nil, err
	}
	return r.engine.Radius(ctx, center, radius, cellSize, t)
}

// QueryDualRadius answers Family A-dual (inner/outer radii).
func (r *Registry) QueryDualRadius(ctx context.Context, center [3]float32, rIn, rOut float32, cellSize float32, t uint32) (*query.DualRadiusResult, error) {
	if err := r.requireDataset(); err != nil {
		return nil, err
	}
	return r.engine.DualRadius(ctx, center, rIn, rOut, cellSize, t)
}

// QueryRadiusRange answers Family B (point × time range).
func (r *Registry) QueryRadiusRange(ctx context.Context, center [3]float32, radius float32, cellSize float32, tLo, tHi uint32) (*query.RadiusRangeResult, error) {
	if err := r.requireDataset(); err != nil {
		return nil, err
	}
	return r.engine.RadiusRange(ctx, center, radius, cellSize, tLo, tHi)
}

// QueryTrajectoryRange answers Family C (trajectory × time range).
func (r *Registry) QueryTrajectoryRange(ctx context.Context, queryTrajID uint32, radius float32, cellSize float32, tLo, tHi uint32) (*query.TrajectoryRangeResult, error) {
	if err := r.requireDataset(); err != nil {
		return nil, err
	}
	return r.engine.TrajectoryRange(ctx, queryTrajID, radius, cellSize, tLo, tHi)
}
