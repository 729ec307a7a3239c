package query

import (
	"context"
	"log/slog"
	"math"
	"os"

	"github.com/opentraj/trajhash/shardstore"
	"github.com/opentraj/trajhash/tshindex"
)

// IndexSource resolves a loaded Index Record by (cell_size, time_step).
// registry.Registry satisfies this structurally; Engine depends only on
// this narrow interface so that package query never needs to import
// package registry.
type IndexSource interface {
	Get(cellSize float32, timeStep uint32) (*tshindex.DB, bool)
}

// queryState names the stage of the two-phase pipeline a query is in:
// Idle -> Gathering -> Fetching -> Refining -> Complete | Failed. Each
// query call owns its own local queryState. Queries are independent,
// so this is never shared mutable state on Engine.
type queryState int

const (
	stateIdle queryState = iota
	stateGathering
	stateFetching
	stateRefining
	stateComplete
	stateFailed
)

// Engine orchestrates the two-phase queries (candidate gather, then
// distance refine against the trajectory sample store) for all four
// query families.
type Engine struct {
	source  IndexSource
	dataset shardstore.Dataset
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the Engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds a query Engine over an index source and a sample
// store.
func NewEngine(source IndexSource, dataset shardstore.Dataset, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		dataset: dataset,
		logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// checkCancelled implements the "cancellation between stages" rule: it
// is only ever checked at a stage boundary, never mid-fetch.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	return nil
}

func distance(a, b [3]float32) float64 {
	dx := float64(a[0] - b[0])
	dy := float64(a[1] - b[1])
	dz := float64(a[2] - b[2])
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// gatherAt wraps Gather with a non-fatal-miss policy: a missing Index
// Record or a codec read error for one time step contributes zero
// candidates and is reported via the ok=false return, never an error.
// Only fetch_trajectory_samples failures and contract violations abort
// a whole query.
func (e *Engine) gatherAt(cellSize float32, t uint32, center [3]float32, radius float32) (ids []uint32, ok bool) {
	db, found := e.source.Get(cellSize, t)
	if !found {
		e.logger.Warn("query: index not loaded for time step, contributing zero candidates", "cell_size", cellSize, "time_step", t)
		return nil, false
	}
	ids, err := Gather(db, center, radius)
	if err != nil {
		e.logger.Warn("query: candidate gather failed for time step, contributing zero candidates", "cell_size", cellSize, "time_step", t, "error", err)
		return nil, false
	}
	return ids, true
}

// runAsync runs fn on a new goroutine and delivers its result through
// onComplete, a single completion callback.
func runAsync[T any](ctx context.Context, fn func(context.Context) (T, error), onComplete func(T, error)) {
	go func() {
		result, err := fn(ctx)
		onComplete(result, err)
	}()
}

func unionIDs(dst map[uint32]struct{}, ids []uint32) {
	for _, id := range ids {
		dst[id] = struct{}{}
	}
}

func idSlice(set map[uint32]struct{}) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
