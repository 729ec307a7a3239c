package builder

import (
	"log/slog"
	"os"
)

// bboxMode selects how the Builder determines its indexing bounding
// box: auto-detected from the dataset's samples, or explicit.
type bboxMode int

const (
	bboxAuto bboxMode = iota
	bboxExplicit
)

const defaultBBoxMargin float32 = 1.0
const defaultWorkers = 4
const defaultBatchShards = 4

// Option configures a Builder, following the functional-options
// pattern preindex.NewPreIndexWriter uses for its own WriterOption.
type Option func(*Builder)

// WithWorkers bounds the number of time steps built concurrently
// within one shard batch. The default is 4.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithBatchShards sets how many shards are read into memory together
// before their time steps are built and released. The default is 4.
func WithBatchShards(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.batchShards = n
		}
	}
}

// WithLogger overrides the Builder's logger. The default is a text
// logger on stderr at INFO level.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithExplicitBBox switches the Builder to explicit bbox mode with the
// given bounds, skipping the auto-detection pass over the shard
// stream.
func WithExplicitBBox(min, max [3]float32) Option {
	return func(b *Builder) {
		b.bboxMode = bboxExplicit
		b.bboxMin = min
		b.bboxMax = max
	}
}

// WithBBoxMargin sets the margin added on every axis after
// auto-detecting the bounding box. Ignored in explicit bbox mode. The
// default is 1.0.
func WithBBoxMargin(margin float32) Option {
	return func(b *Builder) { b.bboxMargin = margin }
}

// WithTimeStepRange restricts the build to an explicit [lo, hi] range
// instead of deriving it from the dataset's global time-step range.
func WithTimeStepRange(lo, hi uint32) Option {
	return func(b *Builder) {
		b.timeStepLo = &lo
		b.timeStepHi = &hi
	}
}

// WithProgress renders a terminal progress bar over the time-step
// range while building, for interactive/CLI callers driving a large
// build.
func WithProgress(enabled bool) Option {
	return func(b *Builder) { b.progress = enabled }
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
