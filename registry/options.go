package registry

import (
	"log/slog"
	"os"

	"github.com/opentraj/trajhash/builder"
	"github.com/opentraj/trajhash/query"
	"github.com/opentraj/trajhash/shardstore"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the Registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDataset gives the Registry a shardstore.Dataset to build from
// (auto_create, BuildAsync) and to query against (QueryRadius and
// friends). A Registry with no dataset can still load/unload
// already-built files, it just cannot auto-create or answer queries.
func WithDataset(ds shardstore.Dataset) Option {
	return func(r *Registry) { r.dataset = ds }
}

// WithBuilderOptions passes additional options through to every
// Builder the Registry constructs internally for auto_create.
func WithBuilderOptions(opts ...builder.Option) Option {
	return func(r *Registry) { r.builderOpts = append(r.builderOpts, opts...) }
}

// WithQueryOptions passes additional options through to the Registry's
// internal query.Engine.
func WithQueryOptions(opts ...query.Option) Option {
	return func(r *Registry) { r.queryOpts = append(r.queryOpts, opts...) }
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
