package registry

import "errors"

// ErrNotFound marks a missing Index Record that auto_create was not
// asked to build. Time steps that an auto_create build does not produce
// are logged and skipped, not reported with this error.
var ErrNotFound = errors.New("registry: index record not found")

// ErrBusy is returned by BuildAsync when a build is already in
// progress; only one build may run at a time.
var ErrBusy = errors.New("registry: build already in progress")

// ErrDatasetUnconfigured is returned when auto_create or BuildAsync is
// requested but the Registry was not given a shardstore.Dataset to
// build from.
var ErrDatasetUnconfigured = errors.New("registry: auto_create requires a configured dataset")
