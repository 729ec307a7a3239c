package query

import "errors"

// ErrCancelled is returned when a caller's context is cancelled between
// query stages; cancellation is only ever checked at a stage boundary,
// never mid-fetch, so it aborts remaining work rather than in-flight
// work.
var ErrCancelled = errors.New("query: cancelled")

// ErrFetchFailed marks a failure of the whole requested
// fetch_trajectory_samples call.
var ErrFetchFailed = errors.New("query: fetch failed")

// ErrContractViolation marks a caller-supplied precondition violation:
// r_in > r_out, a negative radius, or an inverted time range.
var ErrContractViolation = errors.New("query: contract violation")
