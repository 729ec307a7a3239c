package shardstore

import "errors"

// ErrNoShards is returned by TimeStepRange when a dataset has no
// shards at all, so there is no well-defined global time-step range.
var ErrNoShards = errors.New("shardstore: dataset has no shards")

// ErrShardNotFound is returned when a ShardID does not belong to the
// Dataset it was passed to.
var ErrShardNotFound = errors.New("shardstore: shard not found")
