// Package shardkv implements a sharded in-memory key/value store with
// per-key TTL, lazy plus heap-driven expiry, and lock-free metric counters.
// It is the shared-state primitive behind the leader schedule window and the
// pending-transaction store: per-shard RWMutexes keep writers on one key from
// blocking readers of unrelated keys.
package shardkv
