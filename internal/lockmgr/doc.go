// Package lockmgr implements the distributed lock manager: a
// set of named locks backed by a distributed_lock table replicated, one row
// per locked resource, across every shard.
//
// # Overview
//
// There is no external coordination service. Mutual exclusion for a named
// resource is established by racing to insert a row into each shard's own
// distributed_lock table; whoever's session id ends up as holder_id owns the
// lock on that shard. A multi-shard lock is considered held as soon as any
// one shard grants it — the system favours availability over all-or-nothing
// atomicity across shards, since a stalled inserter waiting on a down shard
// would otherwise block every writer.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                    Manager                     │
//	│  active: map[resource]map[shardID]bool          │
//	│  (per-process, guarded by a mutex)              │
//	└───────────────────────────────────────────────┘
//	                 │ Acquire / Release
//	                 ▼
//	┌───────────────────────────────────────────────┐
//	│                    Backend                      │
//	│  one distributed_lock row per (shard, resource) │
//	└───────────────────────────────────────────────┘
//
// # Concurrency
//
// Manager is safe for concurrent use by multiple goroutines within one
// process; the active-lock set is protected by an internal mutex. The
// Backend itself must tolerate concurrent callers from other processes
// racing on the same row — that race is resolved inside each shard's own
// transaction, not by the Manager.
package lockmgr
