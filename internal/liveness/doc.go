// Package liveness implements the shard liveness monitor: a
// best-effort, cached up/down view of every shard, refreshed on a
// background interval or on demand.
//
// # Overview
//
// Every other component consults a Monitor's Status snapshot rather than
// probing a shard directly, so a burst of concurrent writes and reads does
// not turn into a burst of health-check connections. The snapshot is
// refreshed at most once per cache_ttl unless the caller forces it.
//
// # Architecture
//
//	┌───────────────────────────────────────────┐
//	│                 Monitor                     │
//	│  background loop: every interval, Ping all  │
//	│  cached snapshot: map[shard]Status          │
//	└───────────────────────────────────────────┘
//	        │ Ping(ctx, shard)          │ Status(ctx, force)
//	        ▼                           ▼
//	  shardconn.Factory.Open      snapshot (copy)
//
// A probe opens a real shard session and runs a trivial query rather than
// polling a separate health endpoint, since there is no per-shard agent
// process to ask.
package liveness
