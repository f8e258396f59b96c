// Package recovery implements the recovery log store and the
// checkpoint-driven replay engine: a durable, deduplicated queue of
// replication failures and the process-exclusive scanner that drains it.
//
// # Overview
//
// When the write/replicate pipeline (internal/writer) cannot replicate a
// committed statement to a secondary shard, it calls LogBackup here instead
// of failing the write. The entry sits PENDING until a Drain pass succeeds
// in re-executing it, at which point the per-shard checkpoint watermark
// advances past it.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│                  LogStore                     │
//	│  recovery_log rows, one per failed replication │
//	│  deduplicated by sha256(target|source|sql|day) │
//	└─────────────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────────────┐
//	│                    Engine                     │
//	│  node_id=0 mutex row ── exclusive drain access  │
//	│  per-shard checkpoints ── consecutive watermark │
//	└─────────────────────────────────────────────┘
//
// # Consecutive-success watermark
//
// A drain pass never advances a shard's checkpoint past the first gap: if
// log ids 5, 6, 7, 8 are pending and 5, 6 and 8 replay successfully but 7
// fails, the watermark advances to 6 and 8 stays PENDING, to be replayed
// again next cycle even though it individually succeeded. This guarantees
// no entry is ever skipped, at the cost of re-executing entries that
// already succeeded once they sit past a gap.
package recovery
