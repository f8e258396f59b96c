// Package coordinator wires the transaction coordinator's components into
// one runnable service: shard connections, liveness, distributed
// locking, the recovery log, the checkpoint/replay engine, the
// write/replicate pipeline, read reconstruction, and metrics.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                   Service                      │
//	├───────────────────────────────────────────────┤
//	│  shardconn.Factory  ── one *sql.DB pool/shard  │
//	│  topology.Topology  ── central + even/odd       │
//	│  liveness.Monitor   ── cached up/down per shard │
//	│  lockmgr.Manager    ── distributed_lock rows    │
//	│  recovery.LogStore  ── recovery_log rows        │
//	│  recovery.Engine    ── checkpoint/replay        │
//	│  writer.Pipeline    ── write + replicate        │
//	│  reader.Pipeline    ── point/scan reads         │
//	│  metrics.Registry   ── /metrics                 │
//	└───────────────────────────────────────────────┘
//
// Unlike the cluster this system replaces, a Service owns a fixed,
// config-driven topology rather than a dynamic node registry: the shard
// count and roles (central, even partition, odd partition) never change at
// runtime, so there is no rebalancing, no node registration protocol, and
// no consistent-hash ring. liveness.Monitor and topology.Topology carry the
// health-checking and routing roles, narrowed to this fixed three-shard
// shape.
//
// # Lifecycle
//
// New builds every component but starts nothing. Serve starts the liveness
// monitor's background probe loop and a ticker-driven drain loop, and, if
// the configured metrics address is non-empty, an HTTP server exposing
// /healthz and /metrics. Shutdown stops both loops, releases every lock
// this process holds, and closes the shard connection pools.
package coordinator
