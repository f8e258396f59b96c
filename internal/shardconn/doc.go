// Package shardconn implements the shard connection factory: it turns a shard id and a requested isolation level into a session capable
// of executing statements, committing, and rolling back against exactly one
// backend.
//
// # Overview
//
// Every other component in the coordinator talks to a shard only through the
// Session interface returned by a Factory. This keeps the locking, recovery,
// write, and read-reconstruction logic free of any knowledge of the
// underlying driver.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│                Factory                    │
//	│   shard id ──▶ *sql.DB pool (per shard)   │
//	└──────────────────────────────────────────┘
//	                     │ Open(ctx, id, isolation)
//	                     ▼
//	┌──────────────────────────────────────────┐
//	│                Session                    │
//	│   one dedicated *sql.Conn, one *sql.Tx    │
//	│   opened lazily on first Execute/Query    │
//	└──────────────────────────────────────────┘
//
// # Concurrency
//
// A Session is not safe for concurrent use: callers own it for the lifetime
// of one logical operation (a lock acquisition attempt, a write transaction,
// a read). The Factory itself is safe for concurrent Open calls; the
// underlying *sql.DB pools handle their own internal locking.
package shardconn
