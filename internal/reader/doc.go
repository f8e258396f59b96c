// Package reader implements read reconstruction: serving a SELECT
// against whichever shard can authoritatively answer it, without requiring
// the caller to know which shards are currently alive.
//
// # Point-style reads
//
// A read carrying a routing key targets shard_for_key(key) directly. If
// that shard is down, the central shard stands in, since central carries
// every row regardless of partition. If neither is live, the read fails
// unavailable.
//
// # Scan-style reads
//
// A read with no routing key prefers the central shard, which is
// authoritative: every write eventually lands there, so its view needs no
// reconciliation. If central is down, Fetch falls back to querying every
// live partition shard and unions the results, de-duplicating by trans_id
// (first shard consulted wins a collision) and sorting by trans_id before
// applying the caller's row limit.
//
// If central is live but its query itself errors, Fetch propagates that
// error rather than falling back to the partitions: a central failure
// means the authoritative view is unreadable, not merely that central is
// unreachable, and serving a partition-only answer in that case would
// silently understate the result.
//
// # Cache invalidation
//
// Fetch invalidates its result cache before running any query, so a read
// that follows a write from the same caller never serves a cached result
// that predates it. Fetch records each successful result in the cache but
// never serves a read from it, so every call queries the live shards;
// Invalidate clears the cache unconditionally rather than trying to reason
// about which queries a given write could have affected.
package reader
