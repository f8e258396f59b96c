// Package topology resolves partition routing for the trans table: which
// shard is central, which two shards are the even/odd partitions, and which
// partition a given partition_key belongs to.
//
// The routing predicate is fixed by the domain (even/odd partition_key
// across exactly two partition shards) rather than computed by a hash, so
// Topology is a small read-only lookup built once from config.Config at
// startup.
package topology

import (
	"fmt"

	"github.com/dreamware/txncoord/internal/config"
)

// Topology is the resolved shard topology: one central shard plus exactly
// two partition shards, one owning even partition_key values and one
// owning odd.
type Topology struct {
	central int
	parity  map[string]int
	parts   []int
}

// New resolves a Topology from cfg, which config.Config.Validate has
// already checked carries exactly one central shard and one shard of each
// parity.
func New(cfg *config.Config) (*Topology, error) {
	t := &Topology{parity: make(map[string]int, 2)}
	for _, s := range cfg.Shards {
		if s.Central {
			t.central = s.ID
			continue
		}
		t.parity[s.Parity] = s.ID
		t.parts = append(t.parts, s.ID)
	}
	if t.central == 0 {
		return nil, fmt.Errorf("topology: no central shard configured")
	}
	if t.parity["even"] == 0 || t.parity["odd"] == 0 {
		return nil, fmt.Errorf("topology: missing even or odd partition shard")
	}
	return t, nil
}

// CentralID returns the id of the central shard.
func (t *Topology) CentralID() int { return t.central }

// PartitionIDs returns the two partition shard ids, in no particular
// order.
func (t *Topology) PartitionIDs() []int {
	return append([]int(nil), t.parts...)
}

// AllShardIDs returns every shard id in the topology: central first, then
// the partitions.
func (t *Topology) AllShardIDs() []int {
	return append([]int{t.central}, t.parts...)
}

// ShardForKey returns the natural partition shard for a given
// partition_key, chosen by parity.
func (t *Topology) ShardForKey(partitionKey int64) int {
	if partitionKey%2 == 0 {
		return t.parity["even"]
	}
	return t.parity["odd"]
}

// IsPartition reports whether shard is one of the two partition shards
// (as opposed to the central shard).
func (t *Topology) IsPartition(shard int) bool {
	for _, p := range t.parts {
		if p == shard {
			return true
		}
	}
	return false
}
