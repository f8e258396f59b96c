package fakeshard

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/txnerr"
)

type lockRow struct {
	holder   string
	lockTime time.Time
}

type logRow struct {
	logID        int64
	targetShard  int
	sourceShard  int
	sqlStatement string
	hash         string
	status       string
	retryCount   int
	errMessage   string
}

type shardState struct {
	locks       map[string]lockRow
	log         []logRow
	nextLogID   int64
	checkpoints map[int]int64
	mutexHeld   string // token currently holding node_id=0, "" if unlocked
	mutexBeat   time.Time
	trans       map[int64]map[string]any
}

func newShardState() *shardState {
	return &shardState{
		locks:       make(map[string]lockRow),
		checkpoints: make(map[int]int64),
		trans:       make(map[int64]map[string]any),
	}
}

// Factory is an in-memory shardconn.Factory over a fixed set of shard ids.
// Every shard starts reachable; tests flip reachability with SetDown/SetUp.
type Factory struct {
	mu      sync.Mutex
	ids     []int
	central int
	state   map[int]*shardState
	down    map[int]bool
}

// NewFactory builds a Factory for the given shard ids, marking centralID as
// the central shard.
func NewFactory(ids []int, centralID int) *Factory {
	f := &Factory{
		ids:     append([]int(nil), ids...),
		central: centralID,
		state:   make(map[int]*shardState, len(ids)),
		down:    make(map[int]bool, len(ids)),
	}
	for _, id := range ids {
		f.state[id] = newShardState()
	}
	return f
}

// SetDown marks shard unreachable: every future Open fails until SetUp.
func (f *Factory) SetDown(shard int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[shard] = true
}

// SetUp marks shard reachable again.
func (f *Factory) SetUp(shard int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.down, shard)
}

func (f *Factory) Open(ctx context.Context, shardID int, isolation config.Isolation) (shardconn.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[shardID] {
		return nil, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.open", shardID, nil)
	}
	st, ok := f.state[shardID]
	if !ok {
		return nil, txnerr.New(txnerr.KindInvalidShard, "fakeshard.open", shardID, nil)
	}
	return &session{factory: f, shardID: shardID, state: st}, nil
}

func (f *Factory) ShardIDs() []int {
	out := make([]int, len(f.ids))
	copy(out, f.ids)
	return out
}

func (f *Factory) CentralShardID() int { return f.central }

func (f *Factory) Close() error { return nil }

// TransRow returns a snapshot of a row on shard for test assertions, or nil
// if absent.
func (f *Factory) TransRow(shard int, pk int64) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[shard]
	if !ok {
		return nil
	}
	row, ok := st.trans[pk]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// PendingCount returns the number of PENDING recovery_log rows on shard,
// for test assertions.
func (f *Factory) PendingCount(shard int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state[shard]
	n := 0
	for _, row := range st.log {
		if row.status == "PENDING" {
			n++
		}
	}
	return n
}

// Checkpoint returns the persisted watermark for shard, for test
// assertions.
func (f *Factory) Checkpoint(shard int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[shard].checkpoints[shard]
}
