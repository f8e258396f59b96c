package reader

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/fakeshard"
	"github.com/dreamware/txncoord/internal/liveness"
	"github.com/dreamware/txncoord/internal/topology"
)

func testConfig() *config.Config {
	return &config.Config{
		Shards: []config.ShardConfig{
			{ID: 1, Central: true},
			{ID: 2, Parity: "even"},
			{ID: 3, Parity: "odd"},
		},
		Policy: config.Policy{IsolationDefault: config.ReadCommitted},
	}
}

func newTestReader(t *testing.T) (*Pipeline, *fakeshard.Factory) {
	t.Helper()
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	cfg := testConfig()
	topo, err := topology.New(cfg)
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}
	live := liveness.New(factory, time.Second, 0, nil)
	return &Pipeline{
		Factory:  factory,
		Liveness: live,
		Topology: topo,
		Policy:   cfg.Policy,
	}, factory
}

// seedRow inserts a row directly on shard, bypassing the write pipeline,
// so reader tests can set up fixtures without exercising the writer.
func seedRow(t *testing.T, factory *fakeshard.Factory, shard int, transID, partitionKey int64, payload string) {
	t.Helper()
	ctx := context.Background()
	sess, err := factory.Open(ctx, shard, config.ReadCommitted)
	if err != nil {
		t.Fatalf("Open shard %d: %v", shard, err)
	}
	sql := "INSERT INTO trans (trans_id, partition_key, payload) VALUES (" +
		itoa(transID) + ", " + itoa(partitionKey) + ", '" + payload + "')"
	if _, err := sess.Execute(ctx, sql); err != nil {
		t.Fatalf("seed insert shard %d: %v", shard, err)
	}
	if err := sess.Commit(); err != nil {
		t.Fatalf("seed commit shard %d: %v", shard, err)
	}
	sess.Close()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestFetchPointStyleHitsNaturalShard(t *testing.T) {
	p, factory := newTestReader(t)
	seedRow(t, factory, 1, 10, 4, "central-copy")
	seedRow(t, factory, 2, 10, 4, "partition-copy")

	key := int64(4)
	result, err := p.Fetch(context.Background(), "SELECT trans_id, partition_key, payload FROM trans WHERE trans_id = 10", &key, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.ShardsConsulted) != 1 || result.ShardsConsulted[0] != 2 {
		t.Fatalf("expected natural partition shard 2 consulted, got %+v", result.ShardsConsulted)
	}
	if len(result.Rows) != 1 || result.Rows[0]["payload"] != "partition-copy" {
		t.Fatalf("expected partition-copy row, got %+v", result.Rows)
	}
}

func TestFetchPointStyleFallsBackToCentralWhenNaturalDown(t *testing.T) {
	p, factory := newTestReader(t)
	seedRow(t, factory, 1, 11, 6, "central-copy")
	factory.SetDown(2)

	key := int64(6)
	result, err := p.Fetch(context.Background(), "SELECT trans_id, partition_key, payload FROM trans WHERE trans_id = 11", &key, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.ShardsConsulted) != 1 || result.ShardsConsulted[0] != 1 {
		t.Fatalf("expected fallback to central shard 1, got %+v", result.ShardsConsulted)
	}
	if len(result.Rows) != 1 || result.Rows[0]["payload"] != "central-copy" {
		t.Fatalf("expected central-copy row, got %+v", result.Rows)
	}
}

func TestFetchPointStyleUnavailableWhenBothDown(t *testing.T) {
	p, factory := newTestReader(t)
	factory.SetDown(1)
	factory.SetDown(2)

	key := int64(4)
	_, err := p.Fetch(context.Background(), "SELECT trans_id FROM trans WHERE trans_id = 1", &key, 0)
	if err == nil {
		t.Fatal("expected unavailable error when natural shard and central are both down")
	}
}

func TestFetchScanPrefersCentral(t *testing.T) {
	p, factory := newTestReader(t)
	seedRow(t, factory, 1, 1, 4, "a")
	seedRow(t, factory, 1, 2, 5, "b")
	seedRow(t, factory, 2, 1, 4, "stale-partition-copy")

	result, err := p.Fetch(context.Background(), "SELECT trans_id, partition_key, payload FROM trans", nil, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.ShardsConsulted) != 1 || result.ShardsConsulted[0] != 1 {
		t.Fatalf("expected only central consulted, got %+v", result.ShardsConsulted)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows from central, got %d", len(result.Rows))
	}
}

func TestFetchScanUnionsPartitionsWhenCentralDown(t *testing.T) {
	p, factory := newTestReader(t)
	factory.SetDown(1)
	seedRow(t, factory, 2, 2, 4, "even-a")
	seedRow(t, factory, 2, 4, 8, "even-b")
	seedRow(t, factory, 3, 5, 7, "odd-a")
	// Replicated copy of trans_id 2 also landed on the odd shard; the
	// partition consulted first should win the duplicate.
	seedRow(t, factory, 3, 2, 4, "even-a-replica")

	result, err := p.Fetch(context.Background(), "SELECT trans_id, partition_key, payload FROM trans", nil, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.ShardsConsulted) != 2 {
		t.Fatalf("expected both partitions consulted, got %+v", result.ShardsConsulted)
	}
	if len(result.Rows) != 3 {
		t.Fatalf("expected 3 de-duplicated rows, got %d: %+v", len(result.Rows), result.Rows)
	}
	ids := make([]int64, len(result.Rows))
	for i, r := range result.Rows {
		id, _ := transID(r)
		ids[i] = id
	}
	if ids[0] != 2 || ids[1] != 4 || ids[2] != 5 {
		t.Fatalf("expected rows sorted by trans_id [2 4 5], got %v", ids)
	}
	for _, r := range result.Rows {
		if id, _ := transID(r); id == 2 && r["payload"] != "even-a" {
			t.Fatalf("expected first-consulted shard's copy of trans_id 2 to win, got %+v", r)
		}
	}
}

func TestFetchScanUnavailableWhenNoShardLive(t *testing.T) {
	p, factory := newTestReader(t)
	factory.SetDown(1)
	factory.SetDown(2)
	factory.SetDown(3)

	_, err := p.Fetch(context.Background(), "SELECT trans_id FROM trans", nil, 0)
	if err == nil {
		t.Fatal("expected unavailable error when no shard is live")
	}
}

func TestFetchScanAppliesLimitAfterMerge(t *testing.T) {
	p, factory := newTestReader(t)
	factory.SetDown(1)
	seedRow(t, factory, 2, 2, 4, "a")
	seedRow(t, factory, 2, 4, 8, "b")
	seedRow(t, factory, 3, 5, 7, "c")

	result, err := p.Fetch(context.Background(), "SELECT trans_id, partition_key, payload FROM trans", nil, 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected limit of 2 rows, got %d", len(result.Rows))
	}
	first, _ := transID(result.Rows[0])
	second, _ := transID(result.Rows[1])
	if first != 2 || second != 4 {
		t.Fatalf("expected lowest two trans_ids [2 4], got [%d %d]", first, second)
	}
}
