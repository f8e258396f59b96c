package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/fakeshard"
)

func newTestEngine(t *testing.T, factory *fakeshard.Factory, sessionID string) (*Engine, *LogStore) {
	t.Helper()
	backend := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted, CentralShardID: 1}
	store := NewLogStore(backend, factory.ShardIDs(), nil)
	engine := &Engine{
		Factory:    factory,
		Backend:    backend,
		Shards:     factory.ShardIDs(),
		Central:    1,
		Isolation:  config.ReadCommitted,
		MaxRetries: 3,
		MutexTTL:   time.Minute,
		SessionID:  sessionID,
	}
	return engine, store
}

func TestDrainWithNoPendingRowsIsANoOp(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	engine, _ := newTestEngine(t, factory, "session-a")

	result, err := engine.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Total != 0 || result.CheckpointsAdvanced != 0 {
		t.Fatalf("expected a no-op drain, got %+v", result)
	}
}

func TestDrainReplaysPendingEntryAndAdvancesCheckpoint(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	ctx := context.Background()

	// Log a failed replication of an insert to shard 3; shard 3 does not yet
	// hold the row, so the replay SQL inserts a genuinely new row there.
	engine, store := newTestEngine(t, factory, "session-a")
	if ok, err := store.LogBackup(ctx, 3, 1, "INSERT INTO trans (trans_id, partition_key, payload) VALUES (7, 7, 'v1')"); err != nil || !ok {
		t.Fatalf("LogBackup: ok=%v err=%v", ok, err)
	}
	if factory.PendingCount(1) != 1 {
		t.Fatalf("expected one pending row on source shard 1, got %d", factory.PendingCount(1))
	}

	result, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Recovered != 1 {
		t.Fatalf("expected one recovered entry, got %+v", result)
	}
	if result.CheckpointsAdvanced == 0 {
		t.Fatalf("expected the shard 1 checkpoint to advance, got %+v", result)
	}
	if row := factory.TransRow(3, 7); row == nil {
		t.Fatal("expected replay to insert the row on the target shard")
	}
	if factory.PendingCount(1) != 0 {
		t.Fatalf("expected no PENDING rows left on shard 1 after a successful replay, got %d", factory.PendingCount(1))
	}
}

func TestDrainSkipsWhenMutexAlreadyHeld(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	ctx := context.Background()

	engineA, storeA := newTestEngine(t, factory, "session-a")
	if ok, err := storeA.LogBackup(ctx, 3, 1, "INSERT INTO trans (trans_id, partition_key, payload) VALUES (8, 8, 'v1')"); err != nil || !ok {
		t.Fatalf("LogBackup: ok=%v err=%v", ok, err)
	}

	backendB := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted, CentralShardID: 1}
	held, err := backendB.TryAcquireMutex(ctx, "session-b", time.Minute)
	if err != nil || !held {
		t.Fatalf("session-b TryAcquireMutex: held=%v err=%v", held, err)
	}

	if _, err := engineA.Drain(ctx); err == nil {
		t.Fatal("expected drain to be skipped while another session holds the checkpoint mutex")
	}
}

func TestDuplicateTransactionHashIsSkippedNotReExecuted(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	ctx := context.Background()

	backend := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted, CentralShardID: 1}
	sql := "INSERT INTO trans (trans_id, partition_key, payload) VALUES (9, 9, 'v1')"
	hash := Hash(3, 1, sql, time.Now())

	// Insert the primary row directly on shard 1 and a cross-backup copy on
	// shard 2 sharing the same transaction hash, as LogBackup itself would.
	if _, err := backend.InsertEntry(ctx, 1, Entry{TargetShard: 3, SourceShard: 1, SQLStatement: sql, TransactionHash: hash, Status: StatusPending}); err != nil {
		t.Fatalf("InsertEntry primary: %v", err)
	}
	if _, err := backend.InsertEntry(ctx, 2, Entry{TargetShard: 3, SourceShard: 1, SQLStatement: sql, TransactionHash: hash, Status: StatusPending}); err != nil {
		t.Fatalf("InsertEntry cross-backup: %v", err)
	}

	engine := &Engine{
		Factory: factory, Backend: backend, Shards: []int{1, 2, 3}, Central: 1,
		Isolation: config.ReadCommitted, MaxRetries: 3, MutexTTL: time.Minute, SessionID: "session-a",
	}
	result, err := engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Recovered != 1 || result.Skipped != 1 {
		t.Fatalf("expected exactly one replay and one duplicate skip, got %+v", result)
	}
	if row := factory.TransRow(3, 9); row == nil {
		t.Fatal("expected the row to be inserted exactly once by the first (primary) replay")
	}
}
