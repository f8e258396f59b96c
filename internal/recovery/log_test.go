package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/fakeshard"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("time.Parse(%q): %v", s, err)
	}
	return tm
}

func newTestLogStore(t *testing.T) (*LogStore, *fakeshard.Factory) {
	t.Helper()
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	backend := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted, CentralShardID: 1}
	return NewLogStore(backend, factory.ShardIDs(), nil), factory
}

func TestLogBackupInsertsOnSourceAndCrossBacksUp(t *testing.T) {
	store, factory := newTestLogStore(t)
	ctx := context.Background()

	ok, err := store.LogBackup(ctx, 3, 1, "UPDATE trans SET payload = 'v2' WHERE trans_id = 7")
	if err != nil || !ok {
		t.Fatalf("LogBackup: ok=%v err=%v", ok, err)
	}

	if factory.PendingCount(1) != 1 {
		t.Fatalf("expected one pending row on source shard 1, got %d", factory.PendingCount(1))
	}
	// Cross-backup lands on the one shard that is neither source nor target.
	if factory.PendingCount(2) != 1 {
		t.Fatalf("expected cross-backup row on shard 2, got %d", factory.PendingCount(2))
	}
	if factory.PendingCount(3) != 0 {
		t.Fatalf("target shard itself should not receive a log row, got %d", factory.PendingCount(3))
	}
}

func TestLogBackupDedupsWithinHashWindow(t *testing.T) {
	store, factory := newTestLogStore(t)
	ctx := context.Background()

	sql := "UPDATE trans SET payload = 'v2' WHERE trans_id = 7"
	if ok, err := store.LogBackup(ctx, 3, 1, sql); err != nil || !ok {
		t.Fatalf("first LogBackup: ok=%v err=%v", ok, err)
	}
	if ok, err := store.LogBackup(ctx, 3, 1, sql); err != nil || !ok {
		t.Fatalf("second LogBackup (dedup): ok=%v err=%v", ok, err)
	}

	if factory.PendingCount(1) != 1 {
		t.Fatalf("expected exactly one PENDING row on source shard after dedup, got %d", factory.PendingCount(1))
	}
}

func TestHashIsStableForIdenticalInputsOnTheSameDay(t *testing.T) {
	now := mustParseTime(t, "2026-07-29T10:00:00Z")
	later := mustParseTime(t, "2026-07-29T22:00:00Z")

	h1 := Hash(3, 1, "UPDATE trans SET payload = 'x' WHERE trans_id = 1", now)
	h2 := Hash(3, 1, "UPDATE trans SET payload = 'x' WHERE trans_id = 1", later)
	if h1 != h2 {
		t.Fatalf("expected identical hash within the same UTC day, got %q vs %q", h1, h2)
	}

	nextDay := mustParseTime(t, "2026-07-30T00:00:01Z")
	h3 := Hash(3, 1, "UPDATE trans SET payload = 'x' WHERE trans_id = 1", nextDay)
	if h1 == h3 {
		t.Fatal("expected hash to differ across the day boundary")
	}
}
