package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/fakeshard"
)

func newTestManager(t *testing.T, sessionID string, staleTimeout time.Duration) (*Manager, *fakeshard.Factory) {
	t.Helper()
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	backend := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	return New(backend, sessionID, staleTimeout, nil), factory
}

func TestAcquireThenReleaseIsNoOpOnState(t *testing.T) {
	m, _ := newTestManager(t, "session-a", time.Minute)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "trans_1", 1, time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if released, err := m.Release(ctx, "trans_1", 1); err != nil || !released {
		t.Fatalf("Release: ok=%v err=%v", released, err)
	}
	if held := m.HeldShards("trans_1"); len(held) != 0 {
		t.Fatalf("expected no held shards after release, got %v", held)
	}
}

func TestAcquireReentrantForSameHolder(t *testing.T) {
	m, _ := newTestManager(t, "session-a", time.Minute)
	ctx := context.Background()

	if ok, err := m.Acquire(ctx, "trans_1", 1, time.Second); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Acquire(ctx, "trans_1", 1, time.Second); err != nil || !ok {
		t.Fatalf("reentrant acquire: ok=%v err=%v", ok, err)
	}
}

func TestAcquireWithZeroTimeoutFailsFastWhenHeld(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1}, 1)
	backendA := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	a := New(backendA, "session-a", time.Minute, nil)
	backendB := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	b := New(backendB, "session-b", time.Minute, nil)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "trans_1", 1, time.Second); err != nil || !ok {
		t.Fatalf("session a acquire: ok=%v err=%v", ok, err)
	}

	ok, err := b.Acquire(ctx, "trans_1", 1, 0)
	if err != nil {
		t.Fatalf("session b acquire: unexpected error %v", err)
	}
	if ok {
		t.Fatal("expected session b to fail immediately against an already-held lock")
	}
}

func TestStaleLockIsTakenOver(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1}, 1)
	backendA := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	a := New(backendA, "session-a", 10*time.Millisecond, nil)
	backendB := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	b := New(backendB, "session-b", 10*time.Millisecond, nil)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "trans_42", 1, time.Second); err != nil || !ok {
		t.Fatalf("session a acquire: ok=%v err=%v", ok, err)
	}
	// Session A crashes without releasing. Wait past the stale timeout.
	time.Sleep(20 * time.Millisecond)

	ok, err := b.Acquire(ctx, "trans_42", 1, time.Second)
	if err != nil || !ok {
		t.Fatalf("session b stale takeover: ok=%v err=%v", ok, err)
	}
	if released, err := b.Release(ctx, "trans_42", 1); err != nil || !released {
		t.Fatalf("session b release: ok=%v err=%v", released, err)
	}
}

func TestAcquireMultiSucceedsWithOneShardGranted(t *testing.T) {
	m, factory := newTestManager(t, "session-a", time.Minute)
	ctx := context.Background()
	factory.SetDown(2)
	factory.SetDown(3)

	ok, err := m.AcquireMulti(ctx, "insert_trans", []int{1, 2, 3}, time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireMulti: ok=%v err=%v", ok, err)
	}
	if held := m.HeldShards("insert_trans"); len(held) != 1 || held[0] != 1 {
		t.Fatalf("expected lock held only on shard 1, got %v", held)
	}
}

func TestAcquireMultiFailsWhenNoShardGrants(t *testing.T) {
	m, factory := newTestManager(t, "session-a", time.Minute)
	ctx := context.Background()
	factory.SetDown(1)
	factory.SetDown(2)
	factory.SetDown(3)

	if ok, err := m.AcquireMulti(ctx, "insert_trans", []int{1, 2, 3}, time.Second); err == nil || ok {
		t.Fatalf("expected AcquireMulti to fail with every shard down, got ok=%v err=%v", ok, err)
	}
}

func TestReleaseAllClearsEveryShard(t *testing.T) {
	m, _ := newTestManager(t, "session-a", time.Minute)
	ctx := context.Background()

	if ok, err := m.AcquireMulti(ctx, "trans_7", []int{1, 2, 3}, time.Second); err != nil || !ok {
		t.Fatalf("AcquireMulti: ok=%v err=%v", ok, err)
	}
	if err := m.ReleaseAll(ctx, []int{1, 2, 3}); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if held := m.HeldShards("trans_7"); len(held) != 0 {
		t.Fatalf("expected no held shards after ReleaseAll, got %v", held)
	}
}

func TestMutualExclusionAcrossSessionsOnSameShard(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1}, 1)
	backendA := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	a := New(backendA, "session-a", time.Hour, nil)
	backendB := &SQLBackend{Factory: factory, Isolation: config.ReadCommitted}
	b := New(backendB, "session-b", time.Hour, nil)
	ctx := context.Background()

	if ok, err := a.Acquire(ctx, "trans_1", 1, time.Second); err != nil || !ok {
		t.Fatalf("session a acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Acquire(ctx, "trans_1", 1, 0); err != nil || ok {
		t.Fatalf("session b must not acquire while a holds it: ok=%v err=%v", ok, err)
	}
}
