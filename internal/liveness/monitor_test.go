package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/dreamware/txncoord/internal/fakeshard"
)

func TestStatusRefreshesWhenStale(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1, 2, 3}, 1)
	mon := New(factory, time.Second, 10*time.Millisecond, nil)

	factory.SetDown(2)
	time.Sleep(20 * time.Millisecond)

	status := mon.Status(context.Background(), false)
	if status[1] != true || status[3] != true {
		t.Fatalf("expected shards 1 and 3 alive, got %+v", status)
	}
	if status[2] != false {
		t.Fatalf("expected shard 2 down, got %+v", status)
	}
}

func TestRecordTransitionFiresHooksOnce(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1}, 1)
	mon := New(factory, time.Second, time.Hour, nil)

	downCount := 0
	recoveredCount := 0
	mon.SetOnDown(func(shard int) { downCount++ })
	mon.SetOnRecovered(func(shard int) { recoveredCount++ })

	mon.recordTransition(1, false)
	mon.recordTransition(1, false)
	mon.recordTransition(1, true)

	time.Sleep(10 * time.Millisecond) // hooks run on their own goroutine
	if downCount != 1 {
		t.Fatalf("expected onDown to fire once, fired %d times", downCount)
	}
	if recoveredCount != 1 {
		t.Fatalf("expected onRecovered to fire once, fired %d times", recoveredCount)
	}
}

func TestIsAliveWithoutRefresh(t *testing.T) {
	factory := fakeshard.NewFactory([]int{1, 2}, 1)
	mon := New(factory, time.Second, time.Hour, nil)
	mon.Status(context.Background(), true)

	factory.SetDown(2)
	// IsAlive must not force a refresh, so it still reports the cached value.
	if !mon.IsAlive(2) {
		t.Fatalf("expected cached alive=true before next refresh")
	}
}
