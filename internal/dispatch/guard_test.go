package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryGuardSingleWinner(t *testing.T) {
	g := NewMemoryGuard(time.Hour)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := g.Acquire(context.Background(), "job-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestMemoryGuardReleaseAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemoryGuard(time.Minute)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := g.Acquire(ctx, "job"); !ok {
		t.Fatalf("first acquire should succeed")
	}
	if ok, _ := g.Acquire(ctx, "job"); ok {
		t.Fatalf("second acquire should fail")
	}
	_ = g.Release(ctx, "job")
	if ok, _ := g.Acquire(ctx, "job"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := g.Acquire(ctx, "job"); !ok {
		t.Fatalf("acquire after ttl should succeed")
	}
}
