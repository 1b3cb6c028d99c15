package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "THA-AgentHub/internal/errors"
)

func TestMemoryQueuePublishConsume(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, 2, func(ctx context.Context, jobID string) error {
			mu.Lock()
			seen[jobID]++
			if len(seen) == 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Publish(ctx, id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("consumer did not receive all jobs")
	}
}

func TestMemoryQueueRequeuesOnHandlerError(t *testing.T) {
	prev := requeueDelay
	requeueDelay = time.Millisecond
	defer func() { requeueDelay = prev }()

	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 4)
	count := 0
	go func() {
		_ = q.Consume(ctx, 1, func(ctx context.Context, jobID string) error {
			count++
			attempts <- count
			if count == 1 {
				return errors.New("store unavailable")
			}
			return nil
		})
	}()
	_ = q.Publish(ctx, "job")

	for want := 1; want <= 2; want++ {
		select {
		case got := <-attempts:
			if got != want {
				t.Fatalf("unexpected attempt %d", got)
			}
		case <-time.After(time.Second):
			t.Fatalf("job was not redelivered")
		}
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	_ = q.Close()
	if err := q.Publish(context.Background(), "job"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := q.Consume(context.Background(), 1, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue should return, got %v", err)
	}
}

func TestMemoryQueueCloseUnblocksFullPublish(t *testing.T) {
	q := NewMemoryQueue(1)
	if err := q.Publish(context.Background(), "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- q.Publish(context.Background(), "second") }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("close blocked behind a full publish")
	}
	select {
	case err := <-blocked:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected closed error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish still blocked after close")
	}
}

func TestMemoryQueueDrainsBufferedJobsOnClose(t *testing.T) {
	q := NewMemoryQueue(4)
	for _, id := range []string{"a", "b"} {
		if err := q.Publish(context.Background(), id); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = q.Close()

	var mu sync.Mutex
	var seen []string
	err := q.Consume(context.Background(), 1, func(_ context.Context, jobID string) error {
		mu.Lock()
		seen = append(seen, jobID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected buffered jobs to drain, got %v", seen)
	}
}

func TestQueueClosedIsDistinctFromQueueFailure(t *testing.T) {
	if errors.Is(xerrors.New(xerrors.CodeQueueFailure, "redis down"), ErrQueueClosed) {
		t.Fatalf("a broker failure must not look like a closed queue")
	}
}

func TestBrokerQueuesRequireAddress(t *testing.T) {
	if _, err := NewRedisQueue(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected redis address error")
	}
	if _, err := NewRabbitMQQueue(RabbitMQConfig{}); err == nil {
		t.Fatalf("expected rabbitmq url error")
	}
	if _, err := NewRedisGuard(context.Background(), RedisConfig{}, time.Hour); err == nil {
		t.Fatalf("expected redis guard address error")
	}
}
