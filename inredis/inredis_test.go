package inredis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LazyMechanic/tocket"
)

// testClient connects to a local Redis or skips the test.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Skipping integration test: Redis not available (%v)", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func testKey(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, tocket.Limit{Capacity: 1, RefillRate: 1}); err == nil {
		t.Error("expected nil client to be rejected")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if _, err := New(client, tocket.Limit{Capacity: 0, RefillRate: 1}); err == nil {
		t.Error("expected zero capacity to be rejected")
	}
}

func TestInvalidAmount(t *testing.T) {
	// Amount validation happens before any Redis round trip, so no live
	// server is needed.
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	s, err := New(client, tocket.Limit{Capacity: 5, RefillRate: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if _, err := s.TryAcquire(ctx, "k", 0); !errors.Is(err, tocket.ErrInvalidAmount) {
		t.Errorf("amount 0: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.TryAcquire(ctx, "k", 6); !errors.Is(err, tocket.ErrInvalidAmount) {
		t.Errorf("amount above capacity: expected ErrInvalidAmount, got %v", err)
	}
}

func TestTryAcquireGrantAndDeny(t *testing.T) {
	client := testClient(t)
	s, err := New(client, tocket.Limit{Capacity: 2, RefillRate: 0.001})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	key := testKey("grantdeny")

	dec, err := s.TryAcquire(ctx, key, 2)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !dec.Granted {
		t.Fatal("acquire of 2 from a fresh bucket of 2 should be granted")
	}

	dec, err = s.TryAcquire(ctx, key, 1)
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if dec.Granted {
		t.Fatal("acquire from a drained bucket should be denied")
	}
	if dec.RetryAfter <= 0 {
		t.Errorf("denied acquire should carry a positive retry hint, got %s", dec.RetryAfter)
	}
}

func TestTryAcquireRefill(t *testing.T) {
	client := testClient(t)
	s, err := New(client, tocket.Limit{Capacity: 10, RefillRate: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	key := testKey("refill")

	if dec, _ := s.TryAcquire(ctx, key, 10); !dec.Granted {
		t.Fatal("draining a fresh bucket should be granted")
	}
	if dec, _ := s.TryAcquire(ctx, key, 10); dec.Granted {
		t.Fatal("immediate second drain should be denied")
	}

	// 100 tokens/s refill the full bucket well within a second.
	time.Sleep(200 * time.Millisecond)
	if dec, _ := s.TryAcquire(ctx, key, 10); !dec.Granted {
		t.Error("acquire after refill should be granted")
	}
}

func TestTryAcquireUpTo(t *testing.T) {
	client := testClient(t)
	s, err := New(client, tocket.Limit{Capacity: 5, RefillRate: 0.001})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	key := testKey("upto")

	taken, err := s.TryAcquireUpTo(ctx, key, 3)
	if err != nil {
		t.Fatalf("TryAcquireUpTo failed: %v", err)
	}
	if taken != 3 {
		t.Errorf("expected to take 3 from a fresh bucket of 5, took %d", taken)
	}

	taken, err = s.TryAcquireUpTo(ctx, key, 10)
	if err != nil {
		t.Fatalf("TryAcquireUpTo failed: %v", err)
	}
	if taken != 2 {
		t.Errorf("expected to drain the remaining 2, took %d", taken)
	}
}

func TestSharedBudgetAcrossInstances(t *testing.T) {
	client := testClient(t)
	limit := tocket.Limit{Capacity: 1, RefillRate: 0.001}

	a, err := New(client, limit)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b, err := New(client, limit)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	key := testKey("shared")

	if dec, _ := a.TryAcquire(ctx, key, 1); !dec.Granted {
		t.Fatal("first instance should get the only token")
	}
	if dec, _ := b.TryAcquire(ctx, key, 1); dec.Granted {
		t.Error("second instance shares the budget and should be denied")
	}
}

func TestStorageUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // nothing listens here
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	s, err := New(client, tocket.Limit{Capacity: 5, RefillRate: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := s.TryAcquire(context.Background(), "k", 1); !errors.Is(err, tocket.ErrStorageUnavailable) {
		t.Errorf("expected ErrStorageUnavailable, got %v", err)
	}
}
