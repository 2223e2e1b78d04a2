package lock

import (
	"context"
	"sync"
	"testing"
)

func TestMemoryLocker_SingleFlight(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	release, ok, err := locker.Acquire(ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	_, ok, err = locker.Acquire(ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Fatal("expected second acquire on held key to fail")
	}

	// A different key is independent.
	release2, ok, _ := locker.Acquire(ctx, "acc-2")
	if !ok {
		t.Fatal("expected acquire on different key to succeed")
	}
	release2()

	release()

	_, ok, _ = locker.Acquire(ctx, "acc-1")
	if !ok {
		t.Fatal("expected acquire after release to succeed")
	}
}

func TestMemoryLocker_ReleaseIdempotent(t *testing.T) {
	locker := NewMemoryLocker()

	release, ok, _ := locker.Acquire(context.Background(), "acc-1")
	if !ok {
		t.Fatal("expected acquire to succeed")
	}

	release()
	release() // second call must not unlock someone else's acquisition

	release2, ok, _ := locker.Acquire(context.Background(), "acc-1")
	if !ok {
		t.Fatal("expected re-acquire to succeed")
	}
	release()
	_, ok, _ = locker.Acquire(context.Background(), "acc-1")
	if ok {
		t.Fatal("double release released a lock held by another caller")
	}
	release2()
}

func TestMemoryLocker_ConcurrentAcquire(t *testing.T) {
	locker := NewMemoryLocker()

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, _ := locker.Acquire(context.Background(), "acc-1")
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one concurrent acquire to win, got %d", acquired)
	}
}
