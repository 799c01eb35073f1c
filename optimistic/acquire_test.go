package optimistic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

func newQueueOnly() *Controller {
	return &Controller{tails: xsync.NewMapOf[string, chan struct{}]()}
}

func waitForNewTail(t *testing.T, c *Controller, key string, old chan struct{}) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := c.tails.Load(key); cur != old {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("update for %q was never queued", key)
}

func TestAcquire_FIFO(t *testing.T) {
	c := newQueueOnly()
	ctx := context.Background()

	release, err := c.acquire(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 1; i <= 3; i++ {
		tail, _ := c.tails.Load("k")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := c.acquire(ctx, "k")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		waitForNewTail(t, c, "k", tail)
	}

	release()
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected [1 2 3], got %v", order)
	}
	if _, ok := c.tails.Load("k"); ok {
		t.Error("expected the queue to be removed once idle")
	}
}

func TestAcquire_CancelledWaiterKeepsOrder(t *testing.T) {
	c := newQueueOnly()

	release, _ := c.acquire(context.Background(), "k")

	ctx, cancel := context.WithCancel(context.Background())
	tail, _ := c.tails.Load("k")
	errs := make(chan error, 1)
	go func() {
		_, err := c.acquire(ctx, "k")
		errs <- err
	}()
	waitForNewTail(t, c, "k", tail)

	tail, _ = c.tails.Load("k")
	third := make(chan struct{})
	go func() {
		rel, err := c.acquire(context.Background(), "k")
		if err == nil {
			rel()
		}
		close(third)
	}()
	waitForNewTail(t, c, "k", tail)

	cancel()
	if err := <-errs; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	select {
	case <-third:
		t.Fatal("third update ran before the first released")
	case <-time.After(10 * time.Millisecond):
	}

	release()
	select {
	case <-third:
	case <-time.After(time.Second):
		t.Fatal("third update never ran")
	}
}
