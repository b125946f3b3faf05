package runloop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calder/remedy/internal/runloop"
)

func TestSubmitRunsInOrder(t *testing.T) {
	loop := runloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		if !loop.Submit(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("Submit %d rejected", i)
		}
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("out of order execution: %v", got)
		}
	}
}

func TestSubmitFromManyGoroutines(t *testing.T) {
	loop := runloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)

	var count int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Submit(func() { count++ })
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		done := make(chan struct{})
		if loop.Submit(func() { close(done) }) {
			<-done
		}
		if count == 50 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count = %d, want 50", count)
}

func TestSubmitAfterStop(t *testing.T) {
	loop := runloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()
	loop.Wait()

	if loop.Submit(func() {}) {
		t.Fatal("Submit accepted after stop")
	}
}

func TestSubmitNil(t *testing.T) {
	loop := runloop.New(nil)
	if loop.Submit(nil) {
		t.Fatal("nil submission accepted")
	}
}
