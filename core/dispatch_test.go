package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := startDispatcher(t)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		d.Post(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	if err := d.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := startDispatcher(t)

	d.Post(func(context.Context) { panic("boom") })
	ran := false
	if err := d.Do(context.Background(), func(context.Context) { ran = true }); err != nil {
		t.Fatalf("Do after panic: %v", err)
	}
	if !ran {
		t.Fatal("task after panic did not run")
	}
}

func TestDispatcherCloseDrainsQueue(t *testing.T) {
	d := NewDispatcher(discardLogger())

	count := 0
	for i := 0; i < 5; i++ {
		d.Post(func(context.Context) { count++ })
	}
	d.Close()
	if d.Post(func(context.Context) {}) {
		t.Error("Post accepted after Close")
	}

	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if count != 5 {
		t.Errorf("ran %d tasks, want 5", count)
	}
	select {
	case <-d.Done():
	default:
		t.Error("Done not closed after Run returned")
	}
	if err := d.Sync(context.Background()); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Sync after close = %v, want ErrDispatcherClosed", err)
	}
}

func TestDispatcherDoHonoursContext(t *testing.T) {
	d := startDispatcher(t)

	release := make(chan struct{})
	d.Post(func(context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Do(ctx, func(context.Context) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do = %v, want deadline exceeded", err)
	}
}

func TestDispatcherStopsOnContextCancel(t *testing.T) {
	d := NewDispatcher(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := d.Do(context.Background(), func(context.Context) {}); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Do after Run returned = %v, want ErrDispatcherClosed", err)
	}
}
