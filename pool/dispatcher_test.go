package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRunsWork(t *testing.T) {
	d := New(2)
	f, err := d.Submit(context.Background(), func() (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	result, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.(int) != 42 {
		t.Fatalf("got %v, want 42", result)
	}
}

func TestDispatcherPropagatesError(t *testing.T) {
	d := New(1)
	wantErr := errors.New("boom")
	f, err := d.Submit(context.Background(), func() (any, error) {
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = f.Wait(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	d := New(1)
	var running int32
	var maxObserved int32

	release := make(chan struct{})
	job := func() (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxObserved)
			if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil, nil
	}

	f1, _ := d.Submit(context.Background(), job)
	// Submit blocks while the dispatcher is at capacity, so the second job is
	// submitted from its own goroutine.
	f2ch := make(chan *Future, 1)
	go func() {
		f2, _ := d.Submit(context.Background(), job)
		f2ch <- f2
	}()

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&maxObserved) > 1 {
		t.Fatalf("dispatcher exceeded bound of 1: observed %d", maxObserved)
	}
	close(release)
	f1.Wait(context.Background())
	(<-f2ch).Wait(context.Background())
}

func TestDispatcherShutdownRejectsNewWork(t *testing.T) {
	d := New(1)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := d.Submit(context.Background(), func() (any, error) { return nil, nil })
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("got %v, want ErrDispatcherClosed", err)
	}
}
