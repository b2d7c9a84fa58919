package sync

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLatch_TripWakesWaiters(t *testing.T) {
	var l Latch

	if l.Tripped() {
		t.Error("new latch should not be tripped")
	}

	const waiters = 8
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-l.Done()
		}()
	}

	l.Trip()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiters were not woken by Trip")
	}

	if !l.Tripped() {
		t.Error("Tripped() should be true after Trip")
	}
}

func TestLatch_TripIsIdempotent(t *testing.T) {
	var l Latch
	l.Trip()
	l.Trip() // must not panic on double close
	<-l.Done()
}

func TestLatch_DoneAfterTrip(t *testing.T) {
	var l Latch
	l.Trip()

	select {
	case <-l.Done():
	default:
		t.Error("Done channel should be closed when first requested after Trip")
	}
}

func TestLatch_WaitContextCancel(t *testing.T) {
	var l Latch

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}

	l.Trip()
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after Trip = %v, want nil", err)
	}
}
