package sync

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestClaim_SingleWinner(t *testing.T) {
	var c Claim

	if c.Taken() {
		t.Error("Taken() should be false before any Acquire")
	}

	if !c.Acquire() {
		t.Fatal("first Acquire should win")
	}
	if c.Acquire() {
		t.Error("second Acquire should lose")
	}
	if !c.Taken() {
		t.Error("Taken() should be true after Acquire")
	}
}

func TestClaim_ConcurrentSingleWinner(t *testing.T) {
	const contenders = 64

	var c Claim
	var winners atomic.Int32
	var wg sync.WaitGroup

	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if c.Acquire() {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if w := winners.Load(); w != 1 {
		t.Errorf("winners = %d, want exactly 1", w)
	}
}
