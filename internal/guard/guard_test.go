package guard

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestGuard_DoIsExclusive(t *testing.T) {
	var g Guard
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(func() { counter++ })
		}()
	}
	wg.Wait()

	var got int
	g.Read(func() { got = counter })
	if got != 100 {
		t.Errorf("counter = %d, want 100", got)
	}
}

func TestInFlight_SingleHolder(t *testing.T) {
	var f InFlight

	if !f.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if f.TryAcquire() {
		t.Fatal("second acquire should fail while held")
	}
	if !f.Busy() {
		t.Error("Busy() = false while held")
	}
	f.Release()
	if !f.TryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestInFlight_ConcurrentWinners(t *testing.T) {
	var f InFlight
	var winners atomic.Int32

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.TryAcquire() {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}
