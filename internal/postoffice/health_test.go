package postoffice

import (
	"sync"
	"testing"
	"time"
)

func TestHealthMonitorMarksUnhealthyAfterThreshold(t *testing.T) {
	monitor := NewHealthMonitor(20 * time.Millisecond)
	defer monitor.Stop()

	var mu sync.Mutex
	fails := map[int]bool{2: true}
	monitor.SetCheckFunction(func(nodeID int) error {
		mu.Lock()
		defer mu.Unlock()
		if fails[nodeID] {
			return errUnhealthy
		}
		return nil
	})

	unhealthy := make(chan int, 1)
	monitor.SetOnUnhealthy(func(nodeID int) {
		unhealthy <- nodeID
	})

	go monitor.Start(nil, func() []int { return []int{1, 2} })

	select {
	case id := <-unhealthy:
		if id != 2 {
			t.Fatalf("expected node 2 to be marked unhealthy, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhealthy callback")
	}

	status, ok := monitor.Status(1)
	if !ok || status.Status != "healthy" {
		t.Errorf("expected node 1 to be healthy, got %+v (ok=%v)", status, ok)
	}
}

func TestHealthMonitorCallbackFiresOnlyOncePerTransition(t *testing.T) {
	monitor := NewHealthMonitor(10 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(nodeID int) error { return errUnhealthy })

	var mu sync.Mutex
	calls := 0
	monitor.SetOnUnhealthy(func(nodeID int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	go monitor.Start(nil, func() []int { return []int{9} })

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly 1 unhealthy callback, got %d", calls)
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

var errUnhealthy = fakeErr("simulated failure")
