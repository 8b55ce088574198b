package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunFiresRepeatedly(t *testing.T) {
	var fires atomic.Int64
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, 5*time.Millisecond, 0, func() { fires.Add(1) })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for fires.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(stopCh)
	<-done

	if fires.Load() < 3 {
		t.Fatalf("loop fired %d times, want at least 3", fires.Load())
	}
}

func TestRunStopsPromptly(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(stopCh, time.Hour, 0, func() { t.Errorf("must not fire") })
	}()
	close(stopCh)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
}
