package execution

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// RunnerTracker tracks active pipeline runners for graceful shutdown.
// On shutdown, it stops accepting new sessions and waits for running ones to complete.
type RunnerTracker struct {
	wg       sync.WaitGroup
	mu       sync.RWMutex
	draining bool
	active   atomic.Int64
}

// NewRunnerTracker creates a new runner tracker.
func NewRunnerTracker() *RunnerTracker {
	return &RunnerTracker{}
}

// Acquire registers a new active runner. Returns false if the server is
// draining and new sessions should be rejected.
func (t *RunnerTracker) Acquire() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.draining {
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	return true
}

// Release marks a runner as finished.
func (t *RunnerTracker) Release() {
	t.active.Add(-1)
	t.wg.Done()
}

// Active returns the number of runners currently in flight.
func (t *RunnerTracker) Active() int {
	return int(t.active.Load())
}

// Drain stops accepting new runners and waits up to timeout for active ones
// to complete. Returns true if all runners finished, false if timed out.
func (t *RunnerTracker) Drain(timeout time.Duration) bool {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	log.Printf("🔄 [TRACKER] Draining %d active runners (timeout: %s)...", t.Active(), timeout)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ [TRACKER] All active runners completed")
		return true
	case <-time.After(timeout):
		log.Println("⚠️ [TRACKER] Drain timeout reached, some sessions will be cancelled")
		return false
	}
}

// IsDraining returns true if the tracker is in drain mode (shutting down).
func (t *RunnerTracker) IsDraining() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.draining
}
