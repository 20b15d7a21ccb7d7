// Package throttle serialises and paces outbound requests for one stage.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Throttle admits one request at a time and enforces a minimum interval
// between consecutive admissions. The interval can be retuned at runtime.
type Throttle struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	delay    time.Duration
	lastPass time.Time
}

// New creates a throttle with the given initial inter-request delay.
func New(initial time.Duration) *Throttle {
	return &Throttle{
		sem:   semaphore.NewWeighted(1),
		delay: initial,
	}
}

// Acquire blocks until the caller holds the gate and the pacing interval
// since the previous admission has elapsed. The caller must Release after
// the request completes.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	t.mu.Lock()
	wait := t.delay - time.Since(t.lastPass)
	t.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			t.sem.Release(1)
			return ctx.Err()
		case <-timer.C:
		}
	}

	t.mu.Lock()
	t.lastPass = time.Now()
	t.mu.Unlock()
	return nil
}

// Release frees the gate for the next caller.
func (t *Throttle) Release() {
	t.sem.Release(1)
}

// SetDelay retunes the pacing interval. Takes effect on the next admission.
func (t *Throttle) SetDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d < 0 {
		d = 0
	}
	t.delay = d
}

// Delay returns the current pacing interval.
func (t *Throttle) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}
