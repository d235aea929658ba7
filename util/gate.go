package util

import "context"

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// to allow through at a time. Goroutines enter the gate by calling Enter(),
// and signal that they are done by calling Leave().
type Gate chan struct{}

// NewGate returns a Gate which accepts at most n entries at a time. A gate
// with n <= 0 never blocks.
func NewGate(n int) Gate {
	if n <= 0 {
		return nil
	}
	return Gate(make(chan struct{}, n))
}

// Enter blocks the calling goroutine until there are less than n goroutines
// inside, or ctx is done. It returns ctx.Err() in the latter case, and the
// caller must not call Leave.
// It is safe to call this from multiple goroutines.
func (g Gate) Enter(ctx context.Context) error {
	if g == nil {
		return nil
	}
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave marks a goroutine outside the critical section. Each successful
// Enter must be balanced by a Leave. They do not need to be called from the
// same goroutine.
func (g Gate) Leave() {
	if g == nil {
		return
	}
	<-g
}
