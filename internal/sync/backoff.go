package sync

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff supplies retry delays with escalating duration on repeated
// temporary failures. Reset returns the generator to its floor; the state
// machines call it exactly once per successful attempt.
type Backoff interface {
	Next() time.Duration
	Reset()
}

// ExponentialBackoff is the production Backoff: capped exponential delays
// built on sethvargo/go-retry. Not safe for concurrent use; the state
// machines only touch it on the dispatcher.
type ExponentialBackoff struct {
	factory func() retry.Backoff
	current retry.Backoff
}

// NewExponentialBackoff creates a Backoff starting at floor and doubling up
// to cap.
func NewExponentialBackoff(floor, cap time.Duration) *ExponentialBackoff {
	factory := func() retry.Backoff {
		return retry.WithCappedDuration(cap, retry.NewExponential(floor))
	}

	return &ExponentialBackoff{factory: factory, current: factory()}
}

// Next returns the next delay and advances the escalation.
func (b *ExponentialBackoff) Next() time.Duration {
	d, _ := b.current.Next()
	return d
}

// Reset returns the generator to its floor delay.
func (b *ExponentialBackoff) Reset() {
	b.current = b.factory()
}
