package yeelight

import "time"

// Backoff produces the reconnect delay sequence. It is not safe for concurrent
// use; each Connection owns one and touches it only from its run loop.
type Backoff struct {
	min        time.Duration
	max        time.Duration
	multiplier float64
	current    time.Duration
}

// NewBackoff creates a backoff starting at min, multiplied after every failure
// and capped at max.
func NewBackoff(min, max time.Duration, multiplier float64) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	if multiplier <= 1 {
		multiplier = 2.0
	}
	return &Backoff{
		min:        min,
		max:        max,
		multiplier: multiplier,
		current:    min,
	}
}

// Next returns the delay to wait for this failure and advances the sequence.
func (b *Backoff) Next() time.Duration {
	delay := b.current

	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay
}

// Reset returns the sequence to its floor. Called only after a successful connect.
func (b *Backoff) Reset() {
	b.current = b.min
}

// Current returns the delay the next failure would wait.
func (b *Backoff) Current() time.Duration {
	return b.current
}
