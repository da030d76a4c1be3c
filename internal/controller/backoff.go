package controller

import "time"

// defaultBackoffFactor caps the backoff at this multiple of the base
// interval. Doubling without a ceiling would leave quiet clusters
// unresponsive for hours.
const defaultBackoffFactor = 32

// Backoff doubles the sleep interval on each consecutive no-op cycle and
// resets to the base on any cycle that changed state. The state is one
// explicit value so the loop's pacing can be tested in isolation.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	cur time.Duration
}

// NewBackoff creates a Backoff with the default ceiling.
func NewBackoff(base time.Duration) *Backoff {
	return &Backoff{Base: base, Max: base * defaultBackoffFactor}
}

// Next returns the interval to sleep after one more unchanged cycle.
// The first unchanged cycle sleeps the base; each further one doubles,
// up to Max.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Base
	} else {
		b.cur *= 2
	}
	if b.Max > 0 && b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset returns pacing to the base interval.
func (b *Backoff) Reset() {
	b.cur = 0
}
