package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"

	"lukechampine.com/frand"
)

// DefaultDropProbability models a channel that loses half of all shares.
const DefaultDropProbability = 0.5

// Lossy suppresses each outgoing payload independently with a fixed
// probability. Suppressed payloads are never transmitted and never retried.
type Lossy struct {
	Channel

	p    float64
	rand func() float64

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewLossy wraps ch with drop probability p in [0, 1].
func NewLossy(ch Channel, p float64) (*Lossy, error) {
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("broadcast: drop probability %v outside [0, 1]", p)
	}
	return &Lossy{Channel: ch, p: p, rand: uniform}, nil
}

// uniform returns a float64 in [0, 1) with 53 random bits.
func uniform() float64 {
	return float64(frand.Uint64n(1<<53)) / (1 << 53)
}

// Send reports whether the payload was transmitted through the returned
// error only; a dropped payload is not an error.
func (l *Lossy) Send(ctx context.Context, payload []byte) error {
	if _, err := l.SendOrDrop(ctx, payload); err != nil {
		return err
	}
	return nil
}

// SendOrDrop applies the drop policy and returns whether the payload was
// handed to the underlying channel.
func (l *Lossy) SendOrDrop(ctx context.Context, payload []byte) (bool, error) {
	if l.p > 0 && l.rand() < l.p {
		l.dropped.Add(1)
		return false, nil
	}
	if err := l.Channel.Send(ctx, payload); err != nil {
		return false, err
	}
	l.sent.Add(1)
	return true, nil
}

// Stats returns the number of transmitted and dropped payloads.
func (l *Lossy) Stats() (sent, dropped uint64) {
	return l.sent.Load(), l.dropped.Load()
}
