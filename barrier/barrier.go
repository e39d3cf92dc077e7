// Package barrier implements the one-shot rendezvous between group workers and
// the session controller.
//
// Workers call Arrive once per client they own and then Wait. The controller
// calls Collect, which drains exactly the expected number of tokens and then
// opens the gate for every waiter at once. The gate never opens early.
package barrier

import (
	"context"
	"errors"
	"sync"
)

var ErrReleased = errors.New("barrier already released")

type Barrier struct {
	expected int
	tokens   chan struct{}
	gate     chan struct{}
	once     sync.Once
	received int
}

func New(expected int) *Barrier {
	if expected < 0 {
		expected = 0
	}
	return &Barrier{
		expected: expected,
		tokens:   make(chan struct{}, expected),
		gate:     make(chan struct{}),
	}
}

// Arrive delivers one finished token. Arriving more than the expected number of
// times is a caller bug and reports ErrReleased once the gate is open.
func (b *Barrier) Arrive() error {
	select {
	case <-b.gate:
		return ErrReleased
	default:
	}
	select {
	case b.tokens <- struct{}{}:
		return nil
	case <-b.gate:
		return ErrReleased
	}
}

// Wait blocks until the gate opens.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Collect must be called by exactly one goroutine.
func (b *Barrier) Collect(ctx context.Context) error {
	for b.received < b.expected {
		select {
		case <-b.tokens:
			b.received++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.once.Do(func() { close(b.gate) })
	return nil
}

func (b *Barrier) Released() <-chan struct{} {
	return b.gate
}

// Received is the number of tokens drained so far. Only meaningful from the
// collecting goroutine.
func (b *Barrier) Received() int {
	return b.received
}

func (b *Barrier) Expected() int {
	return b.expected
}
