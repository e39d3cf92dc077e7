package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker closed")

// LocalBroker delivers synchronously on the publishing goroutine, so a
// handler must not publish back into the same broker.
type LocalBroker struct {
	mu       sync.RWMutex
	handlers map[string][]MessageHandler
	closed   bool
}

func NewLocal() *LocalBroker {
	return &LocalBroker{handlers: make(map[string][]MessageHandler)}
}

func (b *LocalBroker) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	hs := append([]MessageHandler(nil), b.handlers[topic]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(topic, data)
	}
	return nil
}

func (b *LocalBroker) Subscribe(_ context.Context, topic string, handler MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

func (b *LocalBroker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
	return nil
}

// Close drops every handler. Later publishes and subscribes fail with ErrClosed.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.handlers = nil
	b.mu.Unlock()
	return nil
}
