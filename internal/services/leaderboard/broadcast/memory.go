package broadcast

import (
	"context"
	"fmt"
	"sync"
)

const memorySubscriberBuffer = 64

// Memory is an in-process bus. It preserves broadcast correctness for
// single-instance deployments and tests; only horizontal fan-out is lost.
type Memory struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subscribers: make(map[int]chan Event)}
}

// Publish delivers the event to every active subscriber in registration order.
func (m *Memory) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	channels := make([]chan Event, 0, len(m.subscribers))
	for i := 0; i < m.nextID; i++ {
		if ch, ok := m.subscribers[i]; ok {
			channels = append(channels, ch)
		}
	}
	m.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe delivers publications to handler until ctx ends.
func (m *Memory) Subscribe(ctx context.Context, handler func(Event)) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Event, memorySubscriberBuffer)
	m.subscribers[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-ch:
			handler(event)
		}
	}
}

// Close rejects further publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
