package transport

import "sync"

// Bus is an in-process transport for tests and single-binary development.
// Publish dispatches synchronously on the caller's goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   []busSub
	closed bool
}

type busSub struct {
	pattern string
	handler Handler
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe(pattern string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, busSub{pattern: pattern, handler: h})
	return nil
}

func (b *Bus) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	matched := make([]Handler, 0, 2)
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload)
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}
