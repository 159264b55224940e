package server

import (
	"log/slog"
	"sync"

	"github.com/yubzen/agentstream/internal/events"
	"github.com/yubzen/agentstream/internal/logging"
)

const DefaultStreamBuffer = 64

// Broker fans processed events out to stream subscribers. Publishing
// never blocks: a subscriber whose buffer is full is dropped.
type Broker struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

type Subscription struct {
	id   uint64
	ch   chan events.Event
	once sync.Once
}

// Events is closed when the subscriber is dropped, unsubscribed, or the
// broker shuts down.
func (s *Subscription) Events() <-chan events.Event { return s.ch }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Broker{
		logger: logging.OrDiscard(logger),
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan events.Event, b.buffer)}
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Publish offers e to every subscriber and returns how many took it.
func (b *Broker) Publish(e events.Event) int {
	if e == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for id, sub := range b.subs {
		select {
		case sub.ch <- e:
			delivered++
		default:
			delete(b.subs, id)
			sub.close()
			b.logger.Warn("dropped slow stream subscriber", "subscriber", id, "event_type", e.Type())
		}
	}
	return delivered
}

func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}
