package event

import (
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("event bus is closed")

type Handler[Key, Event any] interface {
	OnEvent(key Key, e Event)
}

// HandlerFunc is an adapter to allow the use of ordinary
// functions as Handlers.
type HandlerFunc[Key, Event any] func(Key, Event)

// OnEvent calls f(key, e).
func (f HandlerFunc[Key, Event]) OnEvent(key Key, e Event) {
	f(key, e)
}

type subscription[Key comparable, Event any] struct {
	id      uint64
	key     Key
	keyed   bool
	handler Handler[Key, Event]
}

func (s subscription[Key, Event]) matches(key Key) bool {
	return !s.keyed || s.key == key
}

// Bus fans events out to registered handlers. Every delivery runs on its own
// goroutine, so ordering across handlers and across events is not defined.
type Bus[Key comparable, Event any] struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    []subscription[Key, Event]
	closed  bool
	pending sync.WaitGroup
}

func NewBus[Key comparable, Event any]() *Bus[Key, Event] {
	return &Bus[Key, Event]{}
}

// AddHandler registers h for every event. The returned func removes it.
func (b *Bus[Key, Event]) AddHandler(h Handler[Key, Event]) (remove func()) {
	return b.add(subscription[Key, Event]{handler: h})
}

// AddKeyHandler registers h for events published under key only.
func (b *Bus[Key, Event]) AddKeyHandler(key Key, h Handler[Key, Event]) (remove func()) {
	return b.add(subscription[Key, Event]{key: key, keyed: true, handler: h})
}

func (b *Bus[Key, Event]) add(sub subscription[Key, Event]) func() {
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus[Key, Event]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// OnEvent publishes e under key. It does not wait for handlers to run.
func (b *Bus[Key, Event]) OnEvent(key Key, e Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}

	var matched []Handler[Key, Event]
	for _, sub := range b.subs {
		if sub.matches(key) {
			matched = append(matched, sub.handler)
		}
	}
	b.pending.Add(len(matched))
	b.mu.RUnlock()

	for _, h := range matched {
		go func(h Handler[Key, Event]) {
			defer b.pending.Done()
			h.OnEvent(key, e)
		}(h)
	}

	return nil
}

// Close rejects further events and waits for in-flight deliveries.
func (b *Bus[Key, Event]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.pending.Wait()
}
