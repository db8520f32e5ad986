package livestream

import (
	"sync"

	"LiveWire-Runtime/internal/core/address"
)

type listener[T any] struct {
	id int
	fn func(T)
}

type subscriberEntry[T any] struct {
	listeners []listener[T]
	buf       T
}

// subscribers maps addresses to listeners of one value type. Listener lists
// are replaced on every change so a snapshot stays valid while it is being
// notified.
type subscribers[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries map[string]*subscriberEntry[T]
}

func newSubscribers[T any]() *subscribers[T] {
	return &subscribers[T]{entries: make(map[string]*subscriberEntry[T])}
}

func (s *subscribers[T]) subscribe(addr address.Address, fn func(T)) func() {
	key := addr.Key()
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	e, ok := s.entries[key]
	if !ok {
		e = &subscriberEntry[T]{}
		s.entries[key] = e
	}
	e.listeners = append(e.listeners[:len(e.listeners):len(e.listeners)], listener[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(key, id) })
	}
}

func (s *subscribers[T]) remove(key string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			break
		}
	}
	if len(e.listeners) == 0 {
		delete(s.entries, key)
	}
}

func (s *subscribers[T]) snapshot(key string) []listener[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.listeners
	}
	return nil
}

func (s *subscribers[T]) clear() {
	s.mu.Lock()
	s.entries = make(map[string]*subscriberEntry[T])
	s.mu.Unlock()
}

func notify[T any](ls []listener[T], v T) {
	for _, l := range ls {
		l.fn(v)
	}
}

// arrayBuffer returns the listeners of key with a buffer of length n that is
// reused across frames while n stays the same. Both are nil when nobody
// listens.
func arrayBuffer[E any](s *subscribers[[]E], key string, n int) ([]listener[[]E], []E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if e.buf == nil || len(e.buf) != n {
		e.buf = make([]E, n)
	}
	return e.listeners, e.buf
}
