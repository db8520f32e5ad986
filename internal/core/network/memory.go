package network

import (
	"sync"
)

// MemoryPubSub is a process-local transport. Publish never blocks and never
// drops: every subscriber owns an unbounded FIFO drained by its own goroutine,
// so message order per topic is preserved for each subscriber.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*memorySub
}

type memorySub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	closed bool
	done   chan struct{}
	out    chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string]map[int]*memorySub)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[topic] {
		sub.push(Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[topic]; !ok {
		m.subs[topic] = make(map[int]*memorySub)
	}
	id := m.nextID
	m.nextID++
	sub := &memorySub{done: make(chan struct{}), out: make(chan Message)}
	sub.cond = sync.NewCond(&sub.mu)
	m.subs[topic][id] = sub
	go sub.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			if subsByTopic, ok := m.subs[topic]; ok {
				delete(subsByTopic, id)
				if len(subsByTopic) == 0 {
					delete(m.subs, topic)
				}
			}
			m.mu.Unlock()
			sub.close()
		})
	}
	return sub.out, cancel, nil
}

func (s *memorySub) push(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *memorySub) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
	close(s.done)
}

func (s *memorySub) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}
