package port

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"LiveWire-Runtime/internal/core/network"
)

// Side selects one end of a PubSub-backed link.
type Side int

const (
	SideA Side = iota
	SideB
)

// PubSubLink is a point-to-point link over a topic-based transport: it
// publishes to one topic and consumes another. Messages that arrive before a
// handler is attached wait in the subscription.
type PubSubLink struct {
	ps       network.PubSub
	outbound string
	ch       <-chan network.Message
	cancel   func()

	mu      sync.Mutex
	handler func([]byte)
	start   sync.Once
	closed  atomic.Bool
}

func NewPubSubLink(ps network.PubSub, inbound, outbound string) (*PubSubLink, error) {
	ch, cancel, err := ps.Subscribe(inbound)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", inbound, err)
	}
	return &PubSubLink{ps: ps, outbound: outbound, ch: ch, cancel: cancel}, nil
}

// NewPubSubEnd builds one side of the link named name. The two sides of one
// name talk to each other, possibly from different processes.
func NewPubSubEnd(ps network.PubSub, name string, side Side) (*PubSubLink, error) {
	ab, ba := name+".a-b", name+".b-a"
	if side == SideA {
		return NewPubSubLink(ps, ba, ab)
	}
	return NewPubSubLink(ps, ab, ba)
}

// Pipe returns two connected in-process links, like the two ports of a
// message channel.
func Pipe() (Link, Link) {
	ps := network.NewMemoryPubSub()
	a, _ := NewPubSubEnd(ps, "pipe", SideA)
	b, _ := NewPubSubEnd(ps, "pipe", SideB)
	return a, b
}

func (l *PubSubLink) Post(msg []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.ps.Publish(l.outbound, msg)
}

func (l *PubSubLink) SetHandler(fn func([]byte)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
	if fn != nil {
		l.start.Do(func() { go l.pump() })
	}
}

func (l *PubSubLink) pump() {
	for msg := range l.ch {
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(msg.Payload)
		}
	}
}

func (l *PubSubLink) Close() error {
	if l.closed.CompareAndSwap(false, true) {
		l.cancel()
	}
	return nil
}

// WebSocketLink carries binary websocket frames. Reading starts when the
// first handler is attached.
type WebSocketLink struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	handler func([]byte)
	start   sync.Once
	done    chan struct{}
	once    sync.Once
}

func NewWebSocketLink(conn *websocket.Conn, log *zap.Logger) *WebSocketLink {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketLink{conn: conn, log: log, done: make(chan struct{})}
}

func (l *WebSocketLink) Post(msg []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (l *WebSocketLink) SetHandler(fn func([]byte)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
	if fn != nil {
		l.start.Do(func() { go l.read() })
	}
}

// Done is closed once the link stops reading, because the peer went away or
// Close was called.
func (l *WebSocketLink) Done() <-chan struct{} { return l.done }

func (l *WebSocketLink) read() {
	defer l.finish()
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			l.log.Debug("websocket link read stopped", zap.Error(err))
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (l *WebSocketLink) finish() {
	l.once.Do(func() { close(l.done) })
}

func (l *WebSocketLink) Close() error {
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	l.finish()
	return l.conn.Close()
}
