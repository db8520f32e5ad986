// Package port turns a raw bidirectional message link into a publish/subscribe
// Port and carves named virtual sub-channels out of one physical link.
package port

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrAlreadyAttached = errors.New("port: link already has a handler attached")
	ErrClosed          = errors.New("port: closed")
)

// Link is one raw physical port: a worker link, a window link, a socket. It
// accepts exactly one handler at a time.
type Link interface {
	Post(msg []byte) error
	SetHandler(fn func(msg []byte))
	Close() error
}

// Port is the publish/subscribe view of a link. Subscribers are called in
// subscription order on the link's delivery goroutine.
type Port interface {
	Send(msg []byte) error
	Subscribe(fn func(msg []byte)) (cancel func())
	Channel(name string) Port
	Close() error
}

var attached sync.Map

// Messenger is the root Port of one link.
type Messenger struct {
	link   Link
	obs    observers
	closed atomic.Bool
	once   sync.Once
}

// Wrap attaches the raw handler to link. A link can only be wrapped once
// until the owning Messenger is closed.
func Wrap(link Link) (*Messenger, error) {
	if _, loaded := attached.LoadOrStore(link, struct{}{}); loaded {
		return nil, ErrAlreadyAttached
	}
	m := &Messenger{link: link}
	link.SetHandler(m.obs.notify)
	return m, nil
}

func (m *Messenger) Send(msg []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.link.Post(msg)
}

func (m *Messenger) Subscribe(fn func(msg []byte)) func() {
	return m.obs.add(fn)
}

func (m *Messenger) Channel(name string) Port {
	return newChannel(m, name)
}

// Close detaches the handler and drops all subscribers. The link itself stays
// open and may be wrapped again.
func (m *Messenger) Close() error {
	m.once.Do(func() {
		m.closed.Store(true)
		m.link.SetHandler(nil)
		m.obs.clear()
		attached.Delete(m.link)
	})
	return nil
}

type tagged struct {
	Channel string `msgpack:"channel"`
	Message []byte `msgpack:"message"`
}

type channel struct {
	parent Port
	name   string
	obs    observers
	cancel func()
	closed atomic.Bool
	once   sync.Once
}

func newChannel(parent Port, name string) *channel {
	c := &channel{parent: parent, name: name}
	c.cancel = parent.Subscribe(c.receive)
	return c
}

func (c *channel) receive(msg []byte) {
	var t tagged
	if err := msgpack.Unmarshal(msg, &t); err != nil || t.Channel != c.name {
		return
	}
	c.obs.notify(t.Message)
}

func (c *channel) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, err := msgpack.Marshal(tagged{Channel: c.name, Message: msg})
	if err != nil {
		return err
	}
	return c.parent.Send(b)
}

func (c *channel) Subscribe(fn func(msg []byte)) func() {
	return c.obs.add(fn)
}

func (c *channel) Channel(name string) Port {
	return newChannel(c, name)
}

// Close only drops this channel's subscription on its parent.
func (c *channel) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.obs.clear()
	})
	return nil
}

type observer struct {
	id int
	fn func([]byte)
}

type observers struct {
	mu     sync.RWMutex
	nextID int
	list   []observer
}

func (o *observers) add(fn func([]byte)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.list = append(o.list, observer{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, ob := range o.list {
				if ob.id == id {
					o.list = append(o.list[:i:i], o.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) notify(msg []byte) {
	o.mu.RLock()
	snapshot := o.list
	o.mu.RUnlock()
	for _, ob := range snapshot {
		ob.fn(msg)
	}
}

func (o *observers) clear() {
	o.mu.Lock()
	o.list = nil
	o.mu.Unlock()
}
