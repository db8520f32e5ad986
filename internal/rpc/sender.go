package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"LiveWire-Runtime/internal/port"
)

// Sender issues calls over a port and settles them as replies arrive.
type Sender struct {
	port port.Port
	opts options
	stop func()

	mu        sync.Mutex
	nextID    uint64
	pending   map[uint64]*Call
	abandoned map[uint64]struct{}
	closed    bool
}

func NewSender(p port.Port, opts ...Option) *Sender {
	s := &Sender{
		port:      p,
		opts:      buildOptions(opts),
		pending:   make(map[uint64]*Call),
		abandoned: make(map[uint64]struct{}),
	}
	s.stop = p.Subscribe(s.receive)
	return s
}

// Forget sends a call without waiting for, or expecting, a reply.
func (s *Sender) Forget(method Method, args ...any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	encoded := make([]argument, len(args))
	for i, a := range args {
		switch a.(type) {
		case Callback, func(Values):
			return fmt.Errorf("%w: %s argument %d is a callback", ErrArgument, method, i)
		}
		v, err := encodeValue(a)
		if err != nil {
			return fmt.Errorf("%s argument %d: %w", method, i, err)
		}
		encoded[i] = argument{Value: v}
	}
	return s.send(envelope{Type: typeSend, Func: method, Args: encoded})
}

// Go starts a call and returns immediately. The Call settles when the
// executor resolves or rejects it.
func (s *Sender) Go(method Method, args ...any) (*Call, error) {
	encoded := make([]argument, len(args))
	callbacks := make(map[int]Callback)
	for i, a := range args {
		switch fn := a.(type) {
		case Callback:
			callbacks[i] = fn
			idx := i
			encoded[i] = argument{Callback: &idx}
		case func(Values):
			callbacks[i] = fn
			idx := i
			encoded[i] = argument{Callback: &idx}
		default:
			v, err := encodeValue(a)
			if err != nil {
				return nil, fmt.Errorf("%s argument %d: %w", method, i, err)
			}
			encoded[i] = argument{Value: v}
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	call := &Call{Method: method, ID: id, sender: s, callbacks: callbacks, done: make(chan struct{})}
	s.pending[id] = call
	pendingCalls.Inc()
	if s.opts.timeout > 0 {
		call.timer = time.AfterFunc(s.opts.timeout, func() { s.abandon(id, ErrTimeout) })
	}
	s.mu.Unlock()

	err := s.send(envelope{Type: typeSend, Func: method, Args: encoded, ReturnID: ReturnID{ID: id, Valid: true}})
	if err != nil {
		s.mu.Lock()
		if _, ok := s.pending[id]; ok {
			delete(s.pending, id)
			pendingCalls.Dec()
		}
		s.mu.Unlock()
		call.stopTimer()
		return nil, err
	}
	return call, nil
}

// Call runs method, waits for the reply and decodes it into reply. A nil
// reply discards the result.
func (s *Sender) Call(ctx context.Context, method Method, reply any, args ...any) error {
	call, err := s.Go(method, args...)
	if err != nil {
		return err
	}
	if err := call.Wait(ctx); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return call.Decode(reply)
}

func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops listening and fails every pending call with ErrClosed.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[uint64]*Call)
	s.mu.Unlock()

	s.stop()
	for _, call := range pending {
		pendingCalls.Dec()
		call.settle(nil, ErrClosed)
	}
	return nil
}

func (s *Sender) send(env envelope) error {
	env.V = envelopeVersion
	b, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return s.port.Send(b)
}

// abandon drops a call locally. The executor is not told, and whatever it
// sends back for id later is discarded.
func (s *Sender) abandon(id uint64, reason error) {
	s.mu.Lock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
		s.abandoned[id] = struct{}{}
		pendingCalls.Dec()
	}
	s.mu.Unlock()
	if ok {
		s.opts.log.Debug("call abandoned", zap.String("method", string(call.Method)), zap.Uint64("return_id", id), zap.Error(reason))
		call.settle(nil, reason)
	}
}

func (s *Sender) receive(msg []byte) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		protocolErrors.Inc()
		s.opts.onError(err)
		return
	}
	switch env.Type {
	case typeResolve, typeReject, typeCallback:
	default:
		return
	}
	if !env.ReturnID.Valid {
		protocolErrors.Inc()
		s.opts.onError(fmt.Errorf("%w: %s without return id", ErrProtocol, env.Type))
		return
	}
	id := env.ReturnID.ID

	s.mu.Lock()
	call, ok := s.pending[id]
	if ok && env.Type != typeCallback {
		delete(s.pending, id)
		pendingCalls.Dec()
	}
	_, dropped := s.abandoned[id]
	if !ok && dropped && env.Type != typeCallback {
		delete(s.abandoned, id)
	}
	s.mu.Unlock()

	if !ok {
		if dropped {
			return
		}
		protocolErrors.Inc()
		s.opts.onError(fmt.Errorf("%w: %s for %d", ErrUnknownReturnID, env.Type, id))
		return
	}

	switch env.Type {
	case typeResolve:
		call.settle(env.Resolve, nil)
	case typeReject:
		reason := ""
		if env.Reject != nil {
			reason = env.Reject.Message
		}
		call.settle(nil, &RemoteError{Method: call.Method, Reason: reason})
	case typeCallback:
		fn, found := call.callbacks[env.FuncAt]
		if !found {
			protocolErrors.Inc()
			s.opts.onError(fmt.Errorf("%w: %s has no callback at %d", ErrProtocol, call.Method, env.FuncAt))
			return
		}
		values := make(Values, len(env.Args))
		for i, a := range env.Args {
			values[i] = a.Value
		}
		fn(values)
	}
}

// Call is a pending or settled result-bearing call.
type Call struct {
	Method Method
	ID     uint64

	sender    *Sender
	callbacks map[int]Callback
	timer     *time.Timer
	once      sync.Once
	done      chan struct{}
	result    msgpack.RawMessage
	err       error
}

// Done is closed once the call is settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles and returns its error. If ctx ends
// first the call is abandoned.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		c.sender.abandon(c.ID, ctx.Err())
		<-c.done
		return c.err
	}
}

// Err reports the settlement error. It is nil while the call is pending.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Decode unmarshals the resolved value into v. It does not wait.
func (c *Call) Decode(v any) error {
	select {
	case <-c.done:
	default:
		return fmt.Errorf("rpc: %s still pending", c.Method)
	}
	if c.err != nil {
		return c.err
	}
	return msgpack.Unmarshal(c.result, v)
}

func (c *Call) settle(result msgpack.RawMessage, err error) {
	c.once.Do(func() {
		c.stopTimer()
		c.result = result
		c.err = err
		close(c.done)
	})
}

func (c *Call) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
	}
}
