package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"LiveWire-Runtime/internal/port"
)

// Handler serves one method. The returned value resolves the call; an error
// rejects it. Fire-and-forget calls discard both.
type Handler func(ctx context.Context, req *Request) (any, error)

// RemoteFunc invokes a callback that the caller passed as an argument.
type RemoteFunc func(args ...any) error

// Request carries the arguments of one call.
type Request struct {
	Method Method
	args   []argument
	funcs  map[int]RemoteFunc
}

func (r *Request) Len() int { return len(r.args) }

// Decode unmarshals value argument i into v.
func (r *Request) Decode(i int, v any) error {
	if i < 0 || i >= len(r.args) {
		return fmt.Errorf("%w: %s has %d arguments, wanted index %d", ErrArgument, r.Method, len(r.args), i)
	}
	if r.args[i].Callback != nil {
		return fmt.Errorf("%w: %s argument %d is a callback", ErrArgument, r.Method, i)
	}
	return msgpack.Unmarshal(r.args[i].Value, v)
}

// Func returns callback argument i.
func (r *Request) Func(i int) (RemoteFunc, error) {
	fn, ok := r.funcs[i]
	if !ok {
		return nil, fmt.Errorf("%w: %s argument %d is not a callback", ErrArgument, r.Method, i)
	}
	return fn, nil
}

// Executor serves calls arriving on a port.
type Executor struct {
	port     port.Port
	handlers map[Method]Handler
	opts     options
	stop     func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewExecutor(p port.Port, handlers map[Method]Handler, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		port:     p,
		handlers: handlers,
		opts:     buildOptions(opts),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.stop = p.Subscribe(e.receive)
	return e
}

// Close unsubscribes, cancels the context of running handlers and waits for
// them to return.
func (e *Executor) Close() error {
	e.once.Do(func() {
		e.stop()
		e.cancel()
		e.wg.Wait()
	})
	return nil
}

func (e *Executor) receive(msg []byte) {
	env, err := decodeEnvelope(msg)
	if err != nil {
		protocolErrors.Inc()
		e.opts.onError(err)
		return
	}
	if env.Type != typeSend {
		return
	}
	handler, ok := e.handlers[env.Func]
	if !ok {
		protocolErrors.Inc()
		e.opts.onError(fmt.Errorf("%w: %q", ErrUnknownMethod, env.Func))
		if env.ReturnID.Valid {
			e.reject(env.ReturnID, fmt.Sprintf("unknown method %q", env.Func))
		}
		return
	}

	req := &Request{Method: env.Func, args: env.Args}
	if !env.ReturnID.Valid {
		for i, a := range env.Args {
			if a.Callback != nil {
				protocolErrors.Inc()
				e.opts.onError(fmt.Errorf("%w: %s argument %d is a callback on a call without reply", ErrProtocol, env.Func, i))
				return
			}
		}
		if _, err := e.invoke(handler, req); err != nil {
			e.opts.onError(fmt.Errorf("%s: %w", env.Func, err))
		}
		return
	}

	rid := env.ReturnID
	for i, a := range env.Args {
		if a.Callback == nil {
			continue
		}
		if req.funcs == nil {
			req.funcs = make(map[int]RemoteFunc)
		}
		req.funcs[i] = e.remoteFunc(rid, *a.Callback)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		result, err := e.invoke(handler, req)
		if err != nil {
			e.reject(rid, err.Error())
			return
		}
		value, err := encodeValue(result)
		if err != nil {
			e.reject(rid, err.Error())
			return
		}
		e.send(envelope{Type: typeResolve, ReturnID: rid, Resolve: value})
	}()
}

func (e *Executor) invoke(h Handler, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.log.Error("handler panic", zap.String("method", string(req.Method)), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(e.ctx, req)
}

func (e *Executor) remoteFunc(rid ReturnID, at int) RemoteFunc {
	return func(args ...any) error {
		encoded := make([]argument, len(args))
		for i, a := range args {
			v, err := encodeValue(a)
			if err != nil {
				return err
			}
			encoded[i] = argument{Value: v}
		}
		return e.sendErr(envelope{Type: typeCallback, ReturnID: rid, FuncAt: at, Args: encoded})
	}
}

func (e *Executor) reject(rid ReturnID, reason string) {
	e.send(envelope{Type: typeReject, ReturnID: rid, Reject: &rejection{Message: reason}})
}

func (e *Executor) send(env envelope) {
	if err := e.sendErr(env); err != nil {
		e.opts.log.Warn("send reply", zap.String("type", env.Type), zap.Uint64("return_id", env.ReturnID.ID), zap.Error(err))
	}
}

func (e *Executor) sendErr(env envelope) error {
	env.V = envelopeVersion
	b, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return e.port.Send(b)
}
