package livestreamapi

import (
	"context"
	"fmt"

	"LiveWire-Runtime/internal/core/address"
	"LiveWire-Runtime/internal/livestream"
	"LiveWire-Runtime/internal/rpc"
)

// Probe methods served on the websocket RPC endpoint.
const (
	// MethodEcho resolves with its single argument.
	MethodEcho rpc.Method = "echo"
	// MethodWatch(kind, address, count, callback) forwards count received
	// values through callback and resolves with the number delivered.
	MethodWatch rpc.Method = "watch"
)

const tapBuffer = 16

func (s *Server) probeHandlers() map[rpc.Method]rpc.Handler {
	return map[rpc.Method]rpc.Handler{
		MethodEcho:  s.echo,
		MethodWatch: s.watch,
	}
}

func (s *Server) echo(_ context.Context, req *rpc.Request) (any, error) {
	var v any
	if err := req.Decode(0, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) watch(ctx context.Context, req *rpc.Request) (any, error) {
	var kindName, rawAddr string
	var count int
	if err := req.Decode(0, &kindName); err != nil {
		return nil, err
	}
	if err := req.Decode(1, &rawAddr); err != nil {
		return nil, err
	}
	if err := req.Decode(2, &count); err != nil {
		return nil, err
	}
	forward, err := req.Func(3)
	if err != nil {
		return nil, err
	}
	kind, err := livestream.ParsePackageType(kindName)
	if err != nil {
		return nil, err
	}
	addr, err := address.Parse(rawAddr)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return 0, nil
	}

	ch, cancel, err := s.tap(kind, addr)
	if err != nil {
		return nil, err
	}
	defer cancel()
	delivered := 0
	for delivered < count {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case v := <-ch:
			if err := forward(v); err != nil {
				return delivered, fmt.Errorf("forward value: %w", err)
			}
			delivered++
		}
	}
	return delivered, nil
}

// tap subscribes to one address on the receiver. Array values are copied
// because the receiver reuses its buffers. When the reader falls behind new
// values are dropped.
func (s *Server) tap(kind livestream.PackageType, addr address.Address) (<-chan any, func(), error) {
	if s.receiver == nil {
		return nil, nil, ErrNoReceiver
	}
	ch := make(chan any, tapBuffer)
	push := func(v any) {
		select {
		case ch <- v:
		default:
		}
	}
	var cancel func()
	switch kind {
	case livestream.Float:
		cancel = s.receiver.SubscribeFloat(addr, func(v float32) { push(v) })
	case livestream.Integer:
		cancel = s.receiver.SubscribeInteger(addr, func(v int32) { push(v) })
	case livestream.FloatArray:
		cancel = s.receiver.SubscribeFloats(addr, func(v []float32) { push(append([]float32(nil), v...)) })
	case livestream.IntegerArray:
		cancel = s.receiver.SubscribeIntegers(addr, func(v []int32) { push(append([]int32(nil), v...)) })
	case livestream.ByteArray:
		cancel = s.receiver.SubscribeBytes(addr, func(v []byte) { push(append([]byte(nil), v...)) })
	default:
		return nil, nil, fmt.Errorf("unsupported kind %s", kind)
	}
	return ch, cancel, nil
}
