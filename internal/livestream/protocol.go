package livestream

import (
	"context"

	"LiveWire-Runtime/internal/core/shm"
	"LiveWire-Runtime/internal/rpc"
)

// Control methods. All three are fire-and-forget.
const (
	MethodShareLock       rpc.Method = "sendShareLock"
	MethodUpdateData      rpc.Method = "sendUpdateData"
	MethodUpdateStructure rpc.Method = "sendUpdateStructure"
)

// Protocol is the control plane from broadcaster to receiver. It runs only
// when the lock is first shared, the data buffer is replaced or the structure
// changes.
type Protocol interface {
	SendShareLock(lock shm.Handle) error
	SendUpdateData(data shm.Handle) error
	SendUpdateStructure(structure []byte) error
}

type protocolSender struct {
	sender *rpc.Sender
}

// NewProtocolSender dispatches Protocol calls through s.
func NewProtocolSender(s *rpc.Sender) Protocol {
	return protocolSender{sender: s}
}

func (p protocolSender) SendShareLock(lock shm.Handle) error {
	return p.sender.Forget(MethodShareLock, lock)
}

func (p protocolSender) SendUpdateData(data shm.Handle) error {
	return p.sender.Forget(MethodUpdateData, data)
}

func (p protocolSender) SendUpdateStructure(structure []byte) error {
	return p.sender.Forget(MethodUpdateStructure, structure)
}

// protocolHandlers serves Protocol calls with impl.
func protocolHandlers(impl Protocol) map[rpc.Method]rpc.Handler {
	handle := func(apply func(req *rpc.Request) error) rpc.Handler {
		return func(_ context.Context, req *rpc.Request) (any, error) {
			return nil, apply(req)
		}
	}
	return map[rpc.Method]rpc.Handler{
		MethodShareLock: handle(func(req *rpc.Request) error {
			var h shm.Handle
			if err := req.Decode(0, &h); err != nil {
				return err
			}
			return impl.SendShareLock(h)
		}),
		MethodUpdateData: handle(func(req *rpc.Request) error {
			var h shm.Handle
			if err := req.Decode(0, &h); err != nil {
				return err
			}
			return impl.SendUpdateData(h)
		}),
		MethodUpdateStructure: handle(func(req *rpc.Request) error {
			var b []byte
			if err := req.Decode(0, &b); err != nil {
				return err
			}
			return impl.SendUpdateStructure(b)
		}),
	}
}
