// Package rpc dispatches method calls across a port. A Sender issues calls and
// an Executor on the other end serves them. Calls are either fire-and-forget
// or return a result, and result-bearing calls may pass callbacks that the
// executor invokes remotely while the call is in flight.
package rpc

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Method names a remote operation. Sender and executor share the constants.
type Method string

var (
	ErrProtocol        = errors.New("rpc: protocol error")
	ErrUnknownReturnID = fmt.Errorf("%w: unknown return id", ErrProtocol)
	ErrUnknownMethod   = fmt.Errorf("%w: unknown method", ErrProtocol)
	ErrClosed          = errors.New("rpc: closed")
	ErrTimeout         = errors.New("rpc: call timed out")
	ErrArgument        = errors.New("rpc: bad argument")
)

// RemoteError is a rejection sent back by the executor.
type RemoteError struct {
	Method Method
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s rejected: %s", e.Method, e.Reason)
}

// Values are the arguments of a callback invocation.
type Values []msgpack.RawMessage

func (v Values) Len() int { return len(v) }

func (v Values) Decode(i int, dst any) error {
	if i < 0 || i >= len(v) {
		return fmt.Errorf("%w: index %d of %d", ErrArgument, i, len(v))
	}
	return msgpack.Unmarshal(v[i], dst)
}

// Callback is a function argument. The executor receives a RemoteFunc in its
// place, and every invocation there runs the callback here.
type Callback func(Values)

// ErrorHandler receives errors that have no caller to return to, such as
// malformed envelopes or settlements for unknown calls.
type ErrorHandler func(error)

type options struct {
	log     *zap.Logger
	onError ErrorHandler
	timeout time.Duration
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithErrorHandler(fn ErrorHandler) Option {
	return func(o *options) { o.onError = fn }
}

// WithCallTimeout abandons result-bearing calls that are not settled in d.
// Zero waits forever.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.onError == nil {
		log := o.log
		o.onError = func(err error) { log.Error("rpc failure", zap.Error(err)) }
	}
	return o
}

var (
	pendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "livewire",
		Subsystem: "rpc",
		Name:      "pending_calls",
		Help:      "Result-bearing calls waiting for settlement.",
	})
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "livewire",
		Subsystem: "rpc",
		Name:      "protocol_errors_total",
		Help:      "Malformed or unexpected envelopes.",
	})
)
