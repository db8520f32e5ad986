package rpc

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"LiveWire-Runtime/internal/port"
)

const (
	methodEcho    Method = "echo"
	methodFail    Method = "fail"
	methodPanic   Method = "panic"
	methodAppend  Method = "append"
	methodBlock   Method = "block"
	methodCountUp Method = "countUp"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) snapshot() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *errorSink) waitFor(t *testing.T, target error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, err := range s.snapshot() {
			if errors.Is(err, target) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected error %v, got %v", target, s.snapshot())
}

type fixture struct {
	sender      *Sender
	executor    *Executor
	senderErrs  *errorSink
	executeErrs *errorSink
	senderPort  port.Port
	execPort    port.Port
}

func newFixture(t *testing.T, handlers map[Method]Handler, opts ...Option) *fixture {
	t.Helper()
	a, b := port.Pipe()
	pa, err := port.Wrap(a)
	if err != nil {
		t.Fatalf("wrap a: %v", err)
	}
	pb, err := port.Wrap(b)
	if err != nil {
		t.Fatalf("wrap b: %v", err)
	}
	f := &fixture{senderErrs: &errorSink{}, executeErrs: &errorSink{}, senderPort: pa, execPort: pb}
	f.sender = NewSender(pa, append(opts, WithErrorHandler(f.senderErrs.handle))...)
	f.executor = NewExecutor(pb, handlers, WithErrorHandler(f.executeErrs.handle))
	t.Cleanup(func() {
		_ = f.sender.Close()
		_ = f.executor.Close()
		_ = pa.Close()
		_ = pb.Close()
		_ = a.Close()
		_ = b.Close()
	})
	return f
}

type sample struct {
	Name   string
	Levels []float32
	Tags   map[string]int
}

func TestCallRoundTrip(t *testing.T) {
	f := newFixture(t, map[Method]Handler{
		methodEcho: func(ctx context.Context, req *Request) (any, error) {
			var s sample
			if err := req.Decode(0, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
	})

	in := sample{Name: "bus", Levels: []float32{0.25, -1, 0.5}, Tags: map[string]int{"ch": 2}}
	var out sample
	if err := f.sender.Call(context.Background(), methodEcho, &out, in); err != nil {
		t.Fatalf("call: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: %+v != %+v", in, out)
	}
	if f.sender.Pending() != 0 {
		t.Fatalf("expected no pending calls, got %d", f.sender.Pending())
	}
}

func TestCallbacksRunBeforeResolve(t *testing.T) {
	f := newFixture(t, map[Method]Handler{
		methodCountUp: func(ctx context.Context, req *Request) (any, error) {
			var n int
			if err := req.Decode(0, &n); err != nil {
				return nil, err
			}
			progress, err := req.Func(1)
			if err != nil {
				return nil, err
			}
			for i := 1; i <= n; i++ {
				if err := progress(i, "step"); err != nil {
					return nil, err
				}
			}
			return n, nil
		},
	})

	var got []int
	call, err := f.sender.Go(methodCountUp, 3, func(v Values) {
		var i int
		var label string
		if err := v.Decode(0, &i); err != nil {
			t.Errorf("decode callback value: %v", err)
		}
		if err := v.Decode(1, &label); err != nil || label != "step" {
			t.Errorf("unexpected label %q: %v", label, err)
		}
		got = append(got, i)
	})
	if err != nil {
		t.Fatalf("go: %v", err)
	}
	if err := call.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	var total int
	if err := call.Decode(&total); err != nil || total != 3 {
		t.Fatalf("unexpected result %d: %v", total, err)
	}
	if !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("callbacks out of order or missing: %v", got)
	}
}

func TestForgetPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	f := newFixture(t, map[Method]Handler{
		methodAppend: func(ctx context.Context, req *Request) (any, error) {
			var n int
			if err := req.Decode(0, &n); err != nil {
				return nil, err
			}
			mu.Lock()
			seen = append(seen, n)
			mu.Unlock()
			return nil, nil
		},
	})

	for i := 0; i < 100; i++ {
		if err := f.sender.Forget(methodAppend, i); err != nil {
			t.Fatalf("forget %d: %v", i, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 100 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 100 {
		t.Fatalf("expected 100 deliveries, got %d", len(seen))
	}
	for i, n := range seen {
		if n != i {
			t.Fatalf("delivery %d carried %d", i, n)
		}
	}
}

func TestForgetRejectsCallbackArgument(t *testing.T) {
	f := newFixture(t, map[Method]Handler{})
	err := f.sender.Forget(methodAppend, Callback(func(Values) {}))
	if !errors.Is(err, ErrArgument) {
		t.Fatalf("expected ErrArgument, got %v", err)
	}
}

func TestRejections(t *testing.T) {
	f := newFixture(t, map[Method]Handler{
		methodFail: func(ctx context.Context, req *Request) (any, error) {
			return nil, errors.New("meter not found")
		},
		methodPanic: func(ctx context.Context, req *Request) (any, error) {
			panic("boom")
		},
	})

	err := f.sender.Call(context.Background(), methodFail, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Reason != "meter not found" || remote.Method != methodFail {
		t.Fatalf("expected remote rejection, got %v", err)
	}

	err = f.sender.Call(context.Background(), methodPanic, nil)
	if !errors.As(err, &remote) {
		t.Fatalf("expected panic to reject, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t, map[Method]Handler{})

	err := f.sender.Call(context.Background(), "missing", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected rejection for unknown method, got %v", err)
	}
	f.executeErrs.waitFor(t, ErrUnknownMethod)
	if !errors.Is(ErrUnknownMethod, ErrProtocol) {
		t.Fatal("unknown method should be a protocol error")
	}
}

func TestUnknownReturnID(t *testing.T) {
	f := newFixture(t, map[Method]Handler{})

	b, err := msgpack.Marshal(envelope{V: envelopeVersion, Type: typeResolve, ReturnID: ReturnID{ID: 42, Valid: true}, Resolve: msgpack.RawMessage{0xc0}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.execPort.Send(b); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.senderErrs.waitFor(t, ErrUnknownReturnID)
}

func TestUnsupportedEnvelopeVersion(t *testing.T) {
	f := newFixture(t, map[Method]Handler{})

	b, _ := msgpack.Marshal(envelope{V: 7, Type: typeSend, Func: methodEcho})
	_ = f.senderPort.Send(b)
	f.executeErrs.waitFor(t, ErrProtocol)
}

func TestAbandonedCallDropsLateReply(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, map[Method]Handler{
		methodBlock: func(ctx context.Context, req *Request) (any, error) {
			<-release
			return "late", nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := f.sender.Call(ctx, methodBlock, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if f.sender.Pending() != 0 {
		t.Fatalf("abandoned call still pending")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.sender.mu.Lock()
		left := len(f.sender.abandoned)
		f.sender.mu.Unlock()
		if left == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.sender.mu.Lock()
	left := len(f.sender.abandoned)
	f.sender.mu.Unlock()
	if left != 0 {
		t.Fatalf("late reply never arrived")
	}
	if errs := f.senderErrs.snapshot(); len(errs) != 0 {
		t.Fatalf("late reply reported as error: %v", errs)
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, map[Method]Handler{
		methodBlock: func(ctx context.Context, req *Request) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	}, WithCallTimeout(20*time.Millisecond))

	err := f.sender.Call(context.Background(), methodBlock, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, map[Method]Handler{
		methodBlock: func(ctx context.Context, req *Request) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})

	call, err := f.sender.Go(methodBlock)
	if err != nil {
		t.Fatalf("go: %v", err)
	}
	_ = f.sender.Close()
	if err := call.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := f.sender.Go(methodBlock); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestReturnIDEncoding(t *testing.T) {
	b, err := msgpack.Marshal(ReturnID{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(b, []byte{0xc2}) {
		t.Fatalf("fire-and-forget id should encode as false, got % x", b)
	}
	var rid ReturnID
	if err := msgpack.Unmarshal(b, &rid); err != nil || rid.Valid {
		t.Fatalf("decode false: %+v %v", rid, err)
	}
	b, _ = msgpack.Marshal(ReturnID{ID: 9, Valid: true})
	if err := msgpack.Unmarshal(b, &rid); err != nil || !rid.Valid || rid.ID != 9 {
		t.Fatalf("decode 9: %+v %v", rid, err)
	}
}
