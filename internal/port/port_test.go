package port

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) add(msg []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(msg))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %v", n, r.snapshot())
	return nil
}

func wrapPair(t *testing.T) (*Messenger, *Messenger) {
	t.Helper()
	a, b := Pipe()
	pa, err := Wrap(a)
	if err != nil {
		t.Fatalf("wrap a: %v", err)
	}
	pb, err := Wrap(b)
	if err != nil {
		t.Fatalf("wrap b: %v", err)
	}
	t.Cleanup(func() {
		_ = pa.Close()
		_ = pb.Close()
		_ = a.Close()
		_ = b.Close()
	})
	return pa, pb
}

func TestWrapTwiceFails(t *testing.T) {
	a, _ := Pipe()
	m, err := Wrap(a)
	if err != nil {
		t.Fatalf("first wrap: %v", err)
	}
	if _, err := Wrap(a); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}
	_ = m.Close()
	again, err := Wrap(a)
	if err != nil {
		t.Fatalf("wrap after close: %v", err)
	}
	_ = again.Close()
}

func TestMessagesArriveInOrder(t *testing.T) {
	pa, pb := wrapPair(t)
	var rec recorder
	pb.Subscribe(rec.add)

	want := []string{"one", "two", "three", "four"}
	for _, m := range want {
		if err := pa.Send([]byte(m)); err != nil {
			t.Fatalf("send %s: %v", m, err)
		}
	}
	got := rec.waitFor(t, len(want))
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("order broken: %v", got)
	}
}

func TestEverySubscriberSeesMessage(t *testing.T) {
	pa, pb := wrapPair(t)
	var first, second recorder
	pb.Subscribe(first.add)
	cancel := pb.Subscribe(second.add)

	_ = pa.Send([]byte("hello"))
	first.waitFor(t, 1)
	second.waitFor(t, 1)

	cancel()
	cancel()
	_ = pa.Send([]byte("again"))
	first.waitFor(t, 2)
	if got := second.snapshot(); len(got) != 1 {
		t.Fatalf("cancelled subscriber still notified: %v", got)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	pa, pb := wrapPair(t)
	var meters, control, root recorder
	pb.Channel("meters").Subscribe(meters.add)
	pb.Channel("control").Subscribe(control.add)
	pb.Subscribe(root.add)

	if err := pa.Channel("meters").Send([]byte("level")); err != nil {
		t.Fatalf("send on channel: %v", err)
	}
	_ = pa.Channel("control").Send([]byte("stop"))

	if got := meters.waitFor(t, 1); got[0] != "level" {
		t.Fatalf("meters channel got %v", got)
	}
	if got := control.waitFor(t, 1); got[0] != "stop" {
		t.Fatalf("control channel got %v", got)
	}
	// The root port sees both tagged envelopes.
	root.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	if got := meters.snapshot(); len(got) != 1 {
		t.Fatalf("meters channel leaked messages: %v", got)
	}
}

func TestNestedChannels(t *testing.T) {
	pa, pb := wrapPair(t)
	var inner, outer recorder
	pb.Channel("outer").Channel("inner").Subscribe(inner.add)
	pb.Channel("inner").Subscribe(outer.add)

	_ = pa.Channel("outer").Channel("inner").Send([]byte("deep"))
	if got := inner.waitFor(t, 1); got[0] != "deep" {
		t.Fatalf("nested channel got %v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := outer.snapshot(); len(got) != 0 {
		t.Fatalf("top level channel with same name received nested message: %v", got)
	}
}

func TestChannelCloseLeavesParentRunning(t *testing.T) {
	pa, pb := wrapPair(t)
	var kept, dropped recorder
	pb.Channel("kept").Subscribe(kept.add)
	ch := pb.Channel("dropped")
	ch.Subscribe(dropped.add)

	if err := ch.Close(); err != nil {
		t.Fatalf("close channel: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := ch.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	_ = pa.Channel("dropped").Send([]byte("lost"))
	_ = pa.Channel("kept").Send([]byte("still here"))
	kept.waitFor(t, 1)
	if got := dropped.snapshot(); len(got) != 0 {
		t.Fatalf("closed channel still delivering: %v", got)
	}
}

func TestMessengerCloseStopsSend(t *testing.T) {
	pa, _ := wrapPair(t)
	_ = pa.Close()
	if err := pa.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWebSocketLink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		link := NewWebSocketLink(conn, nil)
		m, err := Wrap(link)
		if err != nil {
			_ = link.Close()
			return
		}
		echo := m.Channel("echo")
		echo.Subscribe(func(msg []byte) { _ = echo.Send(append([]byte("re:"), msg...)) })
		<-link.Done()
		_ = m.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	link := NewWebSocketLink(conn, nil)
	m, err := Wrap(link)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	defer func() {
		_ = m.Close()
		_ = link.Close()
	}()

	var rec recorder
	echo := m.Channel("echo")
	echo.Subscribe(rec.add)
	_ = echo.Send([]byte("ping"))
	if got := rec.waitFor(t, 1); got[0] != "re:ping" {
		t.Fatalf("unexpected echo %v", got)
	}
}
