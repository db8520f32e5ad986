package livestream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"LiveWire-Runtime/internal/core/address"
	"LiveWire-Runtime/internal/core/binio"
	"LiveWire-Runtime/internal/core/shm"
	"LiveWire-Runtime/internal/port"
	"LiveWire-Runtime/internal/rpc"
)

type ReceiverStats struct {
	Version          int32  `json:"version"`
	Entries          int    `json:"entries"`
	FramesDispatched uint64 `json:"frames_dispatched"`
	StaleFrames      uint64 `json:"stale_frames"`
	ReleasedFrames   uint64 `json:"released_frames"`
	Errors           uint64 `json:"errors"`
}

type dispatchFunc func(in *binio.Input) error

type structureEntry struct {
	addr address.Address
	typ  PackageType
}

// Receiver is the consuming side of a live stream.
type Receiver struct {
	opener shm.Opener
	opts   options

	floats    *subscribers[float32]
	integers  *subscribers[int32]
	floatArrs *subscribers[[]float32]
	intArrs   *subscribers[[]int32]
	byteArrs  *subscribers[[]byte]

	// pollMu serializes Poll with buffer replacement.
	pollMu sync.Mutex

	mu        sync.Mutex
	lock      *Lock
	data      []byte
	version   int32
	dispatch  []dispatchFunc
	connected bool
	executor  *rpc.Executor
	stopPoll  context.CancelFunc
	pollDone  chan struct{}

	dispatched uint64
	stale      uint64
	released   uint64
	errs       uint64
}

func NewReceiver(opener shm.Opener, opts ...Option) *Receiver {
	return &Receiver{
		opener:    opener,
		opts:      buildOptions(opts),
		floats:    newSubscribers[float32](),
		integers:  newSubscribers[int32](),
		floatArrs: newSubscribers[[]float32](),
		intArrs:   newSubscribers[[]int32](),
		byteArrs:  newSubscribers[[]byte](),
	}
}

func (r *Receiver) SubscribeFloat(addr address.Address, fn func(float32)) func() {
	return r.floats.subscribe(addr, fn)
}

func (r *Receiver) SubscribeInteger(addr address.Address, fn func(int32)) func() {
	return r.integers.subscribe(addr, fn)
}

// SubscribeFloats delivers a buffer that is reused for the next frame. Copy it
// to keep it.
func (r *Receiver) SubscribeFloats(addr address.Address, fn func([]float32)) func() {
	return r.floatArrs.subscribe(addr, fn)
}

func (r *Receiver) SubscribeIntegers(addr address.Address, fn func([]int32)) func() {
	return r.intArrs.subscribe(addr, fn)
}

func (r *Receiver) SubscribeBytes(addr address.Address, fn func([]byte)) func() {
	return r.byteArrs.subscribe(addr, fn)
}

// Connect serves the control protocol on p and, with a poll interval
// configured, starts polling. The returned func disconnects.
func (r *Receiver) Connect(p port.Port) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil, ErrAlreadyConnected
	}
	r.connected = true
	r.executor = rpc.NewExecutor(p, protocolHandlers(receiverControl{r}),
		rpc.WithLogger(r.opts.log), rpc.WithErrorHandler(r.fail))
	if r.opts.pollInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		r.stopPoll = cancel
		r.pollDone = make(chan struct{})
		go r.pollLoop(ctx, r.opts.pollInterval, r.pollDone)
	}
	var once sync.Once
	return func() { once.Do(r.disconnect) }, nil
}

func (r *Receiver) disconnect() {
	r.mu.Lock()
	executor, stop, done := r.executor, r.stopPoll, r.pollDone
	r.executor, r.stopPoll, r.pollDone = nil, nil, nil
	r.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if executor != nil {
		_ = executor.Close()
	}

	r.pollMu.Lock()
	r.mu.Lock()
	r.lock = nil
	r.data = nil
	r.version = 0
	r.dispatch = nil
	r.connected = false
	r.mu.Unlock()
	r.pollMu.Unlock()

	r.floats.clear()
	r.integers.clear()
	r.floatArrs.clear()
	r.intArrs.clear()
	r.byteArrs.clear()
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	r.errs++
	r.mu.Unlock()
	r.opts.onError(err)
}

func (r *Receiver) pollLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Poll(); err != nil {
				r.fail(err)
				if errors.Is(err, ErrBrokenStream) {
					r.opts.log.Error("poll loop stopped", zap.Error(err))
					return
				}
			}
		}
	}
}

// Poll consumes the current frame if one is ready and reports whether
// subscribers were called.
//
// A frame newer than the known structure is left in place until its
// structure arrives. A frame older than the known structure can never be
// read and is handed back to the producer.
func (r *Receiver) Poll() (bool, error) {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	r.mu.Lock()
	lock, data, version, dispatch := r.lock, r.data, r.version, r.dispatch
	r.mu.Unlock()
	if lock == nil || data == nil {
		return false, nil
	}
	if lock.Load() != LockRead {
		return false, nil
	}

	in := binio.NewInput(data)
	frameVersion := in.ReadInt32()
	if err := in.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBrokenStream, err)
	}
	switch {
	case frameVersion > version:
		r.count(&r.stale)
		staleFrames.WithLabelValues("held").Inc()
		return false, nil
	case frameVersion < version:
		r.count(&r.released)
		staleFrames.WithLabelValues("released").Inc()
		lock.Store(LockWrite)
		return false, nil
	}

	if in.ReadInt32() != FlagStart {
		return false, fmt.Errorf("%w: missing start marker in frame v%d", ErrBrokenStream, frameVersion)
	}
	for _, d := range dispatch {
		if err := d(in); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBrokenStream, err)
		}
	}
	if in.ReadInt32() != FlagEnd || in.Err() != nil {
		return false, fmt.Errorf("%w: missing end marker in frame v%d", ErrBrokenStream, frameVersion)
	}
	lock.Store(LockWrite)
	r.count(&r.dispatched)
	framesDispatched.Inc()
	return true, nil
}

func (r *Receiver) count(c *uint64) {
	r.mu.Lock()
	*c++
	r.mu.Unlock()
}

func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReceiverStats{
		Version:          r.version,
		Entries:          len(r.dispatch),
		FramesDispatched: r.dispatched,
		StaleFrames:      r.stale,
		ReleasedFrames:   r.released,
		Errors:           r.errs,
	}
}

func (r *Receiver) shareLock(h shm.Handle) error {
	region, err := r.opener.Open(h)
	if err != nil {
		return fmt.Errorf("open lock: %w", err)
	}
	lock, err := newLock(region)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.lock = lock
	r.mu.Unlock()
	return nil
}

func (r *Receiver) updateData(h shm.Handle) error {
	region, err := r.opener.Open(h)
	if err != nil {
		return fmt.Errorf("open data buffer: %w", err)
	}
	r.pollMu.Lock()
	r.mu.Lock()
	r.data = region.Bytes()
	r.mu.Unlock()
	r.pollMu.Unlock()
	r.opts.log.Debug("data buffer received", zap.String("region", h.ID), zap.Int("size", h.Size))
	return nil
}

func (r *Receiver) updateStructure(b []byte) error {
	version, entries, err := parseStructure(b)
	if err != nil {
		return err
	}
	dispatch := make([]dispatchFunc, len(entries))
	for i, e := range entries {
		dispatch[i] = r.dispatcher(e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.version {
		return fmt.Errorf("%w: got %d, have %d", ErrVersionRegression, version, r.version)
	}
	r.version = version
	r.dispatch = dispatch
	structureVersion.WithLabelValues("receiver").Set(float64(version))
	r.opts.log.Debug("structure received", zap.Int32("version", version), zap.Int("entries", len(entries)))
	return nil
}

func parseStructure(b []byte) (int32, []structureEntry, error) {
	in := binio.NewInput(b)
	if in.ReadInt32() != FlagID {
		return 0, nil, fmt.Errorf("%w: missing id marker", ErrInvalidStructure)
	}
	version := in.ReadInt32()
	count := in.ReadInt32()
	if err := in.Err(); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidStructure, err)
	}
	if count < 0 || int(count) > in.Remaining() {
		return 0, nil, fmt.Errorf("%w: bad entry count %d", ErrInvalidStructure, count)
	}
	entries := make([]structureEntry, 0, count)
	for i := int32(0); i < count; i++ {
		addr, err := address.Read(in)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidStructure, i, err)
		}
		typ := PackageType(in.ReadInt8())
		if err := in.Err(); err != nil {
			return 0, nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidStructure, i, err)
		}
		if !typ.valid() {
			return 0, nil, fmt.Errorf("%w: entry %d has unknown type %d", ErrInvalidStructure, i, typ)
		}
		entries = append(entries, structureEntry{addr: addr, typ: typ})
	}
	return version, entries, nil
}

func (r *Receiver) dispatcher(e structureEntry) dispatchFunc {
	key := e.addr.Key()
	switch e.typ {
	case Float:
		return func(in *binio.Input) error {
			v := in.ReadFloat32()
			if ls := r.floats.snapshot(key); len(ls) > 0 && in.Err() == nil {
				notify(ls, v)
			}
			return in.Err()
		}
	case Integer:
		return func(in *binio.Input) error {
			v := in.ReadInt32()
			if ls := r.integers.snapshot(key); len(ls) > 0 && in.Err() == nil {
				notify(ls, v)
			}
			return in.Err()
		}
	case FloatArray:
		return func(in *binio.Input) error {
			n, err := readLength(in, 4)
			if err != nil {
				return err
			}
			ls, buf := arrayBuffer(r.floatArrs, key, n)
			if ls == nil {
				in.Skip(4 * n)
				return in.Err()
			}
			for i := range buf {
				buf[i] = in.ReadFloat32()
			}
			if err := in.Err(); err != nil {
				return err
			}
			notify(ls, buf)
			return nil
		}
	case IntegerArray:
		return func(in *binio.Input) error {
			n, err := readLength(in, 4)
			if err != nil {
				return err
			}
			ls, buf := arrayBuffer(r.intArrs, key, n)
			if ls == nil {
				in.Skip(4 * n)
				return in.Err()
			}
			for i := range buf {
				buf[i] = in.ReadInt32()
			}
			if err := in.Err(); err != nil {
				return err
			}
			notify(ls, buf)
			return nil
		}
	default:
		return func(in *binio.Input) error {
			n, err := readLength(in, 1)
			if err != nil {
				return err
			}
			ls, buf := arrayBuffer(r.byteArrs, key, n)
			if ls == nil {
				in.Skip(n)
				return in.Err()
			}
			in.ReadInto(buf)
			if err := in.Err(); err != nil {
				return err
			}
			notify(ls, buf)
			return nil
		}
	}
}

func readLength(in *binio.Input, elem int) (int, error) {
	n := int(in.ReadInt32())
	if err := in.Err(); err != nil {
		return 0, err
	}
	if n < 0 || n*elem > in.Remaining() {
		return 0, fmt.Errorf("array length %d exceeds frame", n)
	}
	return n, nil
}

// receiverControl serves the control protocol for a Receiver.
type receiverControl struct{ r *Receiver }

func (c receiverControl) SendShareLock(h shm.Handle) error { return c.r.shareLock(h) }

func (c receiverControl) SendUpdateData(h shm.Handle) error { return c.r.updateData(h) }

func (c receiverControl) SendUpdateStructure(b []byte) error { return c.r.updateStructure(b) }
