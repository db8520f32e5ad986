package livestream

import (
	"context"
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

type streamPackage struct {
	addr    address.Address
	typ     PackageType
	dynamic bool
	// size reports the payload bytes for the next put.
	size func() int
	put  func(out *binio.Output)
}

type BroadcasterStats struct {
	Version       int32  `json:"version"`
	Packages      int    `json:"packages"`
	FramesWritten uint64 `json:"frames_written"`
	FramesSkipped uint64 `json:"frames_skipped"`
	BufferSize    int    `json:"buffer_size"`
}

// Broadcaster is the producing side of a live stream. Register values, then
// call Flush once per tick.
//
// Providers and refresh functions run inside Flush while the broadcaster is
// locked and must not call back into it.
type Broadcaster struct {
	proto  Protocol
	alloc  shm.Allocator
	log    *zap.Logger
	sender *rpc.Sender

	mu         sync.Mutex
	packages   []*streamPackage
	invalid    bool
	version    int32
	capacity   int
	dynamic    int
	lock       *Lock
	lockShared bool
	data       *shm.Region
	out        *binio.Output
	retired    []shm.Handle
	written    uint64
	skipped    uint64
	closed     bool
}

// NewBroadcaster streams over p. Regions for the lock and the data buffer come
// from alloc and must be resolvable by the receiver's opener.
func NewBroadcaster(p port.Port, alloc shm.Allocator, opts ...Option) (*Broadcaster, error) {
	o := buildOptions(opts)
	sender := rpc.NewSender(p, rpc.WithLogger(o.log), rpc.WithErrorHandler(o.onError))
	b, err := newBroadcaster(NewProtocolSender(sender), alloc, o)
	if err != nil {
		_ = sender.Close()
		return nil, err
	}
	b.sender = sender
	return b, nil
}

func newBroadcaster(proto Protocol, alloc shm.Allocator, o options) (*Broadcaster, error) {
	region, err := alloc.Allocate(lockSize)
	if err != nil {
		return nil, fmt.Errorf("allocate lock: %w", err)
	}
	lock, err := newLock(region)
	if err != nil {
		_ = alloc.Release(region.Handle())
		return nil, err
	}
	return &Broadcaster{
		proto:    proto,
		alloc:    alloc,
		log:      o.log,
		lock:     lock,
		capacity: -1,
	}, nil
}

func (b *Broadcaster) BroadcastFloat(addr address.Address, provider func() float32) func() {
	return b.register(&streamPackage{
		addr: addr,
		typ:  Float,
		size: func() int { return 4 },
		put:  func(out *binio.Output) { out.WriteFloat32(provider()) },
	})
}

func (b *Broadcaster) BroadcastInteger(addr address.Address, provider func() int32) func() {
	return b.register(&streamPackage{
		addr: addr,
		typ:  Integer,
		size: func() int { return 4 },
		put:  func(out *binio.Output) { out.WriteInt32(provider()) },
	})
}

// BroadcastFloats streams values. refresh runs right before every
// serialization and may rewrite values in place; the length is fixed.
func (b *Broadcaster) BroadcastFloats(addr address.Address, values []float32, refresh func()) func() {
	return b.register(&streamPackage{
		addr: addr,
		typ:  FloatArray,
		size: func() int { return 4 + 4*len(values) },
		put: func(out *binio.Output) {
			if refresh != nil {
				refresh()
			}
			writeFloats(out, values)
		},
	})
}

func (b *Broadcaster) BroadcastIntegers(addr address.Address, values []int32, refresh func()) func() {
	return b.register(&streamPackage{
		addr: addr,
		typ:  IntegerArray,
		size: func() int { return 4 + 4*len(values) },
		put: func(out *binio.Output) {
			if refresh != nil {
				refresh()
			}
			writeIntegers(out, values)
		},
	})
}

func (b *Broadcaster) BroadcastBytes(addr address.Address, values []byte, refresh func()) func() {
	return b.register(&streamPackage{
		addr: addr,
		typ:  ByteArray,
		size: func() int { return 4 + len(values) },
		put: func(out *binio.Output) {
			if refresh != nil {
				refresh()
			}
			out.WriteInt32(int32(len(values)))
			out.WriteBytes(values)
		},
	})
}

// BroadcastFloatsFunc streams whatever provider returns. The length may change
// between flushes.
func (b *Broadcaster) BroadcastFloatsFunc(addr address.Address, provider func() []float32) func() {
	var current []float32
	return b.register(&streamPackage{
		addr:    addr,
		typ:     FloatArray,
		dynamic: true,
		size:    func() int { current = provider(); return 4 + 4*len(current) },
		put:     func(out *binio.Output) { writeFloats(out, current) },
	})
}

func (b *Broadcaster) BroadcastIntegersFunc(addr address.Address, provider func() []int32) func() {
	var current []int32
	return b.register(&streamPackage{
		addr:    addr,
		typ:     IntegerArray,
		dynamic: true,
		size:    func() int { current = provider(); return 4 + 4*len(current) },
		put:     func(out *binio.Output) { writeIntegers(out, current) },
	})
}

func (b *Broadcaster) BroadcastBytesFunc(addr address.Address, provider func() []byte) func() {
	var current []byte
	return b.register(&streamPackage{
		addr:    addr,
		typ:     ByteArray,
		dynamic: true,
		size:    func() int { current = provider(); return 4 + len(current) },
		put: func(out *binio.Output) {
			out.WriteInt32(int32(len(current)))
			out.WriteBytes(current)
		},
	})
}

func writeFloats(out *binio.Output, values []float32) {
	out.WriteInt32(int32(len(values)))
	for _, v := range values {
		out.WriteFloat32(v)
	}
}

func writeIntegers(out *binio.Output, values []int32) {
	out.WriteInt32(int32(len(values)))
	for _, v := range values {
		out.WriteInt32(v)
	}
}

func (b *Broadcaster) register(p *streamPackage) func() {
	b.mu.Lock()
	b.packages = append(b.packages, p)
	if p.dynamic {
		b.dynamic++
	}
	b.invalidate()
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, q := range b.packages {
				if q == p {
					b.packages = append(b.packages[:i:i], b.packages[i+1:]...)
					if p.dynamic {
						b.dynamic--
					}
					b.invalidate()
					return
				}
			}
		})
	}
}

func (b *Broadcaster) invalidate() {
	b.capacity = -1
	b.invalid = true
}

// Flush publishes the current values. A pending structure change is sent
// first. If the consumer has not released the previous frame the values are
// dropped for this tick.
func (b *Broadcaster) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.invalid {
		structure := b.compileStructure()
		if !b.lockShared {
			if err := b.proto.SendShareLock(b.lock.Handle()); err != nil {
				return fmt.Errorf("share lock: %w", err)
			}
			b.lockShared = true
		}
		if err := b.proto.SendUpdateStructure(structure); err != nil {
			return fmt.Errorf("send structure v%d: %w", b.version, err)
		}
		b.invalid = false
		structureVersion.WithLabelValues("broadcaster").Set(float64(b.version))
		b.log.Debug("structure compiled", zap.Int32("version", b.version), zap.Int("packages", len(b.packages)))
	}
	if b.version == 0 {
		return nil
	}

	required := b.requiredCapacity()
	if b.data == nil || b.data.Size() < required {
		if err := b.replaceData(nextPowerOfTwo(required)); err != nil {
			return err
		}
	}

	if b.lock.Load() != LockWrite {
		b.skipped++
		framesSkipped.Inc()
		return nil
	}
	b.out.Reset()
	b.out.WriteInt32(b.version)
	b.out.WriteInt32(FlagStart)
	for _, p := range b.packages {
		p.put(b.out)
	}
	b.out.WriteInt32(FlagEnd)
	if err := b.out.Err(); err != nil {
		return fmt.Errorf("serialize frame v%d: %w", b.version, err)
	}
	b.lock.Store(LockRead)
	b.written++
	framesWritten.Inc()
	return nil
}

func (b *Broadcaster) compileStructure() []byte {
	b.version++
	out := binio.NewGrowableOutput(12 + len(b.packages)*20)
	out.WriteInt32(FlagID)
	out.WriteInt32(b.version)
	out.WriteInt32(int32(len(b.packages)))
	for _, p := range b.packages {
		p.addr.Write(out)
		out.WriteInt8(int8(p.typ))
	}
	return out.Bytes()
}

func (b *Broadcaster) requiredCapacity() int {
	if b.capacity != -1 && b.dynamic == 0 {
		return b.capacity
	}
	sum := frameOverhead
	for _, p := range b.packages {
		sum += p.size()
	}
	b.capacity = sum
	return sum
}

func (b *Broadcaster) replaceData(size int) error {
	region, err := b.alloc.Allocate(size)
	if err != nil {
		return fmt.Errorf("allocate data buffer: %w", err)
	}
	if err := b.proto.SendUpdateData(region.Handle()); err != nil {
		_ = b.alloc.Release(region.Handle())
		return fmt.Errorf("send data buffer: %w", err)
	}
	if b.data != nil {
		// The receiver may still be reading the old buffer.
		b.retired = append(b.retired, b.data.Handle())
	}
	b.data = region
	b.out = binio.NewOutput(region.Bytes())
	bufferBytes.Set(float64(size))
	b.log.Debug("data buffer replaced", zap.Int("size", size), zap.String("region", region.Handle().ID))
	return nil
}

// Run flushes every interval until ctx ends or a flush fails.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				return err
			}
		}
	}
}

func (b *Broadcaster) Stats() BroadcasterStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BroadcasterStats{
		Version:       b.version,
		Packages:      len(b.packages),
		FramesWritten: b.written,
		FramesSkipped: b.skipped,
	}
	if b.data != nil {
		s.BufferSize = b.data.Size()
	}
	return s
}

// Close drops every package and releases the regions this broadcaster
// allocated. Pending frames are not drained.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.packages = nil
	b.invalid = false
	handles := append(b.retired, b.lock.Handle())
	if b.data != nil {
		handles = append(handles, b.data.Handle())
	}
	b.retired = nil
	b.data = nil
	b.out = nil
	b.mu.Unlock()

	for _, h := range handles {
		if err := b.alloc.Release(h); err != nil {
			b.log.Warn("release region", zap.String("region", h.ID), zap.Error(err))
		}
	}
	if b.sender != nil {
		return b.sender.Close()
	}
	return nil
}
