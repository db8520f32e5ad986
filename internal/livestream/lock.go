package livestream

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"LiveWire-Runtime/internal/core/shm"
)

// LockState is the value of the shared lock word.
type LockState int32

const (
	// LockWrite lets the producer fill the buffer. Fresh zeroed memory reads
	// as LockWrite.
	LockWrite LockState = 0
	// LockRead marks a complete frame for the consumer.
	LockRead LockState = 1
)

const lockSize = 4

// Lock is the single shared word both sides hand the buffer over with.
type Lock struct {
	region *shm.Region
	word   *int32
}

func newLock(region *shm.Region) (*Lock, error) {
	b := region.Bytes()
	if len(b) < lockSize {
		return nil, fmt.Errorf("%w: lock region holds %d bytes", shm.ErrInvalidSize, len(b))
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return nil, ErrMisalignedLock
	}
	return &Lock{region: region, word: (*int32)(unsafe.Pointer(&b[0]))}, nil
}

func (l *Lock) Load() LockState { return LockState(atomic.LoadInt32(l.word)) }

func (l *Lock) Store(s LockState) { atomic.StoreInt32(l.word, int32(s)) }

func (l *Lock) Handle() shm.Handle { return l.region.Handle() }
