// Package livestream streams scalar and array values from a producing context
// to a consuming one through a lock-guarded shared buffer. The set of streamed
// values is described by a versioned structure that the producer recompiles
// whenever values are added or removed and sends over an RPC control channel.
package livestream

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Frame markers.
const (
	FlagID    int32 = 0x4C495645
	FlagStart int32 = 0x53545254
	FlagEnd   int32 = 0x454E4421
)

// frameOverhead covers the version, START and END words of a data frame.
const frameOverhead = 12

type PackageType int8

const (
	Float PackageType = iota
	Integer
	FloatArray
	IntegerArray
	ByteArray
)

func (t PackageType) String() string {
	switch t {
	case Float:
		return "float"
	case Integer:
		return "integer"
	case FloatArray:
		return "floats"
	case IntegerArray:
		return "integers"
	case ByteArray:
		return "bytes"
	default:
		return fmt.Sprintf("PackageType(%d)", int8(t))
	}
}

func (t PackageType) valid() bool { return t >= Float && t <= ByteArray }

// ParsePackageType accepts the names String returns.
func ParsePackageType(s string) (PackageType, error) {
	for t := Float; t <= ByteArray; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown package type %q", s)
}

var (
	ErrClosed            = errors.New("livestream: closed")
	ErrBrokenStream      = errors.New("livestream: stream is broken")
	ErrInvalidStructure  = errors.New("livestream: invalid structure")
	ErrVersionRegression = errors.New("livestream: structure version did not increase")
	ErrAlreadyConnected  = errors.New("livestream: receiver already connected")
	ErrMisalignedLock    = errors.New("livestream: lock word is not 4-byte aligned")
)

type options struct {
	log          *zap.Logger
	onError      func(error)
	pollInterval time.Duration
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithErrorHandler receives failures that happen away from any caller, such
// as a rejected structure frame or a broken stream in the poll loop.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithPollInterval makes a connected Receiver poll on its own every d.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.onError == nil {
		log := o.log
		o.onError = func(err error) { log.Error("live stream failure", zap.Error(err)) }
	}
	return o
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
