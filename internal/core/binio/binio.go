// Package binio provides sequential little-endian readers and writers over byte
// slices. Errors are sticky: after the first overflow every further call is a
// no-op and Err reports the failure.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrOverflow  = errors.New("binio: write exceeds buffer")
	ErrUnderflow = errors.New("binio: read exceeds buffer")
)

// Output writes into a byte slice. A fixed Output never reallocates its
// buffer, which keeps writes inside a shared region.
type Output struct {
	buf      []byte
	pos      int
	growable bool
	err      error
}

func NewOutput(buf []byte) *Output {
	return &Output{buf: buf}
}

func NewGrowableOutput(capacity int) *Output {
	return &Output{buf: make([]byte, capacity), growable: true}
}

func (o *Output) Position() int  { return o.pos }
func (o *Output) Remaining() int { return len(o.buf) - o.pos }
func (o *Output) Err() error     { return o.err }

// Reset rewinds the cursor and clears any sticky error.
func (o *Output) Reset() {
	o.pos = 0
	o.err = nil
}

// Bytes returns the written prefix of the buffer.
func (o *Output) Bytes() []byte { return o.buf[:o.pos] }

func (o *Output) WriteInt8(v int8) {
	if b := o.reserve(1); b != nil {
		b[0] = byte(v)
	}
}

func (o *Output) WriteInt16(v int16) {
	if b := o.reserve(2); b != nil {
		binary.LittleEndian.PutUint16(b, uint16(v))
	}
}

func (o *Output) WriteInt32(v int32) {
	if b := o.reserve(4); b != nil {
		binary.LittleEndian.PutUint32(b, uint32(v))
	}
}

func (o *Output) WriteFloat32(v float32) {
	if b := o.reserve(4); b != nil {
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	}
}

func (o *Output) WriteBytes(p []byte) {
	if b := o.reserve(len(p)); b != nil {
		copy(b, p)
	}
}

func (o *Output) reserve(n int) []byte {
	if o.err != nil {
		return nil
	}
	if o.pos+n > len(o.buf) {
		if !o.growable {
			o.err = fmt.Errorf("%w: need %d at %d, size %d", ErrOverflow, n, o.pos, len(o.buf))
			return nil
		}
		size := 2 * len(o.buf)
		if size < o.pos+n {
			size = o.pos + n
		}
		grown := make([]byte, size)
		copy(grown, o.buf[:o.pos])
		o.buf = grown
	}
	b := o.buf[o.pos : o.pos+n]
	o.pos += n
	return b
}

// Input reads from a byte slice.
type Input struct {
	buf []byte
	pos int
	err error
}

func NewInput(buf []byte) *Input {
	return &Input{buf: buf}
}

func (in *Input) Position() int  { return in.pos }
func (in *Input) Remaining() int { return len(in.buf) - in.pos }
func (in *Input) Err() error     { return in.err }

func (in *Input) Reset() {
	in.pos = 0
	in.err = nil
}

func (in *Input) ReadInt8() int8 {
	if b := in.take(1); b != nil {
		return int8(b[0])
	}
	return 0
}

func (in *Input) ReadInt16() int16 {
	if b := in.take(2); b != nil {
		return int16(binary.LittleEndian.Uint16(b))
	}
	return 0
}

func (in *Input) ReadInt32() int32 {
	if b := in.take(4); b != nil {
		return int32(binary.LittleEndian.Uint32(b))
	}
	return 0
}

func (in *Input) ReadFloat32() float32 {
	if b := in.take(4); b != nil {
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	}
	return 0
}

// ReadInto fills dst completely.
func (in *Input) ReadInto(dst []byte) {
	if b := in.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (in *Input) Skip(n int) {
	in.take(n)
}

func (in *Input) take(n int) []byte {
	if in.err != nil {
		return nil
	}
	if n < 0 || in.pos+n > len(in.buf) {
		in.err = fmt.Errorf("%w: need %d at %d, size %d", ErrUnderflow, n, in.pos, len(in.buf))
		return nil
	}
	b := in.buf[in.pos : in.pos+n]
	in.pos += n
	return b
}
