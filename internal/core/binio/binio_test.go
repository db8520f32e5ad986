package binio

import (
	"errors"
	"testing"
)

func TestOutputInputLittleEndian(t *testing.T) {
	out := NewOutput(make([]byte, 15))
	out.WriteInt32(0x01020304)
	out.WriteFloat32(0.5)
	out.WriteInt16(-2)
	out.WriteInt8(-1)
	out.WriteBytes([]byte{9, 8, 7, 6})
	if err := out.Err(); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := out.Bytes()
	if b[0] != 0x04 || b[3] != 0x01 {
		t.Fatalf("expected little-endian int32, got % x", b[:4])
	}

	in := NewInput(b)
	if got := in.ReadInt32(); got != 0x01020304 {
		t.Fatalf("int32: got %x", got)
	}
	if got := in.ReadFloat32(); got != 0.5 {
		t.Fatalf("float32: got %v", got)
	}
	if got := in.ReadInt16(); got != -2 {
		t.Fatalf("int16: got %v", got)
	}
	if got := in.ReadInt8(); got != -1 {
		t.Fatalf("int8: got %v", got)
	}
	dst := make([]byte, 4)
	in.ReadInto(dst)
	if string(dst) != string([]byte{9, 8, 7, 6}) {
		t.Fatalf("bytes: got %v", dst)
	}
	if in.Remaining() != 0 || in.Err() != nil {
		t.Fatalf("expected clean end, remaining=%d err=%v", in.Remaining(), in.Err())
	}
}

func TestFixedOutputOverflowIsSticky(t *testing.T) {
	out := NewOutput(make([]byte, 6))
	out.WriteInt32(1)
	out.WriteInt32(2)
	out.WriteInt8(3)
	if !errors.Is(out.Err(), ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", out.Err())
	}
	if out.Position() != 4 {
		t.Fatalf("expected cursor to stop at 4, got %d", out.Position())
	}
	out.Reset()
	if out.Err() != nil || out.Position() != 0 {
		t.Fatalf("reset did not clear state")
	}
}

func TestGrowableOutput(t *testing.T) {
	out := NewGrowableOutput(2)
	for i := 0; i < 10; i++ {
		out.WriteInt32(int32(i))
	}
	if out.Err() != nil {
		t.Fatalf("growable write: %v", out.Err())
	}
	if len(out.Bytes()) != 40 {
		t.Fatalf("expected 40 bytes, got %d", len(out.Bytes()))
	}
}

func TestInputUnderflow(t *testing.T) {
	in := NewInput([]byte{1, 2})
	if got := in.ReadInt32(); got != 0 {
		t.Fatalf("expected zero value on underflow, got %d", got)
	}
	if !errors.Is(in.Err(), ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", in.Err())
	}
}
