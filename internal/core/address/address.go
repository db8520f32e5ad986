// Package address implements the key that identifies where a broadcast value
// originates: a UUID plus an ordered path of int16 field keys.
package address

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"LiveWire-Runtime/internal/core/binio"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address is immutable; Append returns a new value.
type Address struct {
	id     uuid.UUID
	fields []int16
}

func New(id uuid.UUID, fields ...int16) Address {
	return Address{id: id, fields: append([]int16(nil), fields...)}
}

func (a Address) UUID() uuid.UUID { return a.id }

func (a Address) Fields() []int16 { return append([]int16(nil), a.fields...) }

func (a Address) IsBox() bool { return len(a.fields) == 0 }

func (a Address) Append(key int16) Address {
	fields := make([]int16, len(a.fields)+1)
	copy(fields, a.fields)
	fields[len(a.fields)] = key
	return Address{id: a.id, fields: fields}
}

// Compare orders by UUID bytes, then field keys pairwise, then shorter first.
func (a Address) Compare(b Address) int {
	if c := bytes.Compare(a.id[:], b.id[:]); c != 0 {
		return c
	}
	n := min(len(a.fields), len(b.fields))
	for i := 0; i < n; i++ {
		if a.fields[i] != b.fields[i] {
			if a.fields[i] < b.fields[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a.fields) < len(b.fields):
		return -1
	case len(a.fields) > len(b.fields):
		return 1
	}
	return 0
}

func (a Address) Equal(b Address) bool { return a.Compare(b) == 0 }

func (a Address) StartsWith(prefix Address) bool {
	if a.id != prefix.id || len(prefix.fields) > len(a.fields) {
		return false
	}
	for i, k := range prefix.fields {
		if a.fields[i] != k {
			return false
		}
	}
	return true
}

// Key is a comparable form of the address usable as a map key.
func (a Address) Key() string {
	b := make([]byte, 16+2*len(a.fields))
	copy(b, a.id[:])
	for i, k := range a.fields {
		b[16+2*i] = byte(uint16(k) >> 8)
		b[17+2*i] = byte(k)
	}
	return string(b)
}

func (a Address) String() string {
	var sb strings.Builder
	sb.WriteString(a.id.String())
	for _, k := range a.fields {
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(int(k)))
	}
	return sb.String()
}

// Parse reads the "uuid/k1/k2" form produced by String.
func Parse(s string) (Address, error) {
	parts := strings.Split(s, "/")
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	fields := make([]int16, 0, len(parts)-1)
	for _, p := range parts[1:] {
		k, err := strconv.ParseInt(p, 10, 16)
		if err != nil {
			return Address{}, fmt.Errorf("%w %q: field %q", ErrInvalidAddress, s, p)
		}
		fields = append(fields, int16(k))
	}
	return Address{id: id, fields: fields}, nil
}

// Write encodes the address as 16 UUID bytes, a count byte and count int16 keys.
func (a Address) Write(out *binio.Output) {
	out.WriteBytes(a.id[:])
	out.WriteInt8(int8(len(a.fields)))
	for _, k := range a.fields {
		out.WriteInt16(k)
	}
}

func Read(in *binio.Input) (Address, error) {
	var id uuid.UUID
	in.ReadInto(id[:])
	n := int(uint8(in.ReadInt8()))
	if n > math.MaxInt8 {
		return Address{}, fmt.Errorf("%w: %d field keys", ErrInvalidAddress, n)
	}
	fields := make([]int16, n)
	for i := range fields {
		fields[i] = in.ReadInt16()
	}
	if err := in.Err(); err != nil {
		return Address{}, fmt.Errorf("read address: %w", err)
	}
	return Address{id: id, fields: fields}, nil
}
