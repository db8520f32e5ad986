package rpc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const envelopeVersion = 1

const (
	typeSend     = "send"
	typeResolve  = "resolve"
	typeReject   = "reject"
	typeCallback = "callback"
)

// ReturnID correlates a call with its settlement. The zero value marks a
// fire-and-forget call and travels as false.
type ReturnID struct {
	ID    uint64
	Valid bool
}

func (r ReturnID) EncodeMsgpack(enc *msgpack.Encoder) error {
	if !r.Valid {
		return enc.EncodeBool(false)
	}
	return enc.EncodeUint(r.ID)
}

func (r *ReturnID) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if code == msgpcode.False || code == msgpcode.Nil {
		*r = ReturnID{}
		return dec.Skip()
	}
	id, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	*r = ReturnID{ID: id, Valid: true}
	return nil
}

type argument struct {
	Value    msgpack.RawMessage `msgpack:"value,omitempty"`
	Callback *int               `msgpack:"callback,omitempty"`
}

type rejection struct {
	Message string `msgpack:"message"`
}

type envelope struct {
	V        int                `msgpack:"v"`
	Type     string             `msgpack:"type"`
	Func     Method             `msgpack:"func,omitempty"`
	Args     []argument         `msgpack:"args,omitempty"`
	ReturnID ReturnID           `msgpack:"returnId"`
	Resolve  msgpack.RawMessage `msgpack:"resolve,omitempty"`
	Reject   *rejection         `msgpack:"reject,omitempty"`
	FuncAt   int                `msgpack:"funcAt,omitempty"`
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	if env.V != envelopeVersion {
		return envelope{}, fmt.Errorf("%w: envelope version %d", ErrProtocol, env.V)
	}
	return env, nil
}

func encodeValue(v any) (msgpack.RawMessage, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}
