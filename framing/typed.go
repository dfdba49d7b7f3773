package framing

import (
	"encoding/binary"
	"io"
)

// Type identifies the schema of a typed frame's payload. It is a closed
// enumeration: unrecognized values are rejected rather than silently
// accepted, since they usually mean we're talking to an incompatible peer.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeEnvelope
	TypeOperation
	TypeBlockHeader
	TypeBlockSignatures
	TypePendingSyncRequest
	TypeChainSyncRequest
	TypeChainSyncResponse
	TypeQueryRequest
	TypeMutationRequest

	typeMax // sentinel, not a valid type
)

// Valid reports whether t falls within the closed enumeration.
func (t Type) Valid() bool { return t > TypeInvalid && t < typeMax }

func (t Type) String() string {
	switch t {
	case TypeEnvelope:
		return "envelope"
	case TypeOperation:
		return "operation"
	case TypeBlockHeader:
		return "block-header"
	case TypeBlockSignatures:
		return "block-signatures"
	case TypePendingSyncRequest:
		return "pending-sync-request"
	case TypeChainSyncRequest:
		return "chain-sync-request"
	case TypeChainSyncResponse:
		return "chain-sync-response"
	case TypeQueryRequest:
		return "query-request"
	case TypeMutationRequest:
		return "mutation-request"
	default:
		return "invalid"
	}
}

// TypedReader is the innermost frame of a stack: a 2-byte type tag followed
// by the schema's raw payload.
type TypedReader struct {
	data []byte
	typ  Type
}

func NewTypedReader(data []byte) (*TypedReader, error) {
	if err := checkFromSize(2, data); err != nil {
		return nil, err
	}
	typ := Type(binary.LittleEndian.Uint16(data[:2]))
	if !typ.Valid() {
		return nil, ErrInvalidFrame
	}
	return &TypedReader{data: data, typ: typ}, nil
}

func (r *TypedReader) Type() Type      { return r.typ }
func (r *TypedReader) Exposed() []byte { return r.data[2:] }
func (r *TypedReader) Whole() []byte   { return r.data }

// PeekEnvelopeType reads just enough of a Sized(Multihash(Typed(...)))
// envelope to report its Type tag, without decoding the schema payload.
// Used by the engine loop to dispatch an inbound message to the right
// synchronizer before fully parsing it.
func PeekEnvelopeType(data []byte) (Type, error) {
	sized, err := NewSizedReader(data)
	if err != nil {
		return TypeInvalid, err
	}
	mh, err := NewMultihashReader(sized)
	if err != nil {
		return TypeInvalid, err
	}
	typed, err := NewTypedReader(mh.Exposed())
	if err != nil {
		return TypeInvalid, err
	}
	return typed.Type(), nil
}

// TypedBuilder prepends a 2-byte type tag to inner's payload.
type TypedBuilder struct {
	typ   Type
	inner Builder
}

func NewTypedBuilder(typ Type, inner Builder) *TypedBuilder {
	return &TypedBuilder{typ: typ, inner: inner}
}

func (b *TypedBuilder) WriteTo(w io.Writer) (int, error) {
	var tag [2]byte
	binary.LittleEndian.PutUint16(tag[:], uint16(b.typ))
	if _, err := w.Write(tag[:]); err != nil {
		return 0, err
	}
	n, err := b.inner.WriteTo(w)
	return n + 2, err
}

func (b *TypedBuilder) WriteInto(dst []byte) (int, error) {
	if err := checkIntoSize(2, dst); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint16(dst[:2], uint16(b.typ))
	n, err := b.inner.WriteInto(dst[2:])
	return n + 2, err
}

func (b *TypedBuilder) ExpectedSize() (int, bool) {
	if size, ok := b.inner.ExpectedSize(); ok {
		return size + 2, true
	}
	return 0, false
}

func (b *TypedBuilder) Bytes() []byte {
	buf, err := writeToBytes(b)
	if err != nil {
		panic("framing: couldn't write just-built typed frame: " + err.Error())
	}
	return buf
}
