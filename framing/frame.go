// Package framing implements the length-prefixed, checksum-wrapped, padded
// and typed frame stack used to persist and transmit operations and blocks.
//
// A frame is a small, composable wrapper around a byte slice. Frames nest:
// the on-disk/on-wire layout of a record is, from outside in, a Sized frame
// wrapping a Multihash frame wrapping a Typed frame wrapping the raw
// payload. At runtime the nesting is read in the opposite direction: each
// Reader exposes the bytes it understands to whichever Reader wraps it, so
// the innermost Reader only ever sees the payload meant for it.
package framing

import (
	"encoding/binary"
	"errors"
	"io"
)

// Reader exposes the payload of a single frame layer, plus the full byte
// range that layer occupies (including its own framing metadata).
type Reader interface {
	// Exposed returns the bytes this frame exposes to whatever wraps it.
	Exposed() []byte

	// Whole returns the entire byte range of the frame, framing metadata
	// included.
	Whole() []byte
}

// Builder writes a single frame layer, either into an io.Writer or directly
// into a caller-supplied slice.
type Builder interface {
	// WriteTo writes the frame to w and returns the number of bytes written.
	WriteTo(w io.Writer) (int, error)

	// WriteInto writes the frame into dst and returns the number of bytes
	// written. dst must be at least as large as ExpectedSize, when known.
	WriteInto(dst []byte) (int, error)

	// ExpectedSize returns the frame's size in bytes and whether it is known
	// ahead of serialization.
	ExpectedSize() (int, bool)

	// Bytes serializes the frame into a new in-memory buffer.
	Bytes() []byte
}

var (
	// ErrSourceTooSmall is returned when a frame's source buffer doesn't
	// contain enough bytes to hold the frame's declared metadata.
	ErrSourceTooSmall = errors.New("framing: source buffer too small")

	// ErrDestinationTooSmall is returned when WriteInto's destination slice
	// isn't large enough to hold the serialized frame.
	ErrDestinationTooSmall = errors.New("framing: destination buffer too small")

	// ErrOffsetSubtract is returned when an internal offset computation
	// would underflow.
	ErrOffsetSubtract = errors.New("framing: offset subtraction underflow")

	// ErrInvalidFrame is returned when a frame's metadata is internally
	// inconsistent (e.g. mismatched length prefix/suffix).
	ErrInvalidFrame = errors.New("framing: invalid frame")
)

func checkFromSize(needed int, from []byte) error {
	if len(from) < needed {
		return ErrSourceTooSmall
	}
	return nil
}

func checkIntoSize(needed int, into []byte) error {
	if len(into) < needed {
		return ErrDestinationTooSmall
	}
	return nil
}

// rawBytes is the trivial Reader/Builder at the bottom of every frame stack:
// a plain byte slice that exposes and writes itself verbatim.
type rawBytes []byte

func (r rawBytes) Exposed() []byte { return r }
func (r rawBytes) Whole() []byte   { return r }

func (r rawBytes) WriteTo(w io.Writer) (int, error) {
	return w.Write(r)
}

func (r rawBytes) WriteInto(dst []byte) (int, error) {
	if err := checkIntoSize(len(r), dst); err != nil {
		return 0, err
	}
	return copy(dst, r), nil
}

func (r rawBytes) ExpectedSize() (int, bool) {
	return len(r), true
}

func (r rawBytes) Bytes() []byte {
	out := make([]byte, len(r))
	copy(out, r)
	return out
}

// RawBuilder wraps a plain byte slice so it can be nested inside other frame
// builders (e.g. TypedBuilder's payload).
func RawBuilder(data []byte) Builder { return rawBytes(data) }

// RawReader wraps a plain byte slice as the innermost Reader of a stack.
func RawReader(data []byte) Reader { return rawBytes(data) }

// writeToBytes runs b.WriteTo against an in-memory buffer and returns the
// result. Several builders (Multihash, Padded, Sized) need the serialized
// size or content of their inner builder before they can write their own
// framing metadata, so they buffer rather than stream.
func writeToBytes(b Builder) ([]byte, error) {
	if size, ok := b.ExpectedSize(); ok {
		buf := make([]byte, size)
		n, err := b.WriteInto(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
	var buf byteBuffer
	if _, err := b.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// byteBuffer is a tiny io.Writer sink, avoiding a bytes.Buffer import for
// the common case where callers don't need its extra API surface.
type byteBuffer struct{ b []byte }

func (w *byteBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func putUint32(w io.Writer, v uint32) error {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	_, err := w.Write(tmp[:])
	return err
}

func getUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}
