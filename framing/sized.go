package framing

import "io"

// SizedReader reads a frame prefixed by a 4-byte little-endian length and
// suffixed by the same length again, so that it can be located when
// iterating a byte stream either forward or in reverse.
type SizedReader struct {
	inner  Reader
	length uint32
}

// NewSizedReader parses a sized frame out of data. data is expected to be
// at least as long as the frame; trailing bytes are ignored.
func NewSizedReader(data []byte) (*SizedReader, error) {
	if err := checkFromSize(8, data); err != nil {
		return nil, err
	}
	length := getUint32(data[:4])
	total := int(length) + 8
	if err := checkFromSize(total, data); err != nil {
		return nil, err
	}
	suffix := getUint32(data[total-4 : total])
	if suffix != length {
		return nil, ErrInvalidFrame
	}
	return &SizedReader{inner: rawBytes(data[:total]), length: length}, nil
}

// Len returns the length of the exposed payload, as declared by the prefix.
func (r *SizedReader) Len() uint32 { return r.length }

func (r *SizedReader) Exposed() []byte {
	whole := r.inner.Whole()
	return whole[4 : 4+r.length]
}

func (r *SizedReader) Whole() []byte {
	return r.inner.Whole()
}

// SizedBuilder wraps inner with a 4-byte length prefix and a matching 4-byte
// length suffix.
type SizedBuilder struct {
	inner Builder
}

func NewSizedBuilder(inner Builder) *SizedBuilder {
	return &SizedBuilder{inner: inner}
}

func (b *SizedBuilder) WriteTo(w io.Writer) (int, error) {
	payload, err := writeToBytes(b.inner)
	if err != nil {
		return 0, err
	}
	if err := putUint32(w, uint32(len(payload))); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	if err := putUint32(w, uint32(len(payload))); err != nil {
		return 0, err
	}
	return len(payload) + 8, nil
}

func (b *SizedBuilder) WriteInto(dst []byte) (int, error) {
	payload, err := writeToBytes(b.inner)
	if err != nil {
		return 0, err
	}
	total := len(payload) + 8
	if err := checkIntoSize(total, dst); err != nil {
		return 0, err
	}
	binary := uint32(len(payload))
	putUint32Slice(dst[0:4], binary)
	copy(dst[4:4+len(payload)], payload)
	putUint32Slice(dst[4+len(payload):total], binary)
	return total, nil
}

func (b *SizedBuilder) ExpectedSize() (int, bool) {
	if size, ok := b.inner.ExpectedSize(); ok {
		return size + 8, true
	}
	return 0, false
}

func (b *SizedBuilder) Bytes() []byte {
	buf, err := writeToBytes(b)
	if err != nil {
		panic("framing: couldn't write just-built sized frame: " + err.Error())
	}
	return buf
}

func putUint32Slice(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
