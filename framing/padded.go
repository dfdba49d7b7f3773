package framing

import "io"

// PaddedReader strips trailing zero padding from a frame, using a 4-byte
// little-endian padding-length suffix to know how much to strip.
type PaddedReader struct {
	inner       Reader
	paddingSize uint32
}

func NewPaddedReader(inner Reader) (*PaddedReader, error) {
	exposed := inner.Exposed()
	if err := checkFromSize(4, exposed); err != nil {
		return nil, err
	}
	paddingSize := getUint32(exposed[len(exposed)-4:])
	if err := checkFromSize(4+int(paddingSize), exposed); err != nil {
		return nil, err
	}
	return &PaddedReader{inner: inner, paddingSize: paddingSize}, nil
}

func (r *PaddedReader) Exposed() []byte {
	exposed := r.inner.Exposed()
	return exposed[:len(exposed)-4-int(r.paddingSize)]
}

func (r *PaddedReader) Whole() []byte {
	return r.inner.Whole()
}

// PaddedBuilder pads inner with zero bytes so the written frame (payload +
// padding + 4-byte padding-length suffix) is at least minimumSize bytes,
// before the 4-byte suffix is accounted for. This is used for block
// signature trailers, whose size must be predictable from the block header
// alone.
type PaddedBuilder struct {
	inner       Builder
	minimumSize int
}

func NewPaddedBuilder(inner Builder, minimumSize int) *PaddedBuilder {
	return &PaddedBuilder{inner: inner, minimumSize: minimumSize}
}

func (b *PaddedBuilder) WriteTo(w io.Writer) (int, error) {
	payload, err := writeToBytes(b.inner)
	if err != nil {
		return 0, err
	}
	padding := 0
	if len(payload) < b.minimumSize {
		padding = b.minimumSize - len(payload)
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	if padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return 0, err
		}
	}
	if err := putUint32(w, uint32(padding)); err != nil {
		return 0, err
	}
	return len(payload) + padding + 4, nil
}

func (b *PaddedBuilder) WriteInto(dst []byte) (int, error) {
	payload, err := writeToBytes(b.inner)
	if err != nil {
		return 0, err
	}
	padding := 0
	if len(payload) < b.minimumSize {
		padding = b.minimumSize - len(payload)
	}
	total := len(payload) + padding + 4
	if err := checkIntoSize(total, dst); err != nil {
		return 0, err
	}
	copy(dst[:len(payload)], payload)
	for i := 0; i < padding; i++ {
		dst[len(payload)+i] = 0
	}
	putUint32Slice(dst[len(payload)+padding:total], uint32(padding))
	return total, nil
}

func (b *PaddedBuilder) ExpectedSize() (int, bool) {
	size, ok := b.inner.ExpectedSize()
	if !ok {
		return 0, false
	}
	if size < b.minimumSize {
		return b.minimumSize + 4, true
	}
	return size + 4, true
}

func (b *PaddedBuilder) Bytes() []byte {
	buf, err := writeToBytes(b)
	if err != nil {
		panic("framing: couldn't write just-built padded frame: " + err.Error())
	}
	return buf
}
