package framing

import "io"

// CompoundReader pairs two concatenated frames (left, right) addressable as
// a single frame, using a 4-byte left-size suffix to split them apart.
type CompoundReader struct {
	inner       Reader
	offsetRight int
}

func NewCompoundReader(inner Reader) (*CompoundReader, error) {
	exposed := inner.Exposed()
	if err := checkFromSize(4, exposed); err != nil {
		return nil, err
	}
	offsetRight := int(getUint32(exposed[len(exposed)-4:]))
	if err := checkFromSize(offsetRight, exposed); err != nil {
		return nil, err
	}
	return &CompoundReader{inner: inner, offsetRight: offsetRight}, nil
}

// Left returns the bytes of the left-hand frame.
func (r *CompoundReader) Left() []byte {
	return r.inner.Exposed()[:r.offsetRight]
}

// Right returns the bytes of the right-hand frame.
func (r *CompoundReader) Right() []byte {
	exposed := r.inner.Exposed()
	return exposed[r.offsetRight : len(exposed)-4]
}

func (r *CompoundReader) Whole() []byte {
	return r.inner.Whole()
}

// CompoundBuilder concatenates left and right, recording left's size in a
// trailing 4-byte suffix.
type CompoundBuilder struct {
	left, right Builder
}

func NewCompoundBuilder(left, right Builder) *CompoundBuilder {
	return &CompoundBuilder{left: left, right: right}
}

func (b *CompoundBuilder) WriteTo(w io.Writer) (int, error) {
	leftPayload, err := writeToBytes(b.left)
	if err != nil {
		return 0, err
	}
	rightPayload, err := writeToBytes(b.right)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(leftPayload); err != nil {
		return 0, err
	}
	if _, err := w.Write(rightPayload); err != nil {
		return 0, err
	}
	if err := putUint32(w, uint32(len(leftPayload))); err != nil {
		return 0, err
	}
	return len(leftPayload) + len(rightPayload) + 4, nil
}

func (b *CompoundBuilder) WriteInto(dst []byte) (int, error) {
	leftPayload, err := writeToBytes(b.left)
	if err != nil {
		return 0, err
	}
	rightPayload, err := writeToBytes(b.right)
	if err != nil {
		return 0, err
	}
	total := len(leftPayload) + len(rightPayload) + 4
	if err := checkIntoSize(total, dst); err != nil {
		return 0, err
	}
	copy(dst[:len(leftPayload)], leftPayload)
	copy(dst[len(leftPayload):len(leftPayload)+len(rightPayload)], rightPayload)
	putUint32Slice(dst[len(leftPayload)+len(rightPayload):total], uint32(len(leftPayload)))
	return total, nil
}

func (b *CompoundBuilder) ExpectedSize() (int, bool) {
	leftSize, ok := b.left.ExpectedSize()
	if !ok {
		return 0, false
	}
	rightSize, ok := b.right.ExpectedSize()
	if !ok {
		return 0, false
	}
	return leftSize + rightSize + 4, true
}

func (b *CompoundBuilder) Bytes() []byte {
	buf, err := writeToBytes(b)
	if err != nil {
		panic("framing: couldn't write just-built compound frame: " + err.Error())
	}
	return buf
}
