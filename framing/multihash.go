package framing

import (
	"io"

	"github.com/multiformats/go-multihash"
)

// multihashCode is the hash function used to checksum frames. sha2-256 is
// the same digest go-multihash's own tests exercise by default, and its
// encoded form (2-byte varint header + 32-byte digest) has a fixed size,
// which MultihashReader relies on to know where the digest begins without
// having to decode it first.
const multihashCode = multihash.SHA2_256

// multihashSize is the encoded length, in bytes, of a sha2-256 multihash:
// one varint byte for the code, one for the digest length, plus the 32-byte
// digest itself.
const multihashSize = 2 + 32

// MultihashReader verifies a frame's payload against a trailing
// multihash-encoded digest.
type MultihashReader struct {
	inner Reader
}

func NewMultihashReader(inner Reader) (*MultihashReader, error) {
	if err := checkFromSize(multihashSize, inner.Exposed()); err != nil {
		return nil, err
	}
	return &MultihashReader{inner: inner}, nil
}

func (r *MultihashReader) Exposed() []byte {
	exposed := r.inner.Exposed()
	return exposed[:len(exposed)-multihashSize]
}

func (r *MultihashReader) Whole() []byte {
	return r.inner.Whole()
}

// Digest returns the raw multihash bytes trailing the frame's payload.
func (r *MultihashReader) Digest() []byte {
	exposed := r.inner.Exposed()
	return exposed[len(exposed)-multihashSize:]
}

// Verify re-hashes the exposed payload and compares it against the stored
// digest.
func (r *MultihashReader) Verify() (bool, error) {
	sum, err := multihash.Sum(r.Exposed(), multihashCode, -1)
	if err != nil {
		return false, err
	}
	return bytesEqual(sum, r.Digest()), nil
}

// MultihashBuilder appends a multihash-encoded digest of the written payload.
type MultihashBuilder struct {
	inner Builder
}

func NewMultihashBuilder(inner Builder) *MultihashBuilder {
	return &MultihashBuilder{inner: inner}
}

func (b *MultihashBuilder) WriteTo(w io.Writer) (int, error) {
	payload, err := writeToBytes(b.inner)
	if err != nil {
		return 0, err
	}
	sum, err := multihash.Sum(payload, multihashCode, -1)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	if _, err := w.Write(sum); err != nil {
		return 0, err
	}
	return len(payload) + len(sum), nil
}

func (b *MultihashBuilder) WriteInto(dst []byte) (int, error) {
	payload, err := writeToBytes(b.inner)
	if err != nil {
		return 0, err
	}
	sum, err := multihash.Sum(payload, multihashCode, -1)
	if err != nil {
		return 0, err
	}
	total := len(payload) + len(sum)
	if err := checkIntoSize(total, dst); err != nil {
		return 0, err
	}
	copy(dst[:len(payload)], payload)
	copy(dst[len(payload):total], sum)
	return total, nil
}

func (b *MultihashBuilder) ExpectedSize() (int, bool) {
	if size, ok := b.inner.ExpectedSize(); ok {
		return size + multihashSize, true
	}
	return 0, false
}

func (b *MultihashBuilder) Bytes() []byte {
	buf, err := writeToBytes(b)
	if err != nil {
		panic("framing: couldn't write just-built multihash frame: " + err.Error())
	}
	return buf
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
