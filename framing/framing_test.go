package framing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizedMultihashRoundTrip(t *testing.T) {
	builder := NewSizedBuilder(NewMultihashBuilder(RawBuilder([]byte("hello"))))
	data := builder.Bytes()
	require.NotEmpty(t, data)

	sized, err := NewSizedReader(data)
	require.NoError(t, err)
	require.Equal(t, data, sized.Whole())

	mh, err := NewMultihashReader(sized)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), mh.Exposed())

	ok, err := mh.Verify()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMultihashVerifyFailsOnMutation(t *testing.T) {
	builder := NewSizedBuilder(NewMultihashBuilder(RawBuilder([]byte("hello"))))
	data := builder.Bytes()

	mutated := make([]byte, len(data))
	copy(mutated, data)
	mutated[4] ^= 0xff // first byte of the sized frame's exposed payload

	sized, err := NewSizedReader(mutated)
	require.NoError(t, err)
	mh, err := NewMultihashReader(sized)
	require.NoError(t, err)

	ok, err := mh.Verify()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPaddedFrameMinimumSize(t *testing.T) {
	builder := NewPaddedBuilder(RawBuilder([]byte{1, 2, 3, 4, 5}), 20)
	data := builder.Bytes()
	require.GreaterOrEqual(t, len(data), 20)

	padded, err := NewPaddedReader(RawReader(data))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, padded.Exposed())
}

func TestPaddedFrameNoOpWhenAlreadyLargeEnough(t *testing.T) {
	payload := make([]byte, 30)
	builder := NewPaddedBuilder(RawBuilder(payload), 10)
	data := builder.Bytes()
	require.Equal(t, len(payload)+4, len(data))

	padded, err := NewPaddedReader(RawReader(data))
	require.NoError(t, err)
	require.Equal(t, payload, padded.Exposed())
}

func TestCompoundFrameSplitsSides(t *testing.T) {
	left := []byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	right := []byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}

	builder := NewCompoundBuilder(RawBuilder(left), RawBuilder(right))
	data := builder.Bytes()

	compound, err := NewCompoundReader(RawReader(data))
	require.NoError(t, err)
	require.Equal(t, left, compound.Left())
	require.Equal(t, right, compound.Right())
}

func TestTypedFrameRoundTrip(t *testing.T) {
	builder := NewTypedBuilder(TypeOperation, RawBuilder([]byte("payload")))
	data := builder.Bytes()

	typed, err := NewTypedReader(data)
	require.NoError(t, err)
	require.Equal(t, TypeOperation, typed.Type())
	require.Equal(t, []byte("payload"), typed.Exposed())
}

func TestTypedFrameRejectsUnknownType(t *testing.T) {
	data := []byte{0xff, 0xff, 1, 2, 3}
	_, err := NewTypedReader(data)
	require.Error(t, err)
}

func TestFullStackTypedMultihashSized(t *testing.T) {
	builder := NewSizedBuilder(
		NewMultihashBuilder(
			NewTypedBuilder(TypeOperation, RawBuilder([]byte("op-payload"))),
		),
	)
	data := builder.Bytes()

	sized, err := NewSizedReader(data)
	require.NoError(t, err)
	mh, err := NewMultihashReader(sized)
	require.NoError(t, err)
	ok, err := mh.Verify()
	require.NoError(t, err)
	require.True(t, ok)

	typed, err := NewTypedReader(mh.Exposed())
	require.NoError(t, err)
	require.Equal(t, TypeOperation, typed.Type())
	require.Equal(t, []byte("op-payload"), typed.Exposed())
}

func TestExpectedSizeMatchesWrittenLength(t *testing.T) {
	builder := NewSizedBuilder(NewMultihashBuilder(NewTypedBuilder(TypeOperation, RawBuilder([]byte("x")))))
	size, ok := builder.ExpectedSize()
	require.True(t, ok)
	require.Equal(t, size, len(builder.Bytes()))
}
