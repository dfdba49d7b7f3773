package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func buildTestBlock(t *testing.T) Block {
	t.Helper()

	op1 := Operation{Kind: KindEntry, GroupID: 1, OperationID: 1, Payload: []byte("a")}
	op2 := Operation{Kind: KindEntry, GroupID: 2, OperationID: 2, Payload: []byte("bb")}

	b1, err := op1.Marshal()
	require.NoError(t, err)
	b2, err := op2.Marshal()
	require.NoError(t, err)

	bodies := append(append([]byte{}, b1...), b2...)
	headers := []OperationHeader{
		{Offset: 0, Size: uint32(len(b1))},
		{Offset: uint32(len(b1)), Size: uint32(len(b2))},
	}

	return Block{
		PreviousHash:        common.Hash{0xaa},
		Offset:              0,
		Height:              1,
		ProposedOperationID: 100,
		Headers:             headers,
		Bodies:              bodies,
		Signatures: []BlockSignature{
			{NodeID: NodeID{1}, Signature: Signature{1, 2, 3}},
		},
	}
}

func TestBlockMarshalRoundTrip(t *testing.T) {
	block := buildTestBlock(t)
	data, err := block.Marshal(256)
	require.NoError(t, err)

	decoded, err := UnmarshalBlock(data)
	require.NoError(t, err)
	require.Equal(t, block.PreviousHash, decoded.PreviousHash)
	require.Equal(t, block.Height, decoded.Height)
	require.Equal(t, block.ProposedOperationID, decoded.ProposedOperationID)
	require.Equal(t, block.Headers, decoded.Headers)
	require.Equal(t, block.Bodies, decoded.Bodies)
	require.Equal(t, block.Signatures, decoded.Signatures)
}

func TestBlockSignaturesTrailerIsPadded(t *testing.T) {
	block := buildTestBlock(t)
	small, err := block.Marshal(4096)
	require.NoError(t, err)

	block.Signatures = append(block.Signatures, BlockSignature{NodeID: NodeID{2}, Signature: Signature{4, 5, 6}})
	larger, err := block.Marshal(4096)
	require.NoError(t, err)

	// With the same signaturesMaxSize, adding a signature (while staying
	// under the padded minimum) must not change the frame's total size.
	require.Equal(t, len(small), len(larger))
}

func TestBlockHashStableAcrossSignatureCollection(t *testing.T) {
	block := buildTestBlock(t)
	h1, err := block.Hash()
	require.NoError(t, err)

	block.Signatures = append(block.Signatures, BlockSignature{NodeID: NodeID{9}, Signature: Signature{9}})
	h2, err := block.Hash()
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestBlockOperationBytesLocatesBody(t *testing.T) {
	block := buildTestBlock(t)
	raw, err := block.OperationBytes(block.Headers[1])
	require.NoError(t, err)

	op, err := UnmarshalOperation(raw)
	require.NoError(t, err)
	require.Equal(t, []byte("bb"), op.Payload)
}

func TestNextOffsetDerivedFromFrameAlone(t *testing.T) {
	block := buildTestBlock(t)
	data, err := block.Marshal(256)
	require.NoError(t, err)

	next, err := NextOffset(data, block.Offset)
	require.NoError(t, err)
	require.Equal(t, block.Offset+uint64(len(data)), next)
}
