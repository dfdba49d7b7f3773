package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperationMarshalRoundTrip(t *testing.T) {
	op := Operation{
		Kind:        KindEntry,
		GroupID:     42,
		OperationID: 42,
		NodeID:      NodeID{1, 2, 3},
		Signature:   Signature{9, 9, 9},
		Payload:     []byte("hello world"),
	}

	data, err := op.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalOperation(data)
	require.NoError(t, err)
	require.Equal(t, op.Kind, decoded.Kind)
	require.Equal(t, op.GroupID, decoded.GroupID)
	require.Equal(t, op.OperationID, decoded.OperationID)
	require.Equal(t, op.NodeID, decoded.NodeID)
	require.Equal(t, op.Signature, decoded.Signature)
	require.Equal(t, op.Payload, decoded.Payload)
}

func TestOperationEntryData(t *testing.T) {
	entry := Operation{Kind: KindEntry, Payload: []byte("x")}
	data, err := entry.EntryData()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), data)

	propose := Operation{Kind: KindBlockPropose}
	_, err = propose.EntryData()
	require.ErrorIs(t, err, ErrNotAnEntry)
}

func TestOperationMarshalDetectsCorruption(t *testing.T) {
	op := Operation{Kind: KindEntry, OperationID: 1, GroupID: 1, Payload: []byte("payload")}
	data, err := op.Marshal()
	require.NoError(t, err)

	mutated := make([]byte, len(data))
	copy(mutated, data)
	mutated[len(mutated)/2] ^= 0xff

	_, err = UnmarshalOperation(mutated)
	require.Error(t, err)
}

func TestOperationSignedBytesExcludeSignature(t *testing.T) {
	a := Operation{Kind: KindEntry, OperationID: 1, Payload: []byte("p"), Signature: Signature{1}}
	b := a
	b.Signature = Signature{2}

	sa, err := a.SignedBytes()
	require.NoError(t, err)
	sb, err := b.SignedBytes()
	require.NoError(t, err)
	require.Equal(t, sa, sb)
}
