package types

import (
	"github.com/cellmesh/chain/framing"
	"github.com/ethereum/go-ethereum/rlp"
)

// operationEnvelope is the RLP-encoded body signed by the originating node.
// Kept separate from Operation so the signed bytes never include the
// signature itself.
type operationEnvelope struct {
	Kind        Kind
	GroupID     GroupID
	OperationID OperationID
	NodeID      NodeID
	Payload     []byte
}

// Operation is the smallest ordered unit of the chain: an Entry (user
// payload), or one of the commit manager's own bookkeeping kinds
// (BlockPropose, BlockSign, BlockRefuse, PendingIgnore).
type Operation struct {
	Kind        Kind
	GroupID     GroupID
	OperationID OperationID
	NodeID      NodeID
	Signature   Signature
	Payload     []byte
}

func (op Operation) envelope() operationEnvelope {
	return operationEnvelope{
		Kind:        op.Kind,
		GroupID:     op.GroupID,
		OperationID: op.OperationID,
		NodeID:      op.NodeID,
		Payload:     op.Payload,
	}
}

// SignedBytes returns the exact bytes a Signer must sign and a Verifier must
// check: the RLP encoding of everything but the signature.
func (op Operation) SignedBytes() ([]byte, error) {
	return rlp.EncodeToBytes(op.envelope())
}

// Marshal serializes op into its on-disk/on-wire form: a Typed frame
// (TypeOperation) wrapping the RLP-encoded envelope and its signature,
// checksummed with a Multihash frame and length-prefixed with a Sized frame.
func (op Operation) Marshal() ([]byte, error) {
	body, err := op.SignedBytes()
	if err != nil {
		return nil, err
	}
	signed, err := rlp.EncodeToBytes(struct {
		Body      []byte
		Signature Signature
	}{Body: body, Signature: op.Signature})
	if err != nil {
		return nil, err
	}
	builder := framing.NewSizedBuilder(
		framing.NewMultihashBuilder(
			framing.NewTypedBuilder(framing.TypeOperation, framing.RawBuilder(signed)),
		),
	)
	return builder.Bytes(), nil
}

// UnmarshalOperation parses an Operation from its framed form, as produced by
// Marshal. It does not verify the signature; callers that need that
// guarantee should use a chainsec.Verifier against SignedBytes.
func UnmarshalOperation(data []byte) (Operation, error) {
	sized, err := framing.NewSizedReader(data)
	if err != nil {
		return Operation{}, err
	}
	mh, err := framing.NewMultihashReader(sized)
	if err != nil {
		return Operation{}, err
	}
	ok, err := mh.Verify()
	if err != nil {
		return Operation{}, err
	}
	if !ok {
		return Operation{}, ErrTruncated
	}
	typed, err := framing.NewTypedReader(mh.Exposed())
	if err != nil {
		return Operation{}, err
	}
	if typed.Type() != framing.TypeOperation {
		return Operation{}, ErrInvalidKind
	}

	var signed struct {
		Body      []byte
		Signature Signature
	}
	if err := rlp.DecodeBytes(typed.Exposed(), &signed); err != nil {
		return Operation{}, err
	}
	var env operationEnvelope
	if err := rlp.DecodeBytes(signed.Body, &env); err != nil {
		return Operation{}, err
	}
	if !env.Kind.Valid() {
		return Operation{}, ErrInvalidKind
	}
	return Operation{
		Kind:        env.Kind,
		GroupID:     env.GroupID,
		OperationID: env.OperationID,
		NodeID:      env.NodeID,
		Signature:   signed.Signature,
		Payload:     env.Payload,
	}, nil
}

// EntryData returns op's payload, if op is a KindEntry operation.
func (op Operation) EntryData() ([]byte, error) {
	if op.Kind != KindEntry {
		return nil, ErrNotAnEntry
	}
	return op.Payload, nil
}
