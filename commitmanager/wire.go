package commitmanager

import (
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// proposalPayload is the RLP-encoded payload of a KindBlockPropose
// operation: the candidate block's header and body, plus the proposer's own
// signature over the block's content hash. The final on-chain block gains
// the rest of its signatures only once a quorum has voted; until then, this
// is the only place the block's bytes live.
type proposalPayload struct {
	PreviousHash        common.Hash
	Offset              uint64
	Height              uint64
	ProposedOperationID types.GroupID
	Headers             []types.OperationHeader
	Bodies              []byte
	ProposerSignature   types.BlockSignature
}

func (p proposalPayload) block() types.Block {
	return types.Block{
		PreviousHash:        p.PreviousHash,
		Offset:              p.Offset,
		Height:              p.Height,
		ProposedOperationID: p.ProposedOperationID,
		Headers:             p.Headers,
		Bodies:              p.Bodies,
		Signatures:          []types.BlockSignature{p.ProposerSignature},
	}
}

func encodeProposal(block types.Block, proposerSig types.BlockSignature) ([]byte, error) {
	return rlp.EncodeToBytes(proposalPayload{
		PreviousHash:        block.PreviousHash,
		Offset:              block.Offset,
		Height:              block.Height,
		ProposedOperationID: block.ProposedOperationID,
		Headers:             block.Headers,
		Bodies:              block.Bodies,
		ProposerSignature:   proposerSig,
	})
}

func decodeProposal(payload []byte) (proposalPayload, error) {
	var p proposalPayload
	err := rlp.DecodeBytes(payload, &p)
	return p, err
}

// signPayload is the RLP-encoded payload of a KindBlockSign operation: one
// node's vote that the proposed block (identified by the operation's
// GroupID, the proposal's own operation id) is valid.
type signPayload struct {
	Signature types.BlockSignature
}

func encodeSign(sig types.BlockSignature) ([]byte, error) {
	return rlp.EncodeToBytes(signPayload{Signature: sig})
}

func decodeSign(payload []byte) (types.BlockSignature, error) {
	var p signPayload
	if err := rlp.DecodeBytes(payload, &p); err != nil {
		return types.BlockSignature{}, err
	}
	return p.Signature, nil
}

// RefuseReason enumerates why a node refused to sign a proposal. Only
// schema/signature/continuity failures qualify; a refusal is never
// arbitrary.
type RefuseReason uint8

const (
	RefuseReasonInvalidProposer RefuseReason = iota + 1
	RefuseReasonBadSignature
	RefuseReasonBadContinuity
	RefuseReasonBadSchema
)

func (r RefuseReason) String() string {
	switch r {
	case RefuseReasonInvalidProposer:
		return "invalid-proposer"
	case RefuseReasonBadSignature:
		return "bad-signature"
	case RefuseReasonBadContinuity:
		return "bad-continuity"
	case RefuseReasonBadSchema:
		return "bad-schema"
	default:
		return "unknown"
	}
}

// refusePayload is the RLP-encoded payload of a KindBlockRefuse operation.
type refusePayload struct {
	Reason RefuseReason
}

func encodeRefuse(reason RefuseReason) ([]byte, error) {
	return rlp.EncodeToBytes(refusePayload{Reason: reason})
}
