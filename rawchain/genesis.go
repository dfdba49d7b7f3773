package rawchain

import (
	"github.com/cellmesh/chain/chainsec"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
)

// WriteGenesis writes the chain's genesis block: height 0, offset 0, and the
// only block without a meaningful PreviousHash. It is an explicit bootstrap
// step, not something the engine does implicitly.
func WriteGenesis(chain Chain, signer chainsec.Signer) (types.Block, error) {
	if chain.NextOffset() != 0 {
		return types.Block{}, ErrUnexpectedState
	}

	genesisOp := types.Operation{
		Kind:        types.KindBlockPropose,
		OperationID: 0,
		GroupID:     0,
		Payload:     nil,
	}
	signedOp, err := chainsec.SignOperation(signer, genesisOp)
	if err != nil {
		return types.Block{}, err
	}
	opBytes, err := signedOp.Marshal()
	if err != nil {
		return types.Block{}, err
	}

	block := types.Block{
		PreviousHash:        common.Hash{},
		Offset:              0,
		Height:              0,
		ProposedOperationID: 0,
		Headers:             []types.OperationHeader{{Offset: 0, Size: uint32(len(opBytes))}},
		Bodies:              opBytes,
	}

	blockHash, err := block.Hash()
	if err != nil {
		return types.Block{}, err
	}
	sig, err := signer.Sign(blockHash[:])
	if err != nil {
		return types.Block{}, err
	}
	block.Signatures = []types.BlockSignature{{NodeID: signer.NodeID(), Signature: sig}}

	if _, err := chain.WriteBlock(block); err != nil {
		return types.Block{}, err
	}
	return block, nil
}
