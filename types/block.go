package types

import (
	"github.com/cellmesh/chain/framing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// OperationHeader locates one operation's framed bytes within a block's
// concatenated body.
type OperationHeader struct {
	Offset uint32
	Size   uint32
}

// BlockSignature is one data-role node's vote on a proposed block.
type BlockSignature struct {
	NodeID    NodeID
	Signature Signature
}

// blockCore is the part of a block that's hashed and chained via
// PreviousHash; it excludes the signatures trailer, which is appended only
// once a quorum has voted.
type blockCore struct {
	PreviousHash        common.Hash
	Offset              uint64
	Height              uint64
	ProposedOperationID GroupID
	Headers             []OperationHeader
}

// Block is an immutable, ordered batch of operations plus a signatures
// trailer. Offset and Height are assigned when the block is proposed; a
// block's first byte offset equals the previous block's next offset, and its
// hash chains via PreviousHash.
type Block struct {
	PreviousHash        common.Hash
	Offset              uint64
	Height              uint64
	ProposedOperationID GroupID
	Headers             []OperationHeader
	Bodies              []byte // concatenated, already-framed Operation bytes
	Signatures          []BlockSignature
}

func (b Block) core() blockCore {
	return blockCore{
		PreviousHash:        b.PreviousHash,
		Offset:              b.Offset,
		Height:              b.Height,
		ProposedOperationID: b.ProposedOperationID,
		Headers:             b.Headers,
	}
}

// Hash returns the block's content hash, the value the next block's
// PreviousHash must equal. It covers the header and body but not the
// signatures trailer, since the hash must be stable while signatures are
// still being collected.
func (b Block) Hash() (common.Hash, error) {
	coreEnc, err := rlp.EncodeToBytes(b.core())
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(coreEnc, b.Bodies), nil
}

// Marshal serializes b into its on-disk/on-wire form: a Compound frame
// pairing (header metadata + concatenated operation bodies) with a Padded,
// Typed signatures trailer, the whole wrapped in Multihash and Sized frames.
// signaturesMaxSize pads the trailer so that, once written, its size never
// depends on how many signatures a block ultimately collects.
func (b Block) Marshal(signaturesMaxSize int) ([]byte, error) {
	coreEnc, err := rlp.EncodeToBytes(b.core())
	if err != nil {
		return nil, err
	}
	headerAndBody := framing.NewCompoundBuilder(
		framing.NewTypedBuilder(framing.TypeBlockHeader, framing.RawBuilder(coreEnc)),
		framing.RawBuilder(b.Bodies),
	)

	sigsEnc, err := rlp.EncodeToBytes(b.Signatures)
	if err != nil {
		return nil, err
	}
	sigsTrailer := framing.NewPaddedBuilder(
		framing.NewTypedBuilder(framing.TypeBlockSignatures, framing.RawBuilder(sigsEnc)),
		signaturesMaxSize,
	)

	outer := framing.NewCompoundBuilder(headerAndBody, sigsTrailer)
	whole := framing.NewSizedBuilder(framing.NewMultihashBuilder(outer))
	return whole.Bytes(), nil
}

// UnmarshalBlock parses a Block from its framed form, as produced by Marshal.
func UnmarshalBlock(data []byte) (Block, error) {
	sized, err := framing.NewSizedReader(data)
	if err != nil {
		return Block{}, err
	}
	mh, err := framing.NewMultihashReader(sized)
	if err != nil {
		return Block{}, err
	}
	ok, err := mh.Verify()
	if err != nil {
		return Block{}, err
	}
	if !ok {
		return Block{}, ErrTruncated
	}

	outer, err := framing.NewCompoundReader(framing.RawReader(mh.Exposed()))
	if err != nil {
		return Block{}, err
	}

	inner, err := framing.NewCompoundReader(framing.RawReader(outer.Left()))
	if err != nil {
		return Block{}, err
	}
	headerTyped, err := framing.NewTypedReader(inner.Left())
	if err != nil {
		return Block{}, err
	}
	if headerTyped.Type() != framing.TypeBlockHeader {
		return Block{}, ErrInvalidKind
	}
	var core blockCore
	if err := rlp.DecodeBytes(headerTyped.Exposed(), &core); err != nil {
		return Block{}, err
	}

	sigsPadded, err := framing.NewPaddedReader(framing.RawReader(outer.Right()))
	if err != nil {
		return Block{}, err
	}
	sigsTyped, err := framing.NewTypedReader(sigsPadded.Exposed())
	if err != nil {
		return Block{}, err
	}
	if sigsTyped.Type() != framing.TypeBlockSignatures {
		return Block{}, ErrInvalidKind
	}
	var sigs []BlockSignature
	if err := rlp.DecodeBytes(sigsTyped.Exposed(), &sigs); err != nil {
		return Block{}, err
	}

	return Block{
		PreviousHash:        core.PreviousHash,
		Offset:              core.Offset,
		Height:              core.Height,
		ProposedOperationID: core.ProposedOperationID,
		Headers:             core.Headers,
		Bodies:              inner.Right(),
		Signatures:          sigs,
	}, nil
}

// NextOffset reports the byte offset immediately following this block's
// framed bytes, derivable from the Sized frame's own length prefix without
// parsing the block body or signatures.
func NextOffset(data []byte, offset uint64) (uint64, error) {
	sized, err := framing.NewSizedReader(data)
	if err != nil {
		return 0, err
	}
	return offset + uint64(len(sized.Whole())), nil
}

// OperationBytes returns the framed bytes of the operation described by hdr
// within the block's body.
func (b Block) OperationBytes(hdr OperationHeader) ([]byte, error) {
	end := uint64(hdr.Offset) + uint64(hdr.Size)
	if end > uint64(len(b.Bodies)) {
		return nil, ErrTruncated
	}
	return b.Bodies[hdr.Offset:end], nil
}
