package chainsync

import (
	"github.com/cellmesh/chain/framing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Phase discriminates the two things a ChainSyncRequest/Response pair can
// carry: a metadata exchange (sampled headers, used to find a common
// ancestor) or a block-transfer (a stream of blocks past that ancestor).
// The typed-frame enumeration has only one request and one response type
// for chain-sync, so both phases share the same wire messages.
type Phase uint8

const (
	PhaseMetadata Phase = iota + 1
	PhaseBlockTransfer
)

// HeaderSample is one entry of a sampled header set: a claim about what the
// sender's chain holds at a given height.
type HeaderSample struct {
	Offset uint64
	Height uint64
	Hash   common.Hash
}

// Request is sent to ask a peer either to compare our sampled headers
// against its own chain (PhaseMetadata) or to stream blocks after an offset
// (PhaseBlockTransfer).
type Request struct {
	Phase Phase

	// Samples is populated for PhaseMetadata: headers_sync_begin_count from
	// genesis, headers_sync_end_count from our tip, and
	// headers_sync_sampled_count evenly spaced between, all from our own
	// chain.
	Samples []HeaderSample `rlp:"optional"`

	// FromOffset is populated for PhaseBlockTransfer: stream blocks stored
	// at or after this offset.
	FromOffset uint64 `rlp:"optional"`
}

// SampleResult is the responder's verdict on one of the requester's
// samples: whether its own chain agrees, and if not, what it holds instead
// (zero value if it holds nothing at that offset).
type SampleResult struct {
	Height       uint64
	Match        bool
	ActualOffset uint64
	ActualHash   common.Hash
}

// Response answers a Request. Tip/Earliest are populated whenever the
// responder's chain is non-empty (HasTip/HasEarliest say so), so the
// requester can track the peer's known chain extent even when nothing else
// changed.
type Response struct {
	Phase Phase

	HasTip      bool
	Tip         HeaderSample
	HasEarliest bool
	Earliest    HeaderSample

	// SampleResults answers PhaseMetadata.
	SampleResults []SampleResult `rlp:"optional"`

	// Blocks answers PhaseBlockTransfer: marshalled, already-framed block
	// bytes (types.Block.Marshal output), in offset order.
	Blocks [][]byte `rlp:"optional"`
}

func marshalTyped(typ framing.Type, v interface{}) ([]byte, error) {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, err
	}
	builder := framing.NewSizedBuilder(
		framing.NewMultihashBuilder(
			framing.NewTypedBuilder(typ, framing.RawBuilder(enc)),
		),
	)
	return builder.Bytes(), nil
}

func unmarshalTyped(data []byte, want framing.Type, v interface{}) error {
	sized, err := framing.NewSizedReader(data)
	if err != nil {
		return ErrDecodeFailed
	}
	mh, err := framing.NewMultihashReader(sized)
	if err != nil {
		return ErrDecodeFailed
	}
	ok, err := mh.Verify()
	if err != nil || !ok {
		return ErrDecodeFailed
	}
	typed, err := framing.NewTypedReader(mh.Exposed())
	if err != nil {
		return ErrDecodeFailed
	}
	if typed.Type() != want {
		return ErrDecodeFailed
	}
	if err := rlp.DecodeBytes(typed.Exposed(), v); err != nil {
		return ErrDecodeFailed
	}
	return nil
}

// Marshal serializes r into its on-wire form.
func (r Request) Marshal() ([]byte, error) {
	return marshalTyped(framing.TypeChainSyncRequest, r)
}

// UnmarshalRequest parses a Request from its framed form.
func UnmarshalRequest(data []byte) (Request, error) {
	var r Request
	err := unmarshalTyped(data, framing.TypeChainSyncRequest, &r)
	return r, err
}

// Marshal serializes r into its on-wire form.
func (r Response) Marshal() ([]byte, error) {
	return marshalTyped(framing.TypeChainSyncResponse, r)
}

// UnmarshalResponse parses a Response from its framed form.
func UnmarshalResponse(data []byte) (Response, error) {
	var r Response
	err := unmarshalTyped(data, framing.TypeChainSyncResponse, &r)
	return r, err
}
