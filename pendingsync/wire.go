package pendingsync

import (
	"github.com/cellmesh/chain/framing"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// OperationSummary is a lightweight stand-in for a full operation, used when
// a mismatched range is too large to send inline: enough for the peer to
// diff against its own pending store and ask for exactly what it's missing.
type OperationSummary struct {
	OperationID types.OperationID
	GroupID     types.GroupID
	Kind        types.Kind
}

// Range is one bucket of a Request's sorted range summary. Ranges in a
// request are contiguous and together cover the whole id space above the
// sender's cleanup threshold, so operations either side holds anywhere in
// that space fall inside exactly one range. A bare range (Count/Hash only)
// asks the peer to compare against its own pending store for
// [FromOperationID, ToOperationID]. The optional fields appear on replies:
//
//   - InlineOperations carries full operations: a responder's whole local
//     set for a mismatched small range, an answer to RequestOperationIDs,
//     or a diff-back of what the peer's own inline set showed it lacks.
//   - HeaderOperationIDs carries ids+kind only, sent when a mismatch was too
//     large to inline; the receiver diffs against its own store, requests
//     what it lacks and pushes back what the sender lacks.
//   - RequestOperationIDs asks the peer to send the listed ids inline.
//   - Pushed marks InlineOperations as a one-way push: the receiver stores
//     them and must not diff back, which is what terminates an exchange.
type Range struct {
	FromOperationID types.OperationID
	ToOperationID   types.OperationID
	OperationsCount uint32
	OperationsHash  uint64

	InlineOperations    []types.Operation   `rlp:"optional"`
	HeaderOperationIDs  []OperationSummary  `rlp:"optional"`
	RequestOperationIDs []types.OperationID `rlp:"optional"`
	Pushed              bool                `rlp:"optional"`
}

// Request is the single message kind pending-sync exchanges in both
// directions: an initiating range summary, or a reply carrying acks,
// inline operations, headers, or follow-up requests.
type Request struct {
	Ranges []Range
}

// Marshal serializes r into its on-wire form: a Typed frame wrapping the RLP
// encoding, checksummed with Multihash and length-prefixed with Sized.
func (r Request) Marshal() ([]byte, error) {
	enc, err := rlp.EncodeToBytes(r)
	if err != nil {
		return nil, err
	}
	builder := framing.NewSizedBuilder(
		framing.NewMultihashBuilder(
			framing.NewTypedBuilder(framing.TypePendingSyncRequest, framing.RawBuilder(enc)),
		),
	)
	return builder.Bytes(), nil
}

// UnmarshalRequest parses a Request from its framed form, as produced by
// Marshal.
func UnmarshalRequest(data []byte) (Request, error) {
	sized, err := framing.NewSizedReader(data)
	if err != nil {
		return Request{}, ErrDecodeFailed
	}
	mh, err := framing.NewMultihashReader(sized)
	if err != nil {
		return Request{}, ErrDecodeFailed
	}
	ok, err := mh.Verify()
	if err != nil || !ok {
		return Request{}, ErrDecodeFailed
	}
	typed, err := framing.NewTypedReader(mh.Exposed())
	if err != nil {
		return Request{}, ErrDecodeFailed
	}
	if typed.Type() != framing.TypePendingSyncRequest {
		return Request{}, ErrDecodeFailed
	}
	var req Request
	if err := rlp.DecodeBytes(typed.Exposed(), &req); err != nil {
		return Request{}, ErrDecodeFailed
	}
	// RLP decodes an encoded-but-empty optional list as an empty slice;
	// turn those back into nil so the result equals what Marshal was given.
	for i := range req.Ranges {
		r := &req.Ranges[i]
		if len(r.InlineOperations) == 0 {
			r.InlineOperations = nil
		}
		if len(r.HeaderOperationIDs) == 0 {
			r.HeaderOperationIDs = nil
		}
		if len(r.RequestOperationIDs) == 0 {
			r.RequestOperationIDs = nil
		}
	}
	return req, nil
}
