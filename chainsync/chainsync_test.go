package chainsync

import (
	"testing"
	"time"

	"github.com/cellmesh/chain/chainsec"
	"github.com/cellmesh/chain/rawchain"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newChainForTesting(t *testing.T) (rawchain.Chain, *chainsec.KeyPair) {
	t.Helper()
	store := rawchain.NewMemoryStore(rawchain.DefaultConfig())

	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)
	_, err = rawchain.WriteGenesis(store, key)
	require.NoError(t, err)
	return store, key
}

func appendBlock(t *testing.T, store rawchain.Chain, key *chainsec.KeyPair, height uint64, payload []byte) types.Block {
	t.Helper()

	last, err := store.GetLastBlock()
	require.NoError(t, err)
	var prevHash [32]byte
	var offset uint64
	if last != nil {
		h, err := last.Hash()
		require.NoError(t, err)
		prevHash = h
		offset = store.NextOffset()
	}

	op := types.Operation{Kind: types.KindEntry, OperationID: types.OperationID(height), GroupID: types.OperationID(height), Payload: payload}
	signedOp, err := chainsec.SignOperation(key, op)
	require.NoError(t, err)
	opBytes, err := signedOp.Marshal()
	require.NoError(t, err)

	block := types.Block{
		PreviousHash:        prevHash,
		Offset:              offset,
		Height:              height,
		ProposedOperationID: types.OperationID(height),
		Headers:             []types.OperationHeader{{Offset: 0, Size: uint32(len(opBytes))}},
		Bodies:              opBytes,
	}
	_, err = store.WriteBlock(block)
	require.NoError(t, err)
	return block
}

func TestHandleRequestMetadataReportsSampleMatches(t *testing.T) {
	store, key := newChainForTesting(t)
	appendBlock(t, store, key, 1, []byte("a"))
	appendBlock(t, store, key, 2, []byte("b"))

	s := New(DefaultConfig(), store, nil)

	genesis, err := store.GetBlock(0)
	require.NoError(t, err)
	genesisHash, err := genesis.Hash()
	require.NoError(t, err)

	req := Request{Phase: PhaseMetadata, Samples: []HeaderSample{
		{Offset: 0, Height: 0, Hash: genesisHash},
		{Offset: 0, Height: 0, Hash: [32]byte{0xff}},
	}}
	resp, err := s.HandleRequest(types.NodeID{1}, req)
	require.NoError(t, err)
	require.True(t, resp.HasTip)
	require.Equal(t, uint64(2), resp.Tip.Height)
	require.Len(t, resp.SampleResults, 2)
	require.True(t, resp.SampleResults[0].Match)
	require.False(t, resp.SampleResults[1].Match)
}

func TestHandleRequestBlockTransferStreamsFromOffset(t *testing.T) {
	store, key := newChainForTesting(t)
	appendBlock(t, store, key, 1, []byte("a"))
	appendBlock(t, store, key, 2, []byte("b"))

	s := New(DefaultConfig(), store, nil)
	resp, err := s.HandleRequest(types.NodeID{1}, Request{Phase: PhaseBlockTransfer, FromOffset: 0})
	require.NoError(t, err)
	require.Len(t, resp.Blocks, 3) // genesis + 2 appended

	block, err := types.UnmarshalBlock(resp.Blocks[0])
	require.NoError(t, err)
	require.Equal(t, uint64(0), block.Height)
}

func TestHandleResponseMetadataPicksDeepestMatch(t *testing.T) {
	store, _ := newChainForTesting(t)
	s := New(DefaultConfig(), store, nil)
	peer := types.NodeID{2}

	resp := Response{
		Phase:   PhaseMetadata,
		HasTip:  true,
		Tip:     HeaderSample{Offset: 100, Height: 5},
		SampleResults: []SampleResult{
			{Height: 0, Match: true, ActualOffset: 0, ActualHash: [32]byte{1}},
			{Height: 3, Match: true, ActualOffset: 50, ActualHash: [32]byte{2}},
			{Height: 5, Match: false},
		},
	}
	ctx := synccontext.New(synccontext.SyncState{})
	require.NoError(t, s.HandleResponse(ctx, peer, resp))

	info := s.infoFor(peer)
	require.Equal(t, StatusSynchronized, info.Status)
	require.NotNil(t, info.LastCommonBlock)
	require.Equal(t, uint64(3), info.LastCommonBlock.Height)
	require.Equal(t, uint64(5), info.LastKnownBlock.Height)
}

func TestHandleResponseMetadataNoMatchSetsUnknown(t *testing.T) {
	store, _ := newChainForTesting(t)
	s := New(DefaultConfig(), store, nil)
	peer := types.NodeID{3}

	resp := Response{
		Phase: PhaseMetadata,
		SampleResults: []SampleResult{
			{Height: 0, Match: false},
		},
	}
	ctx := synccontext.New(synccontext.SyncState{})
	require.NoError(t, s.HandleResponse(ctx, peer, resp))

	info := s.infoFor(peer)
	require.Equal(t, StatusUnknown, info.Status)
	require.False(t, info.LastCommonIsKnown)
}

func buildUnwrittenBlock(t *testing.T, prev types.Block, prevBytes []byte, height uint64, payload []byte) types.Block {
	t.Helper()

	op := types.Operation{Kind: types.KindEntry, OperationID: types.OperationID(height), GroupID: types.OperationID(height), Payload: payload}
	opBytes, err := op.Marshal()
	require.NoError(t, err)

	prevHash, err := prev.Hash()
	require.NoError(t, err)
	nextOffset, err := types.NextOffset(prevBytes, prev.Offset)
	require.NoError(t, err)

	return types.Block{
		PreviousHash:        prevHash,
		Offset:              nextOffset,
		Height:              height,
		ProposedOperationID: types.OperationID(height),
		Headers:             []types.OperationHeader{{Offset: 0, Size: uint32(len(opBytes))}},
		Bodies:              opBytes,
	}
}

func TestHandleResponseBlockTransferAppliesBlocksInOrder(t *testing.T) {
	store, _ := newChainForTesting(t)
	sigMaxSize := store.Config().BlockSignaturesMaxSize

	genesis, err := store.GetBlock(0)
	require.NoError(t, err)
	genesisBytes, err := genesis.Marshal(sigMaxSize)
	require.NoError(t, err)

	block1 := buildUnwrittenBlock(t, genesis, genesisBytes, 1, []byte("a"))
	block1Bytes, err := block1.Marshal(sigMaxSize)
	require.NoError(t, err)

	block2 := buildUnwrittenBlock(t, block1, block1Bytes, 2, []byte("b"))
	block2Bytes, err := block2.Marshal(sigMaxSize)
	require.NoError(t, err)

	raw := [][]byte{block1Bytes, block2Bytes}

	s := New(DefaultConfig(), store, nil)
	peer := types.NodeID{4}
	ctx := synccontext.New(synccontext.SyncState{})
	require.NoError(t, s.HandleResponse(ctx, peer, Response{Phase: PhaseBlockTransfer, Blocks: raw}))

	last, err := store.GetLastBlock()
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, uint64(2), last.Height)
	require.Len(t, ctx.Events, 2)
	require.Equal(t, synccontext.EventChainBlockNew, ctx.Events[0].Kind)
}

func TestHandleResponseBlockTransferDetectsDivergence(t *testing.T) {
	store, key := newChainForTesting(t)
	appendBlock(t, store, key, 1, []byte("a"))

	genesis, err := store.GetBlock(0)
	require.NoError(t, err)
	genesisHash, err := genesis.Hash()
	require.NoError(t, err)

	s := New(DefaultConfig(), store, nil)
	peer := types.NodeID{5}
	info := s.infoFor(peer)
	info.LastCommonBlock = &BlockRef{Offset: 0, Height: 0, Hash: genesisHash}

	bogus := types.Block{
		PreviousHash: common.Hash{0xff},
		Offset:       store.NextOffset(),
		Height:       99,
	}
	sigMaxSize := store.Config().BlockSignaturesMaxSize
	bogusBytes, err := bogus.Marshal(sigMaxSize)
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	err = s.HandleResponse(ctx, peer, Response{Phase: PhaseBlockTransfer, Blocks: [][]byte{bogusBytes}})
	require.ErrorIs(t, err, ErrDiverged)

	require.Len(t, ctx.Events, 1)
	require.Equal(t, synccontext.EventChainDiverged, ctx.Events[0].Kind)
	require.Equal(t, uint64(1), ctx.Events[0].BlockHeight)
}

func TestHandleResponseBlockTransferHeightDeltaAloneIsNotDivergence(t *testing.T) {
	store, key := newChainForTesting(t)
	appendBlock(t, store, key, 1, []byte("a"))

	s := New(DefaultConfig(), store, nil)
	peer := types.NodeID{6}
	info := s.infoFor(peer)
	// The claimed common ancestor is past the local tip: the peer is
	// simply ahead, not diverged, so no local successor exists to prove
	// divergence.
	info.LastCommonBlock = &BlockRef{Offset: store.NextOffset(), Height: 10}

	bogus := types.Block{
		PreviousHash: common.Hash{0xaa},
		Offset:       store.NextOffset(),
		Height:       99,
	}
	sigMaxSize := store.Config().BlockSignaturesMaxSize
	bogusBytes, err := bogus.Marshal(sigMaxSize)
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	err = s.HandleResponse(ctx, peer, Response{Phase: PhaseBlockTransfer, Blocks: [][]byte{bogusBytes}})
	require.ErrorIs(t, err, ErrInvalidSyncResponse)
	require.NotErrorIs(t, err, ErrDiverged)
	require.Empty(t, ctx.Events)
}

func TestTickRequestsBlockTransferFromLeaderOnly(t *testing.T) {
	store, _ := newChainForTesting(t)
	cfg := DefaultConfig()
	cfg.MaxLeaderCommonBlockHeightDelta = 1
	s := New(cfg, store, func() time.Time { return time.Unix(0, 0) })

	leader := types.NodeID{1}
	lagging := types.NodeID{2}

	leaderInfo := s.infoFor(leader)
	leaderInfo.Status = StatusSynchronized
	leaderInfo.LastCommonBlock = &BlockRef{Offset: 0, Height: 0}
	leaderInfo.LastKnownBlock = &BlockRef{Offset: 0, Height: 10}

	laggingInfo := s.infoFor(lagging)
	laggingInfo.Status = StatusSynchronized
	laggingInfo.LastCommonBlock = &BlockRef{Offset: 0, Height: 0}
	laggingInfo.LastKnownBlock = &BlockRef{Offset: 0, Height: 1}

	genesis, err := store.GetBlock(0)
	require.NoError(t, err)
	genesisBytes, err := genesis.Marshal(store.Config().BlockSignaturesMaxSize)
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	s.Tick(ctx, []types.NodeID{leader, lagging})

	var sawBlockTransfer bool
	for _, m := range ctx.Messages {
		req, err := UnmarshalRequest(m.Envelope)
		require.NoError(t, err)
		if req.Phase == PhaseBlockTransfer {
			require.Equal(t, leader, m.ToNode)
			// The transfer starts right after the common ancestor, never at
			// the ancestor itself.
			require.Equal(t, uint64(len(genesisBytes)), req.FromOffset)
			sawBlockTransfer = true
		}
	}
	require.True(t, sawBlockTransfer)
}
