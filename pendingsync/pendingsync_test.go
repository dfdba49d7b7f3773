package pendingsync

import (
	"testing"
	"time"

	"github.com/cellmesh/chain/pendingpool"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/types"
	"github.com/stretchr/testify/require"
)

func putEntry(t *testing.T, pool *pendingpool.Store, id types.OperationID, payload []byte) {
	t.Helper()
	pool.PutOperation(types.Operation{
		Kind:        types.KindEntry,
		GroupID:     id,
		OperationID: id,
		Payload:     payload,
	})
}

func TestTickSendsOneRequestPerPeerWhenDue(t *testing.T) {
	pool := pendingpool.NewStore()
	putEntry(t, pool, 1, []byte("a"))

	now := time.Unix(0, 0)
	s := New(DefaultConfig(), func() time.Time { return now })
	peer := types.NodeID{1}

	ctx := synccontext.New(synccontext.SyncState{})
	s.Tick(ctx, pool, []types.NodeID{peer})
	require.Len(t, ctx.Messages, 1)
	require.Equal(t, synccontext.MessagePendingSyncRequest, ctx.Messages[0].Kind)

	// Immediately again: the tracker's backoff should suppress a resend.
	ctx2 := synccontext.New(ctx.SyncState)
	s.Tick(ctx2, pool, []types.NodeID{peer})
	require.Empty(t, ctx2.Messages)
}

func TestBuildRequestOmitsRangesBelowCleanupThreshold(t *testing.T) {
	pool := pendingpool.NewStore()
	putEntry(t, pool, 1, []byte("old"))
	putEntry(t, pool, 2, []byte("new"))

	s := New(DefaultConfig(), nil)
	req := s.buildRequest(pool, types.OperationID(2))

	require.Len(t, req.Ranges, 1)
	require.Equal(t, types.OperationID(2), req.Ranges[0].FromOperationID)
	require.Equal(t, types.MaxOperationID, req.Ranges[0].ToOperationID)
	require.Equal(t, uint32(1), req.Ranges[0].OperationsCount)
}

func TestBuildRequestCoversWholeIDSpace(t *testing.T) {
	pool := pendingpool.NewStore()
	s := New(DefaultConfig(), nil)

	// Even with an empty pending store, one bare range spans the whole id
	// space, so a peer still reports whatever it holds.
	req := s.buildRequest(pool, 0)
	require.Len(t, req.Ranges, 1)
	require.Equal(t, types.OperationID(0), req.Ranges[0].FromOperationID)
	require.Equal(t, types.MaxOperationID, req.Ranges[0].ToOperationID)
	require.Equal(t, uint32(0), req.Ranges[0].OperationsCount)

	// With more operations than fit one range, the buckets stay contiguous:
	// each range starts right after the previous one's last id.
	cfg := DefaultConfig()
	cfg.MaxOperationsPerRange = 2
	s = New(cfg, nil)
	for id := types.OperationID(1); id <= 5; id++ {
		putEntry(t, pool, id, []byte{byte(id)})
	}
	req = s.buildRequest(pool, 0)
	require.Len(t, req.Ranges, 3)
	require.Equal(t, types.OperationID(0), req.Ranges[0].FromOperationID)
	require.Equal(t, types.OperationID(2), req.Ranges[0].ToOperationID)
	require.Equal(t, types.OperationID(3), req.Ranges[1].FromOperationID)
	require.Equal(t, types.OperationID(4), req.Ranges[1].ToOperationID)
	require.Equal(t, types.OperationID(5), req.Ranges[2].FromOperationID)
	require.Equal(t, types.MaxOperationID, req.Ranges[2].ToOperationID)
	require.Equal(t, uint32(1), req.Ranges[2].OperationsCount)
}

func TestTwoPoolsConvergeBidirectionally(t *testing.T) {
	poolA := pendingpool.NewStore()
	poolB := pendingpool.NewStore()
	putEntry(t, poolA, 1, []byte("only A"))
	putEntry(t, poolB, 2, []byte("only B"))

	syncA := New(DefaultConfig(), nil)
	syncB := New(DefaultConfig(), nil)
	nodeA, nodeB := types.NodeID{0xa}, types.NodeID{0xb}

	// A initiates; the exchange ping-pongs until neither side has anything
	// left to say, which must happen within a handful of rounds.
	msg, err := syncA.buildRequest(poolA, 0).Marshal()
	require.NoError(t, err)
	for round := 0; msg != nil; round++ {
		require.Less(t, round, 6, "exchange failed to terminate")

		recvSync, recvPool, sender := syncB, poolB, nodeA
		if round%2 == 1 {
			recvSync, recvPool, sender = syncA, poolA, nodeB
		}
		ctx := synccontext.New(synccontext.SyncState{})
		require.NoError(t, recvSync.HandleMessage(ctx, recvPool, sender, msg))
		msg = nil
		if len(ctx.Messages) > 0 {
			require.Len(t, ctx.Messages, 1)
			msg = ctx.Messages[0].Envelope
		}
	}

	for _, id := range []types.OperationID{1, 2} {
		_, ok := poolA.GetOperation(id)
		require.True(t, ok, "pool A missing operation %d", id)
		_, ok = poolB.GetOperation(id)
		require.True(t, ok, "pool B missing operation %d", id)
	}
}

func TestHandleMessageInlineMismatchReturnsMissingOperations(t *testing.T) {
	local := pendingpool.NewStore()
	putEntry(t, local, 1, []byte("a"))
	putEntry(t, local, 2, []byte("b"))

	s := New(DefaultConfig(), nil)
	remoteSummary := Range{FromOperationID: 1, ToOperationID: 2, OperationsCount: 0, OperationsHash: 0}
	envelope, err := Request{Ranges: []Range{remoteSummary}}.Marshal()
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	err = s.HandleMessage(ctx, local, types.NodeID{9}, envelope)
	require.NoError(t, err)
	require.Len(t, ctx.Messages, 1)

	reply, err := UnmarshalRequest(ctx.Messages[0].Envelope)
	require.NoError(t, err)
	require.Len(t, reply.Ranges, 1)
	require.Len(t, reply.Ranges[0].InlineOperations, 2)
}

func TestHandleMessageEqualRangeProducesNoReply(t *testing.T) {
	local := pendingpool.NewStore()
	putEntry(t, local, 1, []byte("a"))

	s := New(DefaultConfig(), nil)
	stored, ok := local.GetOperation(1)
	require.True(t, ok)
	summary := Range{
		FromOperationID: 1,
		ToOperationID:   1,
		OperationsCount: 1,
		OperationsHash:  xorHash([]pendingpool.StoredOperation{stored}),
	}
	envelope, err := Request{Ranges: []Range{summary}}.Marshal()
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	require.NoError(t, s.HandleMessage(ctx, local, types.NodeID{9}, envelope))
	require.Empty(t, ctx.Messages)
}

func TestHandleMessageInlineOperationsAreStoredAndEventFired(t *testing.T) {
	local := pendingpool.NewStore()

	op := types.Operation{Kind: types.KindEntry, GroupID: 5, OperationID: 5, Payload: []byte("x")}
	envelope, err := Request{Ranges: []Range{{
		FromOperationID:  5,
		ToOperationID:    5,
		InlineOperations: []types.Operation{op},
	}}}.Marshal()
	require.NoError(t, err)

	s := New(DefaultConfig(), nil)
	ctx := synccontext.New(synccontext.SyncState{})
	require.NoError(t, s.HandleMessage(ctx, local, types.NodeID{2}, envelope))

	_, ok := local.GetOperation(5)
	require.True(t, ok)
	require.Len(t, ctx.Events, 1)
	require.Equal(t, synccontext.EventPendingOperationNew, ctx.Events[0].Kind)
}

func TestHandleMessageRejectsOverlappingRanges(t *testing.T) {
	local := pendingpool.NewStore()
	s := New(DefaultConfig(), nil)

	envelope, err := Request{Ranges: []Range{
		{FromOperationID: 1, ToOperationID: 10},
		{FromOperationID: 5, ToOperationID: 20},
	}}.Marshal()
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	err = s.HandleMessage(ctx, local, types.NodeID{9}, envelope)
	require.ErrorIs(t, err, ErrInvalidSyncRequest)
	require.Empty(t, ctx.Messages)
	require.Equal(t, 1, s.trackerFor(types.NodeID{9}).FailureCount())
}

func TestHandleMessageRejectsInvertedRange(t *testing.T) {
	local := pendingpool.NewStore()
	s := New(DefaultConfig(), nil)

	envelope, err := Request{Ranges: []Range{{FromOperationID: 10, ToOperationID: 2}}}.Marshal()
	require.NoError(t, err)

	ctx := synccontext.New(synccontext.SyncState{})
	err = s.HandleMessage(ctx, local, types.NodeID{9}, envelope)
	require.ErrorIs(t, err, ErrInvalidSyncRequest)
}

func TestRequestMarshalRoundTrip(t *testing.T) {
	req := Request{Ranges: []Range{
		{FromOperationID: 1, ToOperationID: 10, OperationsCount: 3, OperationsHash: 7},
		{FromOperationID: 11, ToOperationID: 20, RequestOperationIDs: []types.OperationID{11, 12}},
	}}
	data, err := req.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRequest(data)
	require.NoError(t, err)
	require.Equal(t, req, got)
}
