package synccontext

import (
	"testing"

	"github.com/cellmesh/chain/types"
	"github.com/stretchr/testify/require"
)

func TestContextCollectsMessagesAndEvents(t *testing.T) {
	ctx := New(SyncState{})

	node := types.NodeID{1}
	ctx.PushPendingSyncRequest(node, []byte("a"))
	ctx.PushChainSyncRequest(node, []byte("b"))
	ctx.PushChainSyncResponse(node, []byte("c"))
	ctx.PushEvent(Event{Kind: EventPendingOperationNew, OperationID: 42})

	require.Len(t, ctx.Messages, 3)
	require.Equal(t, MessagePendingSyncRequest, ctx.Messages[0].Kind)
	require.Equal(t, MessageChainSyncRequest, ctx.Messages[1].Kind)
	require.Equal(t, MessageChainSyncResponse, ctx.Messages[2].Kind)
	require.Len(t, ctx.Events, 1)
	require.Equal(t, types.OperationID(42), ctx.Events[0].OperationID)
}

func TestOutboundMessageToOutMessage(t *testing.T) {
	node := types.NodeID{9}
	cell := types.CellID{7}
	msg := OutboundMessage{ToNode: node, Kind: MessageChainSyncRequest, Envelope: []byte("hi")}

	out := msg.ToOutMessage(cell)
	require.Equal(t, []types.NodeID{node}, out.ToNodes)
	require.Equal(t, cell, out.CellID)
	require.Equal(t, []byte("hi"), out.Envelope)
}

func TestSyncStateCarriesForwardAcrossTicks(t *testing.T) {
	ref := &BlockRef{Offset: 100, Height: 3}
	ctx1 := New(SyncState{PendingLastCleanupBlock: ref})
	ctx2 := New(ctx1.SyncState)

	require.Same(t, ref, ctx2.SyncState.PendingLastCleanupBlock)
}
