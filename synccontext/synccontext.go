// Package synccontext implements the per-tick scratch object shared by
// pending-sync, chain-sync and commit-manager: it collects the outbound
// messages and events a tick produces, and carries the small bit of state
// the three synchronizers need to agree on between ticks.
package synccontext

import (
	"github.com/cellmesh/chain/transport"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
)

// MessageKind identifies which typed message an OutboundMessage wraps.
type MessageKind int

const (
	MessagePendingSyncRequest MessageKind = iota + 1
	MessageChainSyncRequest
	MessageChainSyncResponse
)

// OutboundMessage is a message queued by a synchronizer during a tick,
// addressed to a single peer. Envelope is the already-framed wire payload
// (see package framing); the engine hands it to the transport unchanged.
type OutboundMessage struct {
	ToNode   types.NodeID
	Kind     MessageKind
	Envelope []byte
}

// ToOutMessage adapts an OutboundMessage to the transport boundary type.
func (m OutboundMessage) ToOutMessage(cellID types.CellID) transport.OutMessage {
	return transport.OutMessage{
		ToNodes:  []types.NodeID{m.ToNode},
		CellID:   cellID,
		Service:  transport.ServiceChain,
		Envelope: m.Envelope,
	}
}

// EventKind is the discriminant of Event.
type EventKind int

const (
	// EventChainBlockNew fires when a block is appended to the local
	// chain, whether proposed locally or received via chain-sync.
	EventChainBlockNew EventKind = iota + 1
	// EventChainDiverged fires when chain-sync detects the local chain
	// has diverged from a peer's beyond repair; always paired with a
	// fatal engine error.
	EventChainDiverged
	// EventPendingOperationNew fires when an operation is added to the
	// pending store by commit-manager or received via pending-sync.
	// Entries written through an engine Handle do not fire it.
	EventPendingOperationNew
	// EventStreamDiscontinuity fires on a handle's event stream when its
	// buffer overflowed and events were dropped.
	EventStreamDiscontinuity
)

// Event is broadcast to every engine handle's event stream at the end of
// the tick that produced it.
type Event struct {
	Kind EventKind

	BlockOffset uint64
	BlockHeight uint64
	BlockHash   common.Hash

	OperationID types.OperationID
}

// BlockRef is a lightweight (offset, height) pointer into the chain, used
// where a full block lookup isn't needed.
type BlockRef struct {
	Offset uint64
	Height uint64
}

// SyncState is shared, mutable state the three synchronizers use to
// coordinate across ticks, threaded through successive SyncContexts by the
// engine.
type SyncState struct {
	// PendingLastCleanupBlock is the last block whose operations were
	// removed from the pending store (now only retrievable from the
	// chain). Exposed mainly for observability; PendingSynchronizer uses
	// PendingCleanupOperationIDThreshold below to decide what to omit.
	PendingLastCleanupBlock *BlockRef

	// PendingCleanupOperationIDThreshold is one past the highest operation
	// id committed at or below the cleanup boundary extended by
	// pendingsync.Config.OperationsDepthAfterCleanup, computed by
	// commit-manager at cleanup time. PendingSynchronizer omits any range
	// entirely below it so already-GC'd operations aren't resurrected by a
	// peer that may have cleaned up slightly further than this node has.
	PendingCleanupOperationIDThreshold types.OperationID
}

// Context is the per-tick scratch object passed to pending-sync, chain-sync
// and commit-manager in turn. None of its fields are safe for concurrent
// use: the engine's cooperative loop guarantees a Context is only ever
// touched by the single goroutine running a tick.
type Context struct {
	Events    []Event
	Messages  []OutboundMessage
	SyncState SyncState
}

// New creates a Context carrying forward state from the previous tick.
func New(state SyncState) *Context {
	return &Context{SyncState: state}
}

func (c *Context) PushPendingSyncRequest(node types.NodeID, envelope []byte) {
	c.Messages = append(c.Messages, OutboundMessage{ToNode: node, Kind: MessagePendingSyncRequest, Envelope: envelope})
}

func (c *Context) PushChainSyncRequest(node types.NodeID, envelope []byte) {
	c.Messages = append(c.Messages, OutboundMessage{ToNode: node, Kind: MessageChainSyncRequest, Envelope: envelope})
}

func (c *Context) PushChainSyncResponse(node types.NodeID, envelope []byte) {
	c.Messages = append(c.Messages, OutboundMessage{ToNode: node, Kind: MessageChainSyncResponse, Envelope: envelope})
}

func (c *Context) PushEvent(event Event) {
	c.Events = append(c.Events, event)
}
