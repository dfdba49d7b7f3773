package engine

import (
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/types"
)

// engineCall is a closure submitted by a Handle and run to completion by
// the engine's own goroutine, the mechanism by which handles touch engine
// state without sharing a lock: the engine is single-threaded, so running
// call.fn there is as safe as calling a method directly would be on any
// other owner of that state.
type engineCall struct {
	fn   func(*Engine)
	done chan struct{}
}

// handleState is the engine-side bookkeeping for one live Handle: its
// event channel and a signal it closes once the holder is done with it.
// The engine owns the strong state; a Handle only ever holds channel
// endpoints, and this closed signal is how the engine notices a handle was
// dropped.
type handleState struct {
	events chan synccontext.Event
	closed chan struct{}
}

// Handle is the upper-layer's view of a running Engine: write operations,
// look them up, and stream events, all mediated by the engine's own
// goroutine.
type Handle struct {
	calls      chan<- engineCall
	engineDone <-chan struct{}
	state      *handleState
}

// Close releases the handle; its event channel stops being fed and the
// engine forgets it on its next tick.
func (h *Handle) Close() {
	select {
	case <-h.state.closed:
	default:
		close(h.state.closed)
	}
}

// Events returns the handle's event stream. A StreamDiscontinuity event
// means buffered events were dropped between reads; the caller should
// re-read whatever state it cares about rather than assume contiguity.
func (h *Handle) Events() <-chan synccontext.Event {
	return h.state.events
}

func (h *Handle) do(fn func(*Engine)) error {
	done := make(chan struct{})
	select {
	case h.calls <- engineCall{fn: fn, done: done}:
	case <-h.engineDone:
		return ErrPoisoned
	}
	select {
	case <-done:
		return nil
	case <-h.engineDone:
		return ErrPoisoned
	}
}

// WriteEntryOperation mints a fresh operation id, wraps payload in a
// signed Entry operation, adds it to the pending store, and returns its id
// without waiting for commitment.
func (h *Handle) WriteEntryOperation(payload []byte) (types.OperationID, error) {
	var id types.OperationID
	var callErr error
	if err := h.do(func(e *Engine) { id, callErr = e.writeEntry(payload) }); err != nil {
		return 0, err
	}
	return id, callErr
}

// GetChainOperation looks up a committed operation by the offset of its
// containing block and its own operation id.
func (h *Handle) GetChainOperation(offset uint64, operationID types.OperationID) (EngineOperation, error) {
	var out EngineOperation
	var callErr error
	if err := h.do(func(e *Engine) { out, callErr = e.getChainOperation(offset, operationID) }); err != nil {
		return EngineOperation{}, err
	}
	return out, callErr
}

// GetPendingOperation looks up an operation still sitting in pending.
func (h *Handle) GetPendingOperation(operationID types.OperationID) (EngineOperation, error) {
	var out EngineOperation
	var callErr error
	if err := h.do(func(e *Engine) { out, callErr = e.getPendingOperation(operationID) }); err != nil {
		return EngineOperation{}, err
	}
	return out, callErr
}

// GetOperation looks up an operation wherever it currently lives, pending
// or committed.
func (h *Handle) GetOperation(operationID types.OperationID) (EngineOperation, error) {
	var out EngineOperation
	var callErr error
	if err := h.do(func(e *Engine) { out, callErr = e.getOperation(operationID) }); err != nil {
		return EngineOperation{}, err
	}
	return out, callErr
}

// GetChainLastBlockInfo returns the chain's current tip, or nil if the
// chain is still empty.
func (h *Handle) GetChainLastBlockInfo() (*BlockInfo, error) {
	var out *BlockInfo
	var callErr error
	if err := h.do(func(e *Engine) { out, callErr = e.getChainLastBlockInfo() }); err != nil {
		return nil, err
	}
	return out, callErr
}
