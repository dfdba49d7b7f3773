package engine

import (
	"errors"

	"github.com/cellmesh/chain/chainsync"
	"github.com/cellmesh/chain/commitmanager"
	"github.com/cellmesh/chain/pendingsync"
	"github.com/cellmesh/chain/rawchain"
)

var (
	// ErrPoisoned is returned by any Handle method once the engine's loop
	// has stopped, whether from a fatal error or a clean shutdown.
	ErrPoisoned = errors.New("engine: poisoned, loop has stopped")

	// ErrMyNodeNotFound is returned on construction when the local signer's
	// node id isn't among the cell's configured data-role nodes.
	ErrMyNodeNotFound = errors.New("engine: local node not found among data-role nodes")

	// ErrNotFound is returned by a Handle lookup when no operation exists
	// with the requested id, in neither pending nor the chain.
	ErrNotFound = errors.New("engine: operation not found")
)

// FatalError wraps an underlying error that stopped the engine loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "engine: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err should stop the engine loop, deferring to
// each sub-component's own IsFatal predicate. Peer-level errors are named
// explicitly here: rawchain's predicate treats anything it doesn't
// recognize as fatal, so every non-fatal sentinel from the other packages
// must be filtered out before falling through to it.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoisoned) || errors.Is(err, ErrMyNodeNotFound) {
		return true
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return true
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, pendingsync.ErrInvalidSyncRequest),
		errors.Is(err, pendingsync.ErrDecodeFailed),
		errors.Is(err, chainsync.ErrInvalidSyncRequest),
		errors.Is(err, chainsync.ErrInvalidSyncResponse),
		errors.Is(err, chainsync.ErrDecodeFailed),
		errors.Is(err, commitmanager.ErrInvalidSignature),
		errors.Is(err, commitmanager.ErrMissingOperation),
		errors.Is(err, commitmanager.ErrInvalidProposal):
		return false
	}
	if chainsync.IsFatal(err) || commitmanager.IsFatal(err) {
		return true
	}
	return rawchain.IsFatal(err)
}
