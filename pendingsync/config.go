package pendingsync

import "github.com/cellmesh/chain/requesttracker"

// Config tunes the pending synchronizer's range-based anti-entropy.
type Config struct {
	// MaxOperationsPerRange bounds how many operations an outbound range
	// summary covers; larger pending stores are split into multiple
	// ranges.
	MaxOperationsPerRange uint32

	// OperationsDepthAfterCleanup is added to the height of commit-manager's
	// cleanup boundary when it computes the operation-id threshold it hands this
	// synchronizer via synccontext.SyncState, so outbound requests don't
	// ask for or offer operations that a peer may have already cleaned up
	// on its own side, even if this node hasn't reached quite that far yet.
	OperationsDepthAfterCleanup uint64

	// InlineOperationsMaxCount bounds how many operations a mismatched
	// range may carry inline before the reply switches to headers-only,
	// deferring the full bodies to an explicit follow-up request.
	InlineOperationsMaxCount uint32

	RequestTracker requesttracker.Config
}

// DefaultConfig returns the stock tuning: 30 operations per range, 2 blocks
// of cleanup safety margin.
func DefaultConfig() Config {
	return Config{
		MaxOperationsPerRange:       30,
		OperationsDepthAfterCleanup: 2,
		InlineOperationsMaxCount:    10,
		RequestTracker:              requesttracker.DefaultConfig(),
	}
}
