package commitmanager

import "time"

// Config tunes block proposal cadence, signature collection, and pending
// cleanup.
type Config struct {
	// CommitMaximumPendingStoreCount: once this many uncommitted entry
	// operations sit in pending, a new block should be proposed regardless
	// of how recently the last one landed.
	CommitMaximumPendingStoreCount uint32

	// CommitMaximumInterval: once the last block is at least this old, a
	// new block should be proposed as long as there's at least one
	// uncommitted entry, even if the count threshold isn't met.
	CommitMaximumInterval time.Duration

	// BlockProposalTimeout bounds how long a BlockPropose operation is
	// still eligible for signature collection before it's abandoned.
	BlockProposalTimeout time.Duration

	// OperationsCleanupAfterBlockDepth: a committed operation is removed
	// from pending once its containing block is at least this many blocks
	// behind the chain tip.
	OperationsCleanupAfterBlockDepth uint64

	// SafetyMargin excludes entries minted too recently from a proposal,
	// so a late-arriving operation from another node isn't raced past by
	// this node's own proposal.
	SafetyMargin time.Duration

	// PendingSyncCleanupDepth mirrors pendingsync.Config.
	// OperationsDepthAfterCleanup: how many extra blocks past the actual
	// cleanup boundary (OperationsCleanupAfterBlockDepth) the pending-sync
	// omission threshold is pushed forward by, so outbound requests don't
	// ask for or offer operations a peer may already have cleaned up on its
	// own side. The engine wires this in from the pending-sync config at
	// construction time; it's kept here too so DefaultConfig alone is still
	// usable in tests that build a Manager directly.
	PendingSyncCleanupDepth uint64
}

// DefaultConfig returns the stock tuning: propose at 10 pending entries or
// 3s of staleness, 7s proposal timeout, cleanup 6 blocks behind the tip.
func DefaultConfig() Config {
	return Config{
		CommitMaximumPendingStoreCount:   10,
		CommitMaximumInterval:            3 * time.Second,
		BlockProposalTimeout:             7 * time.Second,
		OperationsCleanupAfterBlockDepth: 6,
		SafetyMargin:                     time.Second,
		PendingSyncCleanupDepth:          2,
	}
}
