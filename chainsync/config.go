package chainsync

import "github.com/cellmesh/chain/requesttracker"

// Config tunes the chain synchronizer's metadata sampling, divergence
// threshold and block-transfer batching.
type Config struct {
	// HeadersSyncBeginCount is how many samples are taken from genesis.
	HeadersSyncBeginCount int
	// HeadersSyncEndCount is how many samples are taken from the tip.
	HeadersSyncEndCount int
	// HeadersSyncSampledCount is how many samples are taken, evenly spaced,
	// between the begin and end windows.
	HeadersSyncSampledCount int

	// MaxLeaderCommonBlockHeightDelta is how far behind the leader's tip
	// the local common ancestor may be before a block-transfer phase is
	// triggered.
	MaxLeaderCommonBlockHeightDelta uint64

	// BlocksMaxSendSize bounds how many bytes of marshalled blocks a single
	// block-transfer response may carry.
	BlocksMaxSendSize int

	// MetaSyncMaxFailures is how many consecutive unanswered metadata
	// requests demote a peer from Synchronized back to Unknown.
	MetaSyncMaxFailures int

	RequestTracker requesttracker.Config
}

// DefaultConfig returns the stock tuning: 5+5 begin/end samples, 10 evenly
// spaced between, 50 KB block-transfer batches.
func DefaultConfig() Config {
	return Config{
		HeadersSyncBeginCount:           5,
		HeadersSyncEndCount:             5,
		HeadersSyncSampledCount:         10,
		MaxLeaderCommonBlockHeightDelta: 5,
		BlocksMaxSendSize:               50 * 1024,
		MetaSyncMaxFailures:             2,
		RequestTracker:                  requesttracker.DefaultConfig(),
	}
}
