package engine

import (
	"time"

	"github.com/cellmesh/chain/chainsync"
	"github.com/cellmesh/chain/commitmanager"
	"github.com/cellmesh/chain/pendingsync"
	"github.com/cellmesh/chain/rawchain"
)

// Config composes every sub-component's tunables rather than flattening
// everything into one struct.
type Config struct {
	// ManagerTimerInterval is the engine's tick period: how often commit
	// manager and both synchronizers get a chance to act.
	ManagerTimerInterval time.Duration

	// EventsStreamBufferSize bounds each handle's event channel; once full,
	// the oldest buffered event is dropped and replaced by a
	// StreamDiscontinuity marker.
	EventsStreamBufferSize int

	Chain         rawchain.Config
	PendingSync   pendingsync.Config
	ChainSync     chainsync.Config
	CommitManager commitmanager.Config
}

// DefaultConfig composes every sub-component's DefaultConfig.
func DefaultConfig() Config {
	return Config{
		ManagerTimerInterval:   time.Second,
		EventsStreamBufferSize: 1000,
		Chain:                  rawchain.DefaultConfig(),
		PendingSync:            pendingsync.DefaultConfig(),
		ChainSync:              chainsync.DefaultConfig(),
		CommitManager:          commitmanager.DefaultConfig(),
	}
}
