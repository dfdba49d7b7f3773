package types

import (
	"sync"
	"time"
)

// OperationID is a consistent timestamp: a unix-nanos value whose low digits
// carry a per-node clock id and a per-node counter, giving a cluster-wide
// total order that is approximately time-ordered and never collides between
// nodes.
//
// Layout (decimal, matching the nanosecond resolution of a timestamp):
//
//	<millis since epoch><node clock id, 3 digits><counter, 3 digits>
type OperationID uint64

// GroupID is an alias of OperationID: it identifies the operation that
// created a group (e.g. a block proposal whose signatures share its id).
type GroupID = OperationID

// MaxOperationID is the upper bound of the id space, used as the open upper
// bound of the last range in a pending-sync summary.
const MaxOperationID OperationID = ^OperationID(0)

// Time returns the wall-clock time encoded in the id's millisecond component.
func (id OperationID) Time() time.Time {
	millis := int64(id) / 1_000_000
	return time.UnixMilli(millis)
}

const (
	clockIDModulus = 1_000
	counterModulus = 1_000
)

// NodeClockID is a small per-node value mixed into every OperationID minted
// by that node, so ids minted by different nodes within the same
// millisecond don't collide. It must be stable across restarts, which is
// why it's derived deterministically from the node's identity rather than
// picked at random on each boot (see DeriveNodeClockID).
type NodeClockID uint16

// DeriveNodeClockID deterministically derives a NodeClockID from a node's
// public key bytes, so that restarting a node reproduces the same clock id
// and can't collide with itself across restarts.
func DeriveNodeClockID(nodePublicKey []byte) NodeClockID {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for _, b := range nodePublicKey {
		h ^= uint64(b)
		h *= 1099511628211 // FNV-1a prime
	}
	return NodeClockID(h % clockIDModulus)
}

// Minter mints monotonically increasing, node-unique OperationIDs.
//
// Within a single millisecond, up to counterModulus ids can be minted before
// the minter synthetically advances to the next millisecond tick, the same
// technique used by Snowflake-style id generators to guarantee the
// uniqueness invariant holds even under a burst of calls.
type Minter struct {
	mu sync.Mutex

	clockID NodeClockID
	nowFn   func() time.Time

	lastMillis int64
	counter    uint64
}

// NewMinter creates a Minter using the given persisted clock id. nowFn
// defaults to time.Now when nil; tests can override it for determinism.
func NewMinter(clockID NodeClockID, nowFn func() time.Time) *Minter {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Minter{clockID: clockID, nowFn: nowFn}
}

// Mint returns a fresh, strictly increasing OperationID for this node.
func (m *Minter) Mint() OperationID {
	m.mu.Lock()
	defer m.mu.Unlock()

	millis := m.nowFn().UnixMilli()
	switch {
	case millis > m.lastMillis:
		m.lastMillis = millis
		m.counter = 0
	case m.counter+1 >= counterModulus:
		// Exhausted this millisecond's counter space; borrow from the
		// future rather than risk a collision.
		m.lastMillis++
		m.counter = 0
	default:
		m.counter++
	}

	return newOperationID(m.lastMillis, m.clockID, m.counter)
}

func newOperationID(millis int64, clockID NodeClockID, counter uint64) OperationID {
	ts := uint64(millis)*1_000_000 +
		uint64(clockID)%clockIDModulus*counterModulus +
		counter%counterModulus
	return OperationID(ts)
}
