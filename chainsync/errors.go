package chainsync

import "errors"

var (
	// ErrDiverged is returned when the first post-ancestor block received
	// from the leader fails validation while we also hold a successor
	// block of our own: both sides have committed incompatible history
	// past the last common block. Fatal — an operator must reconcile.
	ErrDiverged = errors.New("chainsync: chain diverged from peer")

	// ErrInvalidSyncRequest is returned for a malformed inbound request
	// (e.g. an empty sample set). Peer-level, not fatal.
	ErrInvalidSyncRequest = errors.New("chainsync: invalid sync request")

	// ErrInvalidSyncResponse is returned for a malformed or internally
	// inconsistent inbound response. Peer-level, not fatal.
	ErrInvalidSyncResponse = errors.New("chainsync: invalid sync response")

	// ErrDecodeFailed is returned when an envelope doesn't parse as a
	// chain-sync message. Peer-level, not fatal.
	ErrDecodeFailed = errors.New("chainsync: failed to decode message")
)

// IsFatal reports whether err should stop the engine. Only ErrDiverged is
// fatal; every other error in this package reflects a misbehaving or
// lagging peer, not local corruption.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDiverged)
}
