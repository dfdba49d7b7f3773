package pendingsync

import "errors"

// ErrInvalidSyncRequest is returned when an inbound request's ranges are
// unsorted or overlap. It's peer-level, not fatal: the caller should drop
// the message and count it toward the sender's request-tracker failures.
var ErrInvalidSyncRequest = errors.New("pendingsync: invalid sync request")

// ErrDecodeFailed is returned when an inbound envelope doesn't parse as a
// Request. Peer-level: the message is dropped and logged, never fatal.
var ErrDecodeFailed = errors.New("pendingsync: failed to decode request")

// IsFatal reports whether err should stop the engine. No error from this
// package is fatal: a misbehaving peer degrades sync, it never corrupts
// local state.
func IsFatal(err error) bool {
	return false
}
