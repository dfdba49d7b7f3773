package commitmanager

import "errors"

var (
	// ErrInvalidSignature names the case of a BlockSign operation whose
	// signature doesn't validate against its claimed node. Non-fatal: the
	// offending signature is ignored. Manager does not return these three
	// sentinels; engine.IsFatal classifies them for callers that wrap them.
	ErrInvalidSignature = errors.New("commitmanager: invalid signature")

	// ErrMissingOperation names the case of a block referencing an operation
	// id that isn't present in pending. Non-fatal: the offending proposal
	// is ignored.
	ErrMissingOperation = errors.New("commitmanager: missing operation")

	// ErrInvalidProposal covers schema, signature, and continuity failures
	// that make a BlockPropose un-signable; these are the only reasons a
	// BlockRefuse may carry.
	ErrInvalidProposal = errors.New("commitmanager: invalid block proposal")
)

// IsFatal reports whether err should stop the engine. Nothing in this
// package is fatal on its own; only a downstream rawchain write failure
// (surfaced through rawchain's own IsFatal) stops the engine.
func IsFatal(err error) bool {
	return false
}
