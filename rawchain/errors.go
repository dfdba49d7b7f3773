package rawchain

import (
	"errors"
	"fmt"
)

// InvalidNextBlockError is returned by WriteBlock when the block's offset
// doesn't match the store's current next offset. Non-fatal: a peer handed
// us the wrong thing.
type InvalidNextBlockError struct {
	Offset         uint64
	ExpectedOffset uint64
}

func (e *InvalidNextBlockError) Error() string {
	return fmt.Sprintf("rawchain: invalid next block: got offset %d, expected %d", e.Offset, e.ExpectedOffset)
}

var (
	// ErrOutOfBound is returned when an offset or operation id lookup falls
	// outside the stored range. Non-fatal.
	ErrOutOfBound = errors.New("rawchain: offset out of bound")

	// ErrIntegrity is returned when a segment fails its on-open integrity
	// scan (checksum mismatch or broken previous-hash chain). Fatal.
	ErrIntegrity = errors.New("rawchain: integrity check failed")

	// ErrUnexpectedState is returned when the store's on-disk layout is
	// internally inconsistent in a way integrity scanning didn't catch
	// (e.g. overlapping segments). Fatal.
	ErrUnexpectedState = errors.New("rawchain: unexpected on-disk state")
)

// IsFatal reports whether err should stop the engine rather than simply be
// rejected and logged. UnexpectedState, Integrity, and any I/O error are
// fatal; InvalidNextBlock and OutOfBound are not.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var invalidNext *InvalidNextBlockError
	if errors.As(err, &invalidNext) {
		return false
	}
	if errors.Is(err, ErrOutOfBound) {
		return false
	}
	return true
}
