package types

import "errors"

var (
	// ErrInvalidKind is returned when an operation's kind is outside the
	// closed Kind enumeration.
	ErrInvalidKind = errors.New("types: invalid operation kind")

	// ErrTruncated is returned when a block or operation frame is shorter
	// than its declared header claims.
	ErrTruncated = errors.New("types: truncated frame")

	// ErrNotAnEntry is returned by Operation.EntryData when the operation
	// isn't a KindEntry operation.
	ErrNotAnEntry = errors.New("types: operation is not an entry")
)
