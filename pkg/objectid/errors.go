package objectid

import "errors"

// ObjectID-related errors.
var (
	// ErrInvalidLength is returned when a byte slice or hex string has the wrong length.
	ErrInvalidLength = errors.New("objectid: invalid length")

	// ErrInvalidHex is returned when a hex string contains non-hex characters.
	ErrInvalidHex = errors.New("objectid: invalid hex character")
)
