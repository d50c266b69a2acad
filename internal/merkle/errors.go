package merkle

import "errors"

var (
	// ErrInvalidTreeSize is returned for tree sizes the operation cannot
	// accept, such as a negative root size or a split point of n <= 1.
	ErrInvalidTreeSize = errors.New("invalid tree size")

	// ErrIncompatibleSizes is returned when a consistency proof is requested
	// from a larger tree to a smaller one.
	ErrIncompatibleSizes = errors.New("incompatible tree sizes")

	// ErrInvalidEntryNumber is returned when an inclusion proof names an entry
	// outside 1..totalEntries.
	ErrInvalidEntryNumber = errors.New("invalid entry number")
)
