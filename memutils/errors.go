package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrOutOfMemory is returned when the heap segment refuses to grow, or when a requested
// size cannot be represented. Callers receive Null alongside it.
var ErrOutOfMemory error = errors.New("out of memory")

// ErrInvalidPointer is returned when a pointer does not belong to any live block
var ErrInvalidPointer error = errors.New("pointer does not refer to a live allocation")
