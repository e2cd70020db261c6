package memutils

import "fmt"

// Pointer is the address of a data region within a heap segment. Addresses are byte
// offsets from the start of the segment.
type Pointer int

// Null is the zero pointer. No data region can start at address 0, because a block
// header always precedes it.
const Null Pointer = 0

func (p Pointer) String() string {
	if p == Null {
		return "null"
	}
	return fmt.Sprintf("%#x", int(p))
}
