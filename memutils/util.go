package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// MaxAlignment is the largest natural alignment of any scalar type on the supported
// platforms. Every block header and every data region starts on this boundary.
const MaxAlignment uint = 16

func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// IsAligned returns true if value sits on an alignment boundary
func IsAligned(value int, alignment uint) bool {
	return value&int(alignment-1) == 0
}
