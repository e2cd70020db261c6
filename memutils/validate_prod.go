//go:build !debug_heapalloc

package memutils

// DebugEnabled reports whether the debug_heapalloc build tag is present
const DebugEnabled = false

// DebugFill overwrites data with pattern, so that reads of uninitialized or released
// memory are easy to spot. This method no-ops unless the debug_heapalloc build tag is present.
func DebugFill(data []byte, pattern byte) {
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_heapalloc build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_heapalloc build tag is present.
func DebugCheckPow2(value uint, name string) {
}
