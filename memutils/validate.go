package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

const (
	// CreatedFillPattern is written across fresh data regions when built with debug_heapalloc
	CreatedFillPattern byte = 0xDC
	// DestroyedFillPattern is written across released data regions when built with debug_heapalloc
	DestroyedFillPattern byte = 0xEF
)
