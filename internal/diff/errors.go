package diff

import "errors"

var (
	// ErrElementTypeMismatch reports a field seen with two different element
	// types on the same node. It points at an upstream schema or storage fault.
	ErrElementTypeMismatch = errors.New("element type mismatch")

	// ErrMissingBranch is returned when a window has no branch.
	ErrMissingBranch = errors.New("window branch is required")
)
