package transfer

import (
	"errors"
	"fmt"
)

// ErrSizeMismatch is returned when the partial artifact's size does not match the object
var ErrSizeMismatch = errors.New("remote size mismatch")

// IOError wraps a source read or remote write failure during a slice. The
// partial artifact keeps every byte appended before the failure.
type IOError struct {
	Op     string
	Path   string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transfer %s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
