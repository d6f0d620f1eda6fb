package fetch

import (
	"errors"
	"fmt"
)

// RetriableError marks a failure worth retrying after the fixed delay.
type RetriableError struct {
	Class  Class
	Status int
	Err    error
}

func (e *RetriableError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("retriable %s (http %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("retriable %s: %v", e.Class, e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// FatalError marks a failure that retrying will not fix, such as missing
// permission on the property.
type FatalError struct {
	Class  Class
	Status int
	Err    error
}

func (e *FatalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fatal %s (http %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("fatal %s: %v", e.Class, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
