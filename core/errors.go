package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a point lookup matches no cell.
var ErrNotFound = errors.New("key not found")

// AttributeError is a custom error type for attribute-to-tag conversion
// failures on the write path.
type AttributeError struct {
	Name    string // The attribute name that could not be converted
	Message string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("attribute error for %q: %s", e.Name, e.Message)
}

// IsAttributeError checks if an error is an AttributeError.
func IsAttributeError(err error) bool {
	var attrErr *AttributeError
	return errors.As(err, &attrErr)
}
