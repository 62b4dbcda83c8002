package shadow

import (
	"errors"
	"fmt"
)

// ErrShadowNotFound is returned when no shadow exists for the requested device.
var ErrShadowNotFound = errors.New("shadow not found")

// ErrShadowExists is returned by Create when a shadow already exists for the device.
var ErrShadowExists = errors.New("shadow already exists")

// ValidationError marks a malformed or incomplete inbound message. It is
// logged and dropped, never surfaced to a client.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NewValidationError returns a validation error with the given reason.
func NewValidationError(format string, a ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, a...)}
}

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// VersionConflictError is returned by conditional updates when the expected
// version does not match the current version of the shadow.
type VersionConflictError struct {
	DeviceID string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for device %s: expected %d, have %d",
		e.DeviceID, e.Expected, e.Actual)
}
