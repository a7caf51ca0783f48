// Package cfgerror contains the errors produced while validating configuration values.
package cfgerror

import (
	"cmp"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSet should be used when the value is not set, but it is required.
	ErrNotSet = errors.New("not set")
	// ErrBlankOrEmpty should be used when non-blank/non-empty string is expected.
	ErrBlankOrEmpty = errors.New("blank or empty")
	// ErrNotInRange should be used when the value is not in expected range of values.
	ErrNotInRange = errors.New("not in range")
	// ErrUnsupportedValue should be used when the value is not supported.
	ErrUnsupportedValue = errors.New("not supported")
)

// ValidationError represents an issue with provided configuration.
type ValidationError struct {
	// Key represents a path to the field.
	Key []string
	// Cause contains a reason why validation failed.
	Cause error
}

// Error to implement an error standard interface.
// The string representation can have 3 different formats:
// - when Key and Cause is set: "outer.inner: failure cause"
// - when only Key is set: "outer.inner"
// - when only Cause is set: "failure cause"
func (ve ValidationError) Error() string {
	if len(ve.Key) != 0 && ve.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(ve.Key, "."), ve.Cause)
	}
	if len(ve.Key) != 0 {
		return strings.Join(ve.Key, ".")
	}
	if ve.Cause != nil {
		return ve.Cause.Error()
	}
	return ""
}

// Unwrap returns the cause of the validation failure.
func (ve ValidationError) Unwrap() error {
	return ve.Cause
}

// NewValidationError creates a new ValidationError with provided parameters.
func NewValidationError(err error, keys ...string) ValidationError {
	return ValidationError{Cause: err, Key: keys}
}

// ValidationErrors is a list of ValidationError-s.
type ValidationErrors []ValidationError

// Append adds provided error into current list by enriching each ValidationError with the
// provided keys or if provided err is not an instance of the ValidationError it will be wrapped
// into it. In case the nil is provided nothing happens.
func (vs ValidationErrors) Append(err error, keys ...string) ValidationErrors {
	switch terr := err.(type) {
	case nil:
		return vs
	case ValidationErrors:
		for _, ve := range terr {
			vs = append(vs, ValidationError{Key: append(append([]string(nil), keys...), ve.Key...), Cause: ve.Cause})
		}
	case ValidationError:
		vs = append(vs, ValidationError{Key: append(append([]string(nil), keys...), terr.Key...), Cause: terr.Cause})
	default:
		vs = append(vs, ValidationError{Key: keys, Cause: err})
	}

	return vs
}

// AsError returns nil if there are no elements and itself if there is at least one.
func (vs ValidationErrors) AsError() error {
	if len(vs) != 0 {
		return vs
	}
	return nil
}

// Error transforms all validation errors into a single string joined by newline.
func (vs ValidationErrors) Error() string {
	var buf strings.Builder
	for i, ve := range vs {
		if i != 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(ve.Error())
	}
	return buf.String()
}

// New returns uninitialized ValidationErrors object.
func New() ValidationErrors {
	return nil
}

// NotEmpty checks if value is empty.
func NotEmpty(val string) error {
	if val == "" {
		return NewValidationError(ErrNotSet)
	}
	return nil
}

// NotBlank checks the value is not empty or blank.
func NotBlank(val string) error {
	if strings.TrimSpace(val) == "" {
		return NewValidationError(ErrBlankOrEmpty)
	}
	return nil
}

// Comparator wraps a value that can be compared with cmp.Compare.
type Comparator[T cmp.Ordered] struct {
	val T
}

// Comparable wraps value, so the method can be invoked on it.
func Comparable[T cmp.Ordered](val T) Comparator[T] {
	return Comparator[T]{val: val}
}

// GreaterThan returns an error if the value is not greater than cmp.
func (c Comparator[T]) GreaterThan(cmp T) error {
	if c.val <= cmp {
		return NewValidationError(fmt.Errorf("%w: %v is not greater than %v", ErrNotInRange, c.val, cmp))
	}
	return nil
}

// GreaterOrEqual returns an error if the value is less than cmp.
func (c Comparator[T]) GreaterOrEqual(cmp T) error {
	if c.val < cmp {
		return NewValidationError(fmt.Errorf("%w: %v is not greater than or equal to %v", ErrNotInRange, c.val, cmp))
	}
	return nil
}
