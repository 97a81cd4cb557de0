// Package errors provides the categorized error type used across the
// controller for device, scheduling and model failures.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Category classifies a controller error.
type Category string

const (
	// CategoryProtocol covers malformed, missing or unexpected frames.
	CategoryProtocol Category = "protocol"
	// CategoryTimeout covers device round trips that exceeded their deadline.
	CategoryTimeout Category = "timeout"
	// CategoryConfiguration covers missing calibration entries, expected-field
	// lists, unknown fields and zero total areas.
	CategoryConfiguration Category = "configuration"
	// CategoryDeviceState covers commands sent to the wrong device kind or to
	// a device that is not registered.
	CategoryDeviceState Category = "device_state"
	// CategoryValidation covers sentinel values in readings and invalid input.
	CategoryValidation Category = "validation"
	// CategoryInternal is reported for errors that carry no category.
	CategoryInternal Category = "internal"
)

// Error is a categorized error with optional device context.
type Error struct {
	Category Category
	Op       string
	DeviceID int
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Category)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.DeviceID != 0 {
		msg += fmt.Sprintf(" device %d", e.DeviceID)
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDevice sets the device the error refers to.
func (e *Error) WithDevice(id int) *Error {
	e.DeviceID = id
	return e
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates an error of the given category.
func New(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given category around cause.
func Wrap(cause error, category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Protocol(format string, args ...any) *Error {
	return New(CategoryProtocol, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(CategoryTimeout, format, args...)
}

func Configuration(format string, args ...any) *Error {
	return New(CategoryConfiguration, format, args...)
}

func DeviceState(format string, args ...any) *Error {
	return New(CategoryDeviceState, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(CategoryValidation, format, args...)
}

// IsCategory reports whether err, or any error it wraps, is an *Error of the
// given category.
func IsCategory(err error, category Category) bool {
	var ce *Error
	for err != nil {
		if !stderrors.As(err, &ce) {
			return false
		}
		if ce.Category == category {
			return true
		}
		err = ce.Cause
	}
	return false
}

// GetCategory returns the category of the outermost *Error in err's chain, or
// CategoryInternal.
func GetCategory(err error) Category {
	var ce *Error
	if stderrors.As(err, &ce) {
		return ce.Category
	}
	return CategoryInternal
}
