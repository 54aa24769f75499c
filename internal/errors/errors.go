package errors

import (
	"fmt"
	"runtime"
)

// Error types for different categories of failures
type ErrorType string

const (
	ErrorTypeCapacity      ErrorType = "capacity"
	ErrorTypeAllocation    ErrorType = "allocation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeState         ErrorType = "state"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsType reports whether err is a StructuredError of the given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		if se, ok := err.(*StructuredError); ok && se.Type == errType {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// NewCapacityError creates a capacity error
func NewCapacityError(operation, message string) *StructuredError {
	return New(ErrorTypeCapacity, operation, message)
}

// NewAllocationError creates an allocation error
func NewAllocationError(operation, message string) *StructuredError {
	return New(ErrorTypeAllocation, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// NewStateError creates a state error
func NewStateError(operation, message string) *StructuredError {
	return New(ErrorTypeState, operation, message)
}

// WrapCapacityError wraps an error as a capacity error
func WrapCapacityError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeCapacity, operation, message)
}

// WrapAllocationError wraps an error as an allocation error
func WrapAllocationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeAllocation, operation, message)
}

// WrapConfigurationError wraps an error as a configuration error
func WrapConfigurationError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConfiguration, operation, message)
}

// WrapStateError wraps an error as a state error
func WrapStateError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeState, operation, message)
}
