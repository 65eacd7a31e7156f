package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeNotFound indicates the requested key has no live value
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeInvalidInput indicates invalid input parameters
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
	// ErrorTypeStorage indicates a disk or filesystem failure
	ErrorTypeStorage ErrorType = "STORAGE"
	// ErrorTypeCorruption indicates log data that could not be decoded
	ErrorTypeCorruption ErrorType = "CORRUPTION"
	// ErrorTypeTimeout indicates an operation timed out
	ErrorTypeTimeout ErrorType = "TIMEOUT"
)

// KVError represents a custom error with additional context
type KVError struct {
	Type    ErrorType
	Message string
	Err     error
	Stack   string
}

// Error implements the error interface
func (e *KVError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error
func (e *KVError) Unwrap() error {
	return e.Err
}

// New creates a new KVError
func New(errType ErrorType, message string, err error) *KVError {
	_, file, line, _ := runtime.Caller(1)
	stack := fmt.Sprintf("%s:%d", file, line)

	return &KVError{
		Type:    errType,
		Message: message,
		Err:     err,
		Stack:   stack,
	}
}

// Storage wraps a filesystem failure. A nil err yields nil.
func Storage(message string, err error) error {
	if err == nil {
		return nil
	}
	kvErr := New(ErrorTypeStorage, message, err)
	_, file, line, _ := runtime.Caller(1)
	kvErr.Stack = fmt.Sprintf("%s:%d", file, line)
	return kvErr
}

// Typed is implemented by domain errors that declare their ErrorType
// without being a KVError.
type Typed interface {
	ErrorType() ErrorType
}

// TypeOf reports the ErrorType of the outermost typed error in err's chain,
// or the empty string if there is none.
func TypeOf(err error) ErrorType {
	for err != nil {
		switch e := err.(type) {
		case *KVError:
			return e.Type
		case Typed:
			return e.ErrorType()
		}
		err = stderrors.Unwrap(err)
	}
	return ""
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	return TypeOf(err) == ErrorTypeInvalidInput
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return TypeOf(err) == ErrorTypeInternal
}

// IsStorage checks if the error is a storage error
func IsStorage(err error) bool {
	return TypeOf(err) == ErrorTypeStorage
}

// IsCorruption checks if the error reports undecodable log data
func IsCorruption(err error) bool {
	return TypeOf(err) == ErrorTypeCorruption
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return TypeOf(err) == ErrorTypeTimeout
}

// RecoverError recovers from a panic and converts it to a KVError
func RecoverError(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("%s", v)
	default:
		err = fmt.Errorf("%v", v)
	}

	return New(ErrorTypeInternal, "recovered from panic", err)
}
