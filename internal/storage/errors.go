package storage

import (
	"fmt"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
)

// ErrKeyNotFound is returned by Remove when the key has no live value
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// ErrorType classifies the error for transport layers
func (e *ErrKeyNotFound) ErrorType() kvErr.ErrorType {
	return kvErr.ErrorTypeNotFound
}

func errStoreClosed() error {
	return kvErr.New(kvErr.ErrorTypeInternal, "store is closed", nil)
}

func (s *Store) validate(key, value string) error {
	if len(key) > s.config.MaxKeySize {
		return kvErr.New(kvErr.ErrorTypeInvalidInput,
			fmt.Sprintf("key exceeds maximum size (%d bytes)", s.config.MaxKeySize), nil)
	}
	if len(value) > s.config.MaxValueSize {
		return kvErr.New(kvErr.ErrorTypeInvalidInput,
			fmt.Sprintf("value exceeds maximum size (%d bytes)", s.config.MaxValueSize), nil)
	}
	return nil
}
