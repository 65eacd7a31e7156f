package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVErrorMessage(t *testing.T) {
	err := New(ErrorTypeStorage, "append command", io.ErrShortWrite)
	assert.Equal(t, "STORAGE: append command (short write)", err.Error())
	assert.True(t, stderrors.Is(err, io.ErrShortWrite))
	assert.Contains(t, err.Stack, "errors_test.go")

	bare := New(ErrorTypeInvalidInput, "key cannot be empty", nil)
	assert.Equal(t, "INVALID_INPUT: key cannot be empty", bare.Error())
}

func TestTypeHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", New(ErrorTypeNotFound, "k", nil), IsNotFound},
		{"invalid input", New(ErrorTypeInvalidInput, "k", nil), IsInvalidInput},
		{"internal", New(ErrorTypeInternal, "k", nil), IsInternal},
		{"storage", New(ErrorTypeStorage, "k", nil), IsStorage},
		{"corruption", New(ErrorTypeCorruption, "k", nil), IsCorruption},
		{"timeout", New(ErrorTypeTimeout, "k", nil), IsTimeout},
		{"wrapped", fmt.Errorf("open: %w", New(ErrorTypeStorage, "k", nil)), IsStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}

	assert.False(t, IsNotFound(io.EOF))
	assert.Equal(t, ErrorType(""), TypeOf(nil))
	assert.True(t, IsNotFound(fmt.Errorf("remove: %w", missingKey("k"))))
}

type missingKey string

func (m missingKey) Error() string        { return "missing " + string(m) }
func (m missingKey) ErrorType() ErrorType { return ErrorTypeNotFound }

func TestStorageNil(t *testing.T) {
	assert.NoError(t, Storage("sync", nil))

	err := Storage("sync", io.ErrClosedPipe)
	assert.True(t, IsStorage(err))
	var kvErr *KVError
	assert.True(t, stderrors.As(err, &kvErr))
	assert.Contains(t, kvErr.Stack, "errors_test.go")
}

func TestRecoverError(t *testing.T) {
	assert.NoError(t, RecoverError(nil))
	assert.True(t, IsInternal(RecoverError("boom")))
	assert.True(t, IsInternal(RecoverError(io.EOF)))
	assert.Contains(t, RecoverError(42).Error(), "42")
}
