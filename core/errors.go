package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrStorageWrite       = errors.New("storage write failed")
	ErrNotFound           = errors.New("document not found")
	ErrInvalidKey         = errors.New("invalid document key")
)

// MaxKeyLength bounds document keys so every backend can index them.
const MaxKeyLength = 255

// ValidateKey rejects keys no backend can store.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	return nil
}

// Unavailable wraps err as ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// WriteFailed wraps err as ErrStorageWrite.
func WriteFailed(key string, err error) error {
	return fmt.Errorf("%w: document %s: %v", ErrStorageWrite, key, err)
}

// NotFound reports a missing document for key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, key)
}
