package storage

import (
	"errors"
	"fmt"
)

// Operation names used in StoreError.Op.
const (
	OpPresign      = "presign"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpGet          = "get"
	OpEnsureBucket = "ensure-bucket"
)

// StoreError is returned by ObjectStore implementations when the provider
// rejects or fails a call. Code and Message carry the provider's own error
// code and message when it supplied them.
type StoreError struct {
	Op      string
	Key     string
	Code    string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage: %s %q: %s", e.Op, e.Key, e.Description())
	}
	return fmt.Sprintf("storage: %s: %s", e.Op, e.Description())
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Description returns the provider's message, falling back to the wrapped
// error text.
func (e *StoreError) Description() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	case e.Code != "":
		return e.Code
	}
	return "unknown error"
}

// AsStoreError reports whether err is or wraps a *StoreError, returning it.
func AsStoreError(err error) (*StoreError, bool) {
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr, true
	}
	return nil, false
}
