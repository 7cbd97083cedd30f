package db

import "errors"

// Store error kinds. Callers wrap the driver error with one of these so
// upper layers can classify failures without knowing the backend.
var (
	ErrStoreWriteFailed = errors.New("store write failed")
	ErrStoreReadFailed  = errors.New("store read failed")
)
