package cache

import (
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned by Get and Delete for an unknown cpv.
var ErrKeyNotFound = errors.New("key not found")

type InitializationError struct {
	ClassName string
	Err       error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("creation of instance %s failed due to %s", e.ClassName, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

type CacheCorruption struct {
	Key string
	Err error
}

func (e *CacheCorruption) Error() string {
	return fmt.Sprintf("%s is corrupt: %s", e.Key, e.Err)
}

func (e *CacheCorruption) Unwrap() error { return e.Err }

type ReadOnlyRestriction struct {
	Info string
}

func (e *ReadOnlyRestriction) Error() string {
	return "cache is non-modifiable" + e.Info
}
