// Package core holds the error taxonomy shared by the pipeline packages.
package core

import (
	"errors"
	"fmt"
)

// TransientError marks an error as retryable by the worker pool.
type TransientError struct {
	Err error
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// LimitedTransientError is retryable, but at most ExtraRetries times
// regardless of the pool's configured retry budget.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return fmt.Sprintf("transient error (max %d retries)", e.MaxExtraRetries())
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MaxExtraRetries returns the retry cap carried by the error.
func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil || e.ExtraRetries < 0 {
		return 0
	}
	return e.ExtraRetries
}

// IsTransient reports whether err, or anything it wraps, is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *LimitedTransientError
	return errors.As(err, &lte)
}
