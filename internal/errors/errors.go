// Package errors consolidates the error taxonomy for the whole pipeline.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Convenience re-exports of errors.Is / errors.As
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ingest errors
	ErrValidation       = errors.New("validation failed")
	ErrMissingField     = errors.New("missing required field")
	ErrNegativeQuantity = errors.New("negative quantity")
	ErrVolumeRegression = errors.New("cumulative volume regression")
	ErrStaleTimestamp   = errors.New("timestamp before session start")
	ErrMalformedDepth   = errors.New("malformed depth levels")

	// Store errors
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrOutOfOrder         = errors.New("timestamp outside out-of-order tolerance")
	ErrPartitionSealed    = errors.New("partition is sealed")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidTransition  = errors.New("invalid partition state transition")

	// Read errors
	ErrGapDetected = errors.New("gap detected in metric intervals")
	ErrNotFound    = errors.New("not found")

	// Config errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Lifecycle errors
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrClosed         = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsValidation returns true if err is any input-validation error. Validation
// failures are counted and dropped, never stored.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrNegativeQuantity) ||
		errors.Is(err, ErrVolumeRegression) ||
		errors.Is(err, ErrStaleTimestamp) ||
		errors.Is(err, ErrMalformedDepth)
}

// IsDuplicate returns true if err is a duplicate-key error. Duplicates are
// idempotent and never escalated.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsOutOfOrder returns true if err is an out-of-order rejection. These are
// dropped and counted as a data-quality signal rather than retried.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrder) || errors.Is(err, ErrPartitionSealed)
}

// IsStorageUnavailable returns true if err means the affected write path must
// pause and retry with backoff.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with a message, preserving the original for Is/As.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with a formatted message.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
