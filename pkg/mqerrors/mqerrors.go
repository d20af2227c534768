// Package mqerrors defines the error taxonomy of the multishard
// coordinator (see spec §7), built on github.com/cockroachdb/errors the
// same way the teacher's kvstreamer package builds its own assertion
// and sentinel errors.
package mqerrors

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors for the kinds listed in spec §7. Use errors.Is to
// test for them after wrapping with context via errors.Wrap /
// errors.Wrapf.
var (
	// ErrTimeout is returned when a deadline expires while waiting for
	// admission (Semaphore.MakePermit). Cache lookups and reader fills
	// do not check the deadline and never return it.
	ErrTimeout = errors.New("multishard: deadline exceeded")

	// ErrAdmissionDenied is returned when the reader concurrency
	// semaphore could not admit a new reader.
	ErrAdmissionDenied = errors.New("multishard: admission denied")

	// ErrResultTooLarge marks a short read caused by the result-size
	// cap; it is not surfaced as a hard failure, a page is still
	// returned successfully with ShortRead set.
	ErrResultTooLarge = errors.New("multishard: result size limit reached")

	// ErrSaveFailed marks a failure while saving reader state into the
	// querier cache; it is always swallowed by the coordinator.
	ErrSaveFailed = errors.New("multishard: failed to save reader state")

	// ErrInvalidState marks an illegal shard-reader state machine
	// transition. It fails the affected query only, never the process.
	ErrInvalidState = errors.New("multishard: invalid shard reader state transition")

	// ErrSchemaMismatch marks a saved querier whose schema version
	// differs from the requested one; callers treat it as a cache miss.
	ErrSchemaMismatch = errors.New("multishard: schema version mismatch")

	// ErrEvicted marks a saved reader that was reclaimed under memory
	// pressure; callers treat it as a cache miss.
	ErrEvicted = errors.New("multishard: reader was evicted")
)

// Timeout wraps ErrTimeout with additional context.
func Timeout(format string, args ...interface{}) error {
	return errors.Wrapf(ErrTimeout, format, args...)
}

// InvalidState wraps ErrInvalidState with additional context. Callers
// must log this and fail only the current query, mirroring the
// teacher's AssertionFailedf usage for internal-bug conditions that
// are not process-fatal.
func InvalidState(format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(ErrInvalidState, format, args...), ErrInvalidState)
}

// SaveFailed wraps ErrSaveFailed with additional context.
func SaveFailed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrSaveFailed, format, args...)
}

// AdmissionDenied wraps ErrAdmissionDenied with additional context.
func AdmissionDenied(format string, args ...interface{}) error {
	return errors.Wrapf(ErrAdmissionDenied, format, args...)
}

// SchemaMismatch wraps ErrSchemaMismatch with additional context.
func SchemaMismatch(format string, args ...interface{}) error {
	return errors.Wrapf(ErrSchemaMismatch, format, args...)
}

// Evicted wraps ErrEvicted with additional context.
func Evicted(format string, args ...interface{}) error {
	return errors.Wrapf(ErrEvicted, format, args...)
}
