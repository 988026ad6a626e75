// Package apperror classifies failures so each boundary can decide whether
// to retry, drop, surface loudly, or degrade.
package apperror

import (
	"errors"
	"fmt"
)

// Code categorizes an error.
type Code string

const (
	// TransientExternal covers timeouts and rate limits; retry with backoff.
	TransientExternal Code = "TRANSIENT_EXTERNAL"

	// PermanentPrecondition covers unknown addresses and missing credentials;
	// drop and log, never retry.
	PermanentPrecondition Code = "PERMANENT_PRECONDITION"

	// DataIntegrity covers violated store invariants such as zero or several
	// active artifact versions. Never silently repaired.
	DataIntegrity Code = "DATA_INTEGRITY"

	// DegradedGeneration covers pipeline stage failures. Absorbed by the
	// pipeline fallback and never returned to its caller.
	DegradedGeneration Code = "DEGRADED_GENERATION"
)

// Error is a classified error.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, &apperror.Error{Code: apperror.DataIntegrity}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Err == nil
}

// New wraps err with a code and the operation that failed.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Transient wraps err as TransientExternal.
func Transient(op string, err error) *Error { return New(TransientExternal, op, err) }

// Permanent wraps err as PermanentPrecondition.
func Permanent(op string, err error) *Error { return New(PermanentPrecondition, op, err) }

// Integrity wraps err as DataIntegrity.
func Integrity(op string, err error) *Error { return New(DataIntegrity, op, err) }

// Degraded wraps err as DegradedGeneration.
func Degraded(op string, err error) *Error { return New(DegradedGeneration, op, err) }

// CodeOf returns the code of the outermost classified error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

func IsTransient(err error) bool     { return hasCode(err, TransientExternal) }
func IsPermanent(err error) bool     { return hasCode(err, PermanentPrecondition) }
func IsDataIntegrity(err error) bool { return hasCode(err, DataIntegrity) }

func hasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
