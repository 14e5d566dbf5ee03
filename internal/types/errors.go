package types

import "fmt"

// The error taxonomy of spec 7: every job handler and background task
// classifies its failures into one of these six kinds so the scheduler (or
// the periodic maintenance runner) knows whether to retry, drop, or defer.
// Modeled as sentinel wrapper types rather than a plain error-code field so
// callers can use errors.Is/errors.As against a stable set of types while
// still carrying a human-readable cause.

// BadJobError marks a malformed input. Permanent: the job is dropped and
// logged, never retried.
type BadJobError struct {
	Reason string
	Cause  error
}

func (e *BadJobError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bad job: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("bad job: %s", e.Reason)
}

func (e *BadJobError) Unwrap() error { return e.Cause }

// NewBadJobError constructs a BadJobError.
func NewBadJobError(reason string, cause error) error {
	return &BadJobError{Reason: reason, Cause: cause}
}

// TransientError marks a network, timeout, or temporary storage failure.
// The scheduler retries with backoff.
type TransientError struct {
	Reason string
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transient: %s", e.Reason)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// NewTransientError constructs a TransientError.
func NewTransientError(reason string, cause error) error {
	return &TransientError{Reason: reason, Cause: cause}
}

// PermanentError marks an HTTP 429, unsupported content type, or
// download-limit overrun during doublefetch: abort this attempt, mark the
// URL as private, and never retry it.
type PermanentError struct {
	Reason string
	Cause  error
}

func (e *PermanentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("permanent: %s", e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// NewPermanentError constructs a PermanentError.
func NewPermanentError(reason string, cause error) error {
	return &PermanentError{Reason: reason, Cause: cause}
}

// OverflowError marks queue/buffer saturation. The caller is notified; the
// event that triggered it may be dropped.
type OverflowError struct {
	Reason string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("overflow: %s", e.Reason)
}

// NewOverflowError constructs an OverflowError.
func NewOverflowError(reason string) error {
	return &OverflowError{Reason: reason}
}

// CorruptionError marks a persisted-state schema mismatch or an impossible
// timestamp. The corrupted state is dropped and reinitialized from defaults
// or upstream.
type CorruptionError struct {
	Reason string
	Cause  error
}

func (e *CorruptionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corruption: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("corruption: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// NewCorruptionError constructs a CorruptionError.
func NewCorruptionError(reason string, cause error) error {
	return &CorruptionError{Reason: reason, Cause: cause}
}

// CooldownError marks an operation refused because a rate limit or TTL has
// not elapsed yet.
type CooldownError struct {
	Reason string
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown: %s", e.Reason)
}

// NewCooldownError constructs a CooldownError.
func NewCooldownError(reason string) error {
	return &CooldownError{Reason: reason}
}
