package store

import "errors"

// Error taxonomy shared across the core. Every boundary (hook, job handler)
// maps one of these to a single handling policy.
var (
	// ErrStoreUnavailable wraps any transaction failure. The hook drops the
	// event; workers release the lease and back off.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInputMalformed marks unparseable input. Non-retriable.
	ErrInputMalformed = errors.New("input malformed")

	// ErrBudget marks a budget reservation failure. Jobs carrying it are
	// rescheduled to the next period boundary.
	ErrBudget = errors.New("budget")

	// ErrPolicyViolation marks a privacy or consent policy failure.
	// Non-retriable; jobs dead-letter with a descriptive error.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrOracleTimeout marks an exhausted LLM call. Retriable with backoff.
	ErrOracleTimeout = errors.New("oracle timeout")

	// ErrOracleInvalid marks an unusable LLM response. Retriable with backoff.
	ErrOracleInvalid = errors.New("oracle invalid response")

	// ErrFatal marks schema or version mismatches. Workers refuse to start.
	ErrFatal = errors.New("fatal")

	// ErrNotFound is returned by fetch-by-id operations.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a job status change is outside
	// the allowed transition set.
	ErrInvalidTransition = errors.New("invalid status transition")
)
