package models

import "errors"

// Expected outcomes are sentinel values so callers can branch with errors.Is
// instead of string matching. Anything not in this list is an internal
// failure.
var (
	// ErrQuotaExceeded means the owner is at their instance limit. Not
	// retryable until an instance is removed.
	ErrQuotaExceeded = errors.New("instance limit reached")

	// ErrReadinessTimeout means the bootstrap did not expose a session
	// within the deadline. The partial instance has been torn down; a fresh
	// provision may be attempted.
	ErrReadinessTimeout = errors.New("timed out waiting for session readiness")

	// ErrVariantNotFound means the requested variant tag is not in the
	// catalog.
	ErrVariantNotFound = errors.New("unknown variant")

	// ErrNotFound means no record matched the selector.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRecord means a record for the instance already exists.
	// Treated as an internal invariant failure.
	ErrDuplicateRecord = errors.New("duplicate instance record")

	// ErrRuntimeUnavailable means the container runtime control interface is
	// unreachable.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrRuntimeOperationFailed means a create/start/stop/remove call failed
	// or the instance did not reach the expected state.
	ErrRuntimeOperationFailed = errors.New("runtime operation failed")

	// ErrReconciliationRequired means a rollback itself failed and the
	// registry and runtime disagree; out-of-band repair is needed.
	ErrReconciliationRequired = errors.New("registry and runtime out of sync")
)
