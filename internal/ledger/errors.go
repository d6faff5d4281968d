package ledger

import "errors"

// Engine-wide error taxonomy. Every operation returns one of these (possibly
// wrapped) so callers can branch with errors.Is.
var (
	// ErrInvalidInput covers malformed or non-positive amounts, units and ids.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned for an illegal lifecycle move.
	// Idempotent repeats of an already-applied transition are not errors.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientBalance is returned when a transfer exceeds the
	// channel's local balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrScopeViolation is returned when a device is disabled or reports
	// usage for a meter outside its scopes.
	ErrScopeViolation = errors.New("scope violation")

	// ErrCapExceeded is returned when a charge would push a device past its
	// rolling monthly cap.
	ErrCapExceeded = errors.New("monthly cap exceeded")

	// ErrUnderfundedStream is returned when stream accrual exceeds the
	// channel's remaining local balance; the stream is auto-stopped.
	ErrUnderfundedStream = errors.New("stream underfunded")

	// ErrSettlementFailure wraps settlement collaborator errors. The channel
	// stays in Closing and settle may be retried.
	ErrSettlementFailure = errors.New("settlement failure")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)
