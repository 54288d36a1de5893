package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Caller errors (non-retryable)
	ErrNotFound            = errors.New("not found")
	ErrAlreadyCompleted    = errors.New("task already completed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrModuleOwned         = errors.New("module already owned")
	ErrAccountExists       = errors.New("account already exists")

	// Upstream errors (retryable)
	ErrExternalFailure = errors.New("external confirmation failed")
	ErrSyncUnavailable = errors.New("remote store unavailable")
	ErrTaskLeased      = errors.New("task is leased by another settlement attempt")
)

// Retryable reports whether a fresh attempt may succeed where err failed.
func Retryable(err error) bool {
	return errors.Is(err, ErrExternalFailure) ||
		errors.Is(err, ErrSyncUnavailable) ||
		errors.Is(err, ErrTaskLeased)
}
