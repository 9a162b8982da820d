package models

import "github.com/pkg/errors"

// Error kinds shared by the ledger, the state machine and the HTTP layer.
// Callers match them with errors.Is; everything else is an internal error.
var (
	// ErrNotFound is returned if a job, transaction or owner is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits is returned when an owner's balance cannot cover an operation.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidTransition is returned when a status change is not in JobTransitions.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidProgress is returned when a callback would move a progress counter backwards.
	ErrInvalidProgress = errors.New("invalid progress update")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicateName is returned when an owner already has a job with the same name.
	ErrDuplicateName = errors.New("job name already exists")
	// ErrDuplicateTransaction is returned by stores when a transaction id is reused.
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	// ErrTransientConflict is returned when a serialization conflict outlived its retries.
	ErrTransientConflict = errors.New("transient conflict, retry the request")
	// ErrStaleWrite is returned by stores when a compare-and-swap lost a race.
	ErrStaleWrite = errors.New("stale write")
	// ErrSchedulerUnavailable is returned when the compute scheduler cannot be reached or fails a request.
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")
	// ErrSchedulerRejected marks a definite refusal from the scheduler, as
	// opposed to a request whose outcome is unknown.
	ErrSchedulerRejected = errors.New("scheduler rejected request")
	// ErrPricingNotConfigured is returned when no rate exists for a job type and provider.
	ErrPricingNotConfigured = errors.New("pricing not configured")
)
