/*
errors.go - Centralized error types for the irrigation engine

PURPOSE:
  All domain error values in one place. Handlers map these to HTTP status
  codes; store implementations wrap low-level failures into them.

ERROR CATEGORIES:
  1. Lookup errors     - rate catalog / plan / user not found (404)
  2. Validation errors - bad plan parameters (400)
  3. Transaction errors - plan-start atomic sequence failures (500)
  4. Ledger errors     - reads the decision engine degrades on (never
                         surfaced to the device; see engine.go)

SEE ALSO:
  - engine.go: fail-safe handling of ledger read failures
  - api/handlers.go: HTTP status mapping
*/
package irrigation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRateNotFound is returned when no crop_rates row matches the
	// (crop, region, stage) triple.
	ErrRateNotFound = errors.New("crop rate not found")

	// ErrPlanNotFound is returned when a referenced plan doesn't exist.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidInput is returned for malformed plan parameters
	// (non-positive area, non-positive duration, missing fields).
	ErrInvalidInput = errors.New("invalid input")

	// ErrPlanActive is returned when starting a plan while another is
	// still active. Exactly one active plan per user.
	ErrPlanActive = errors.New("an active plan already exists")

	// ErrTransactionFailed is returned when the plan-start atomic sequence
	// cannot be committed. Nothing persists on rollback; safe to retry.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrDuplicateReference is returned when a balance credit reuses a
	// payment reference that was already applied.
	ErrDuplicateReference = errors.New("duplicate payment reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// RateNotFoundError identifies the lookup key that had no catalog entry.
type RateNotFoundError struct {
	Crop   string
	Region string
	Stage  string
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("no water requirement for crop %q, region %q, stage %q",
		e.Crop, e.Region, e.Stage)
}

func (e *RateNotFoundError) Unwrap() error { return ErrRateNotFound }

// InvalidPlanError explains which plan parameter failed validation.
type InvalidPlanError struct {
	Field  string
	Detail string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("invalid plan parameter %s: %s", e.Field, e.Detail)
}

func (e *InvalidPlanError) Unwrap() error { return ErrInvalidInput }

// ActivePlanError reports the plan blocking a new start.
type ActivePlanError struct {
	UserID UserID
	PlanID PlanID
}

func (e *ActivePlanError) Error() string {
	return fmt.Sprintf("user %d already has active plan %d", e.UserID, e.PlanID)
}

func (e *ActivePlanError) Unwrap() error { return ErrPlanActive }

// InsufficientBalanceError is informational: debits clamp at zero rather
// than fail, but callers sometimes want to know the shortfall.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("user %d balance %s short of %s",
		e.UserID, e.Available, e.Requested)
}
