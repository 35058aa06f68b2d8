/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the domain model
  from the wire contract. Decimal fields marshal as quoted strings
  ("150.00"), which is what the dashboard's parseFloat handling and the
  device firmware both expect.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Struct tags consumed by go-playground/validator in handlers.go.
  Decimal positivity is validated by the domain (InvalidPlanError), not
  by tags.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hydronet/valve-engine/irrigation"
)

// =============================================================================
// PLAN REQUESTS
// =============================================================================

// CalculatePlanRequest prices a plan without committing it.
type CalculatePlanRequest struct {
	Crop   string          `json:"crop" validate:"required"`
	Region string          `json:"region" validate:"required"`
	Stage  string          `json:"stage" validate:"required"`
	Area   decimal.Decimal `json:"area"`
}

// StartPlanRequest commits a plan for a user.
type StartPlanRequest struct {
	UserID int64           `json:"userId" validate:"required,gt=0"`
	Crop   string          `json:"crop" validate:"required"`
	Region string          `json:"region" validate:"required"`
	Stage  string          `json:"stage" validate:"required"`
	Area   decimal.Decimal `json:"area"`
}

// CancelPlanRequest hard-deletes a plan.
type CancelPlanRequest struct {
	PlanID int64 `json:"planId" validate:"required,gt=0"`
}

// =============================================================================
// PLAN RESPONSES
// =============================================================================

// QuoteDTO is the planner quote shape.
type QuoteDTO struct {
	DailyVolume  decimal.Decimal `json:"dailyVolume"`
	TotalTarget  decimal.Decimal `json:"totalTarget"`
	DurationDays int             `json:"durationDays"`
	FlatFee      decimal.Decimal `json:"flatFee"`
}

// StartPlanResponse is the quote plus the committed plan id and the
// post-fee balance.
type StartPlanResponse struct {
	PlanID       int64           `json:"planId"`
	DailyVolume  decimal.Decimal `json:"dailyVolume"`
	TotalTarget  decimal.Decimal `json:"totalTarget"`
	DurationDays int             `json:"durationDays"`
	FlatFee      decimal.Decimal `json:"flatFee"`
	NewBalance   decimal.Decimal `json:"newBalance"`
}

// CancelPlanResponse acknowledges a cancellation.
type CancelPlanResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PlanDTO is the dashboard/device view of a plan, including the derived
// progress fields the polling UI renders.
type PlanDTO struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"userId"`
	Crop           string          `json:"crop"`
	Region         string          `json:"region"`
	Stage          string          `json:"stage"`
	PerDayTarget   decimal.Decimal `json:"perDayTarget"`
	TotalTarget    decimal.Decimal `json:"totalTarget"`
	DurationDays   int             `json:"durationDays"`
	DaysElapsed    int             `json:"daysElapsed"`
	DaysLeft       int             `json:"daysLeft"`
	ConsumedToday  decimal.Decimal `json:"consumedToday"`
	RemainingToday decimal.Decimal `json:"remainingToday"`
	ConsumedTotal  decimal.Decimal `json:"consumedTotal"`
	EndDate        string          `json:"endDate"`
	Status         string          `json:"status"`
	StartedAt      string          `json:"startedAt"`
}

// ActivePlanResponse wraps the active-plan probe.
type ActivePlanResponse struct {
	Active bool     `json:"active"`
	Plan   *PlanDTO `json:"plan"`
}

// LatestPlanResponse wraps the latest-plan probe (any status).
type LatestPlanResponse struct {
	Plan *PlanDTO `json:"plan"`
}

func planDTO(p *irrigation.Plan, consumedToday decimal.Decimal, now time.Time) *PlanDTO {
	if p == nil {
		return nil
	}
	remaining := p.PerDayTarget.Sub(consumedToday)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &PlanDTO{
		ID:             int64(p.ID),
		UserID:         int64(p.UserID),
		Crop:           p.Crop,
		Region:         p.Region,
		Stage:          p.Stage,
		PerDayTarget:   p.PerDayTarget,
		TotalTarget:    p.TotalTarget,
		DurationDays:   p.DurationDays,
		DaysElapsed:    p.DaysElapsed(now),
		DaysLeft:       p.DaysLeft(now),
		ConsumedToday:  consumedToday,
		RemainingToday: remaining,
		ConsumedTotal:  p.ConsumedTotal,
		EndDate:        p.EndDate().Format("2006-01-02"),
		Status:         string(p.Status),
		StartedAt:      p.StartedAt.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// DEVICE / VALVE
// =============================================================================

// DeviceStateDTO is the per-user poll response the irrigation controller
// and the dashboard both consume.
type DeviceStateDTO struct {
	Plan             *PlanDTO        `json:"plan"`
	ValveOpen        bool            `json:"valveOpen"`
	ValveReason      string          `json:"valveReason"`
	ManualOverride   bool            `json:"manualOverride"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// ManualValveRequest identifies the user whose valve to force.
type ManualValveRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

// =============================================================================
// METER INGEST
// =============================================================================

// SensorPayload is one user's sample inside a /receive_data batch.
type SensorPayload struct {
	Flow   decimal.Decimal `json:"flow"`
	Volume decimal.Decimal `json:"volume"`
	Cost   decimal.Decimal `json:"cost"`
}

// ReadingDTO is one stored sample, newest first in history responses.
type ReadingDTO struct {
	Timestamp string          `json:"timestamp"`
	Flow      decimal.Decimal `json:"flow"`
	Volume    decimal.Decimal `json:"volume"`
	Cost      decimal.Decimal `json:"cost"`
}

// =============================================================================
// BALANCE / PAYMENTS
// =============================================================================

// CreditRequest applies a confirmed payment to a balance. Reference is
// the payment processor's transaction reference and makes the credit
// idempotent under callback replays.
type CreditRequest struct {
	UserID    int64           `json:"userId" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"required"`
}

// CreditResponse returns the post-credit balance.
type CreditResponse struct {
	UserID     int64           `json:"userId"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// BalanceDTO is the dashboard balance probe.
type BalanceDTO struct {
	UserID           int64           `json:"userId"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
