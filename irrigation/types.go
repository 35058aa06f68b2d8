/*
Package irrigation provides the core valve-control engine.

PURPOSE:
  This package contains the domain types and algorithms for prepaid
  irrigation control: meter readings, irrigation plans, per-day
  consumption buckets, valve states, and the decision engine that turns
  all of them into a single open/closed verdict a field device polls.

KEY CONCEPTS IN THIS FILE (types.go):
  - MeterReading: An immutable flow-meter sample (flow, volume, cost)
  - Plan: A time-boxed irrigation contract with daily and total targets
  - PlanDay: The authoritative "consumed today" bucket per (plan, day)
  - ValveState: Persisted tri-state valve record with provenance
  - Decision: The engine's verdict plus the reason code behind it

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for liters and money - never float64
  2. Explicit state: Valve mode is a tagged enum {open, closed, automatic},
     never a nullable boolean
  3. Provenance: Every valve transition records who caused it and why

SEE ALSO:
  - engine.go: The decision algorithm
  - consumption.go: Reading-delta accumulation and rollover handling
  - plan.go: Plan pricing and lifecycle
  - store.go: Persistence interfaces
*/
package irrigation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID int64
type PlanID int64

// =============================================================================
// METER READING - Immutable flow-meter sample
// =============================================================================

// MeterReading is one sample from a user's flow meter. Volume and Cost are
// cumulative device counters; both may roll over when the device reboots.
// Readings are append-only and time-ordered per user.
type MeterReading struct {
	UserID    UserID
	Timestamp time.Time
	Flow      decimal.Decimal // liters per minute at sample time
	Volume    decimal.Decimal // cumulative liters since device start
	Cost      decimal.Decimal // cumulative cost since device start
}

// =============================================================================
// PLAN - Irrigation contract
// =============================================================================

type PlanStatus string

const (
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// Plan is one irrigation contract: deliver PerDayTarget liters per day for
// DurationDays days. StartVolume is the meter snapshot taken at creation and
// resynchronized once per day (and on meter rollover); PlanDay buckets are
// the authoritative daily figures, not volume differences against it.
type Plan struct {
	ID     PlanID
	UserID UserID

	// Rate lookup key.
	Crop   string
	Region string
	Stage  string

	AreaM2       decimal.Decimal
	PerDayTarget decimal.Decimal // liters per day (rate x area)
	TotalTarget  decimal.Decimal // PerDayTarget x DurationDays
	DurationDays int

	StartVolume   decimal.Decimal
	StartedAt     time.Time
	LastResetDate time.Time // calendar day of the current PlanDay bucket
	FlatFee       decimal.Decimal

	ConsumedTotal decimal.Decimal // lifetime liters across the whole plan

	Status      PlanStatus
	CompletedAt *time.Time
}

// DaysElapsed returns the number of whole calendar days between the plan's
// start date and now. Day boundaries are calendar dates, not rolling 24h
// windows from the start instant.
func (p *Plan) DaysElapsed(now time.Time) int {
	start := DayOf(p.StartedAt)
	today := DayOf(now)
	return int(today.Sub(start).Hours() / 24)
}

// DaysLeft returns the remaining plan days, floored at zero.
func (p *Plan) DaysLeft(now time.Time) int {
	left := p.DurationDays - p.DaysElapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// EndDate is the calendar day on which the plan's duration is exhausted.
func (p *Plan) EndDate() time.Time {
	return DayOf(p.StartedAt).AddDate(0, 0, p.DurationDays)
}

// PlanDay is the per-calendar-day consumption bucket for a plan. One row per
// (plan, day), upserted additively as meter deltas arrive.
type PlanDay struct {
	PlanID   PlanID
	Day      time.Time // midnight UTC
	Consumed decimal.Decimal
}

// DayOf truncates a timestamp to its calendar day (midnight UTC).
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CROP RATE - Pricing catalog entry
// =============================================================================

// CropRate is one row of the crop water-requirement catalog, keyed by
// (crop, region, growth stage).
type CropRate struct {
	Crop         string
	Region       string
	Stage        string
	LitersPerM2  decimal.Decimal // liters per m2 per day
	DurationDays int
}

// Quote is the result of pricing a plan without committing it.
type Quote struct {
	DailyVolume  decimal.Decimal
	TotalTarget  decimal.Decimal
	DurationDays int
	FlatFee      decimal.Decimal
}

// =============================================================================
// VALVE STATE - Tri-state record with provenance
// =============================================================================

// ValveMode is the desired actuator position. Automatic means "no explicit
// position recorded, let policy decide" and is the zero state for users that
// never had a valve transition.
type ValveMode string

const (
	ValveOpen      ValveMode = "open"
	ValveClosed    ValveMode = "closed"
	ValveAutomatic ValveMode = "automatic"
)

// ValveSource records who set the current valve state.
type ValveSource string

const (
	SourceManual  ValveSource = "manual"  // explicit user action
	SourcePlanner ValveSource = "planner" // plan policy (lock, daily limit)
	SourceSystem  ValveSource = "system"  // balance-driven / default policy
)

// Reason codes attached to every decision and persisted valve transition.
type Reason string

const (
	ReasonNoBalance      Reason = "no_balance"
	ReasonManualOverride Reason = "manual_override"
	ReasonManualClose    Reason = "manual_close"
	ReasonPlanLocked     Reason = "plan_locked"
	ReasonDailyLimit     Reason = "daily_limit"
	ReasonPlanOK         Reason = "plan_ok"
	ReasonBalanceOK      Reason = "balance_ok"
	ReasonCheckError     Reason = "plan_check_error"
	ReasonPlanCancelled  Reason = "plan_cancelled"
)

// ValveState is the single persisted source of truth for what the remote
// device should do. It is the output of the decision engine; only the manual
// source is a genuine input, set by explicit user action.
type ValveState struct {
	UserID    UserID
	Mode      ValveMode
	Source    ValveSource
	Reason    Reason
	ChangedAt time.Time
}

// AutomaticState is the state assumed for users with no persisted record.
func AutomaticState(userID UserID) ValveState {
	return ValveState{UserID: userID, Mode: ValveAutomatic, Source: SourceSystem}
}

// =============================================================================
// DECISION - Engine output
// =============================================================================

// Decision is one evaluation verdict. Plan is the active plan considered
// during evaluation, nil when the user has none.
type Decision struct {
	UserID         UserID
	Open           bool
	Reason         Reason
	ManualOverride bool
	Balance        decimal.Decimal
	Plan           *Plan
	ConsumedToday  decimal.Decimal
}

// =============================================================================
// BALANCE ENTRY - Audit trail for balance mutations
// =============================================================================

type BalanceEntryType string

const (
	EntryCredit          BalanceEntryType = "credit"
	EntryPlanFee         BalanceEntryType = "plan_fee"
	EntryConsumptionCost BalanceEntryType = "consumption_cost"
)

// BalanceEntry is one append-only audit row recording a balance mutation.
// The users table holds the committed balance; entries explain how it got
// there. Entry writes are auxiliary and never block the mutation itself.
type BalanceEntry struct {
	ID        string // uuid
	UserID    UserID
	Delta     decimal.Decimal // signed: credits positive, debits negative
	Type      BalanceEntryType
	Reference string // payment reference or plan id, for idempotency
	CreatedAt time.Time
}
