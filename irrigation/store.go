/*
store.go - Persistence interfaces for the irrigation ledgers

PURPOSE:
  Narrow interfaces the domain logic depends on. The sqlite package
  implements all of them on one Store; tests can substitute any subset.

OWNERSHIP:
  - MeterStore:   append-only, no update or delete, ever
  - PlanStore:    plans and their PlanDay buckets; the atomic StartPlan
                  sequence lives here because it spans balance + meter +
                  plan tables in one SQL transaction
  - ValveStore:   written only by the decision engine and the manual
                  endpoints
  - BalanceStore: balance mutated only through Credit/Debit, never
                  read-modify-write outside the store

SEE ALSO:
  - store/sqlite/sqlite.go: the implementation
*/
package irrigation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MeterStore is the append-only reading ledger.
type MeterStore interface {
	// AppendReading stores one sample. Readings are immutable.
	AppendReading(ctx context.Context, r MeterReading) error

	// LatestReading returns the newest reading by timestamp for a user,
	// or nil when the user has none.
	LatestReading(ctx context.Context, userID UserID) (*MeterReading, error)

	// RecentReadings returns up to limit readings, newest first.
	RecentReadings(ctx context.Context, userID UserID, limit int) ([]MeterReading, error)
}

// StartPlanParams carries everything the atomic plan-start needs. The
// pricing fields are precomputed by PlanService.Calculate so the store
// only persists, never prices.
type StartPlanParams struct {
	UserID       UserID
	Crop         string
	Region       string
	Stage        string
	AreaM2       decimal.Decimal
	PerDayTarget decimal.Decimal
	TotalTarget  decimal.Decimal
	DurationDays int
	FlatFee      decimal.Decimal
	Now          time.Time
}

// PlanStore persists plans and their daily buckets.
type PlanStore interface {
	// ActivePlan returns the user's most recent active plan, nil if none.
	ActivePlan(ctx context.Context, userID UserID) (*Plan, error)

	// LatestPlan returns the most recent plan regardless of status,
	// nil if the user never had one.
	LatestPlan(ctx context.Context, userID UserID) (*Plan, error)

	// PlanByID returns ErrPlanNotFound when the id does not exist.
	PlanByID(ctx context.Context, id PlanID) (*Plan, error)

	// StartPlan runs the atomic creation sequence in one transaction:
	// debit the flat fee (clamped at zero), snapshot the latest meter
	// volume as start volume, insert the active plan row, seed a zero
	// PlanDay for today. Returns the plan and the post-debit balance.
	StartPlan(ctx context.Context, p StartPlanParams) (*Plan, decimal.Decimal, error)

	// CompletePlan transitions active -> completed, guarded by
	// status='active' so re-running it is a no-op. Reports whether this
	// call performed the transition.
	CompletePlan(ctx context.Context, id PlanID, at time.Time) (bool, error)

	// DeletePlan hard-deletes the plan and its PlanDay rows.
	DeletePlan(ctx context.Context, id PlanID) error

	// AddConsumption upsert-adds liters into the (plan, day) bucket and
	// into the plan's lifetime consumed total.
	AddConsumption(ctx context.Context, id PlanID, day time.Time, liters decimal.Decimal) error

	// ConsumedOn returns the bucket value for (plan, day), zero when no
	// bucket exists yet.
	ConsumedOn(ctx context.Context, id PlanID, day time.Time) (decimal.Decimal, error)

	// RollPlanDay moves the plan's daily bookkeeping to day: updates
	// last_reset_date, resynchronizes start_volume, and seeds a zero
	// bucket for the new day.
	RollPlanDay(ctx context.Context, id PlanID, day time.Time, startVolume decimal.Decimal) error

	// ResyncStartVolume rebases the plan's start-volume reference after a
	// meter rollover.
	ResyncStartVolume(ctx context.Context, id PlanID, volume decimal.Decimal) error
}

// ValveStore persists the per-user valve record.
type ValveStore interface {
	// ValveState returns the persisted record, or AutomaticState when the
	// user has no row yet.
	ValveState(ctx context.Context, userID UserID) (ValveState, error)

	// SetValveState upserts the record.
	SetValveState(ctx context.Context, s ValveState) error
}

// BalanceStore mutates user balances transactionally.
type BalanceStore interface {
	// Balance returns the freshest committed balance.
	Balance(ctx context.Context, userID UserID) (decimal.Decimal, error)

	// Credit adds amount. Idempotent per reference: a reused reference
	// returns ErrDuplicateReference and applies nothing.
	Credit(ctx context.Context, userID UserID, amount decimal.Decimal, reference string) (decimal.Decimal, error)

	// Debit subtracts amount, clamped at zero. Excess debit does not fail.
	Debit(ctx context.Context, userID UserID, amount decimal.Decimal, entry BalanceEntryType, reference string) (decimal.Decimal, error)
}

// UserStore enumerates and provisions users.
type UserStore interface {
	ListUserIDs(ctx context.Context) ([]UserID, error)

	// EnsureUser creates the user with a zero balance if missing.
	EnsureUser(ctx context.Context, userID UserID) error
}

// RateCatalog looks up crop water requirements.
type RateCatalog interface {
	// Rate returns ErrRateNotFound (wrapped) when no row matches.
	Rate(ctx context.Context, crop, region, stage string) (*CropRate, error)

	Crops(ctx context.Context) ([]string, error)
	Regions(ctx context.Context, crop string) ([]string, error)
	Stages(ctx context.Context, crop, region string) ([]string, error)
}
