/*
plan.go - Plan pricing and lifecycle

PURPOSE:
  PlanService prices irrigation plans from the crop-rate catalog and
  drives their lifecycle: quote (pure), start (atomic, fee-debiting),
  cancel (hard delete + forced valve close).

PRICING:
  perDay = liters/m2/day x area
  total  = perDay x duration
  flat fee is a constant, independent of size (configured, default 10).

ATOMICITY:
  Start delegates to PlanStore.StartPlan, which runs fee debit, meter
  snapshot, plan insert and day seeding in one SQL transaction. A fee
  charged without a plan row is a correctness violation; nothing
  persists on rollback, so callers may retry.

SEE ALSO:
  - store.go: StartPlanParams and the PlanStore contract
  - engine.go: consumes the plans this service creates
*/
package irrigation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultFlatFee matches the deployed pricing: a constant charge per
// plan start regardless of field size.
var DefaultFlatFee = decimal.NewFromInt(10)

// PlanService prices and manages irrigation plans.
type PlanService struct {
	Rates  RateCatalog
	Plans  PlanStore
	Valves ValveStore
	Logger *zap.Logger

	// FlatFee charged on every plan start. Zero value falls back to
	// DefaultFlatFee.
	FlatFee decimal.Decimal

	Now func() time.Time
}

func NewPlanService(rates RateCatalog, plans PlanStore, valves ValveStore, logger *zap.Logger) *PlanService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanService{
		Rates:   rates,
		Plans:   plans,
		Valves:  valves,
		Logger:  logger,
		FlatFee: DefaultFlatFee,
		Now:     time.Now,
	}
}

func (s *PlanService) flatFee() decimal.Decimal {
	if s.FlatFee.IsZero() {
		return DefaultFlatFee
	}
	return s.FlatFee
}

func (s *PlanService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Calculate prices a plan without committing anything. Used for live
// quotes; Start re-runs the same lookup so a stale quote can never be
// committed at stale prices.
func (s *PlanService) Calculate(ctx context.Context, crop, region, stage string, area decimal.Decimal) (*Quote, error) {
	if !area.IsPositive() {
		return nil, &InvalidPlanError{Field: "area", Detail: "must be positive"}
	}

	rate, err := s.Rates.Rate(ctx, crop, region, stage)
	if err != nil {
		return nil, err
	}
	if rate.DurationDays <= 0 {
		return nil, &InvalidPlanError{Field: "duration", Detail: "catalog duration is non-positive"}
	}

	perDay := rate.LitersPerM2.Mul(area)
	return &Quote{
		DailyVolume:  perDay,
		TotalTarget:  perDay.Mul(decimal.NewFromInt(int64(rate.DurationDays))),
		DurationDays: rate.DurationDays,
		FlatFee:      s.flatFee(),
	}, nil
}

// Start prices and commits a plan atomically. Fails with ErrPlanActive
// when the user already has one; exactly one active plan per user.
func (s *PlanService) Start(ctx context.Context, userID UserID, crop, region, stage string, area decimal.Decimal) (*Plan, decimal.Decimal, error) {
	quote, err := s.Calculate(ctx, crop, region, stage, area)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if existing, err := s.Plans.ActivePlan(ctx, userID); err != nil {
		return nil, decimal.Zero, err
	} else if existing != nil {
		return nil, decimal.Zero, &ActivePlanError{UserID: userID, PlanID: existing.ID}
	}

	plan, newBalance, err := s.Plans.StartPlan(ctx, StartPlanParams{
		UserID:       userID,
		Crop:         crop,
		Region:       region,
		Stage:        stage,
		AreaM2:       area,
		PerDayTarget: quote.DailyVolume,
		TotalTarget:  quote.TotalTarget,
		DurationDays: quote.DurationDays,
		FlatFee:      quote.FlatFee,
		Now:          s.now(),
	})
	if err != nil {
		return nil, decimal.Zero, err
	}

	s.Logger.Info("plan started",
		zap.Int64("plan_id", int64(plan.ID)),
		zap.Int64("user_id", int64(userID)),
		zap.String("crop", crop),
		zap.String("total_target", plan.TotalTarget.String()))

	return plan, newBalance, nil
}

// Cancel hard-deletes the plan and its daily buckets and forces the
// user's valve closed. Unlike completion, cancellation keeps no history.
func (s *PlanService) Cancel(ctx context.Context, id PlanID) error {
	plan, err := s.Plans.PlanByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.Plans.DeletePlan(ctx, id); err != nil {
		return err
	}

	if err := s.Valves.SetValveState(ctx, ValveState{
		UserID: plan.UserID, Mode: ValveClosed,
		Source: SourceSystem, Reason: ReasonPlanCancelled, ChangedAt: s.now(),
	}); err != nil {
		// The plan is already gone; a failed valve write must not undo
		// that. The next poll recomputes from scratch anyway.
		s.Logger.Error("valve close after cancellation failed",
			zap.Int64("user_id", int64(plan.UserID)), zap.Error(err))
	}

	s.Logger.Info("plan cancelled",
		zap.Int64("plan_id", int64(id)),
		zap.Int64("user_id", int64(plan.UserID)))
	return nil
}
