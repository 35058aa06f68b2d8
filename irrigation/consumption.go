/*
consumption.go - Reading-delta accumulation

PURPOSE:
  Converts raw meter readings into per-plan daily consumption and
  consumption-cost balance debits. Each new reading is differenced
  against the immediately preceding reading for the same user (never
  against the plan's start volume, which drifts across rollovers).

ROLLOVER:
  Volume and cost are cumulative device counters that can reset (device
  reboot, counter wrap). A new volume below the previous one is treated
  as a fresh counter: the delta is the raw new value, and the active
  plan's start-volume reference is rebased so later deltas stay sane.
  A cost at or below the previous one re-baselines without charging.

ORDERING:
  Deltas use "latest two readings by timestamp" semantics. A reading
  older than the stored latest is appended for history but yields no
  consumption (non-positive delta).

SEE ALSO:
  - engine.go: reads the buckets this file fills
*/
package irrigation

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConsumptionLedger attributes meter deltas to the active plan's daily
// bucket and debits consumption costs from the balance.
type ConsumptionLedger struct {
	Meters   MeterStore
	Plans    PlanStore
	Balances BalanceStore
	Logger   *zap.Logger
}

func NewConsumptionLedger(meters MeterStore, plans PlanStore, balances BalanceStore, logger *zap.Logger) *ConsumptionLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsumptionLedger{Meters: meters, Plans: plans, Balances: balances, Logger: logger}
}

// RecordResult summarizes what one reading contributed.
type RecordResult struct {
	VolumeDelta decimal.Decimal
	CostDelta   decimal.Decimal
	Rollover    bool
	PlanID      PlanID // zero when no active plan received the delta
}

// Record appends the reading and attributes its deltas. The reading is
// always stored; attribution failures after the append are logged and
// reported but never lose the raw sample.
func (c *ConsumptionLedger) Record(ctx context.Context, r MeterReading) (RecordResult, error) {
	var res RecordResult

	prev, err := c.Meters.LatestReading(ctx, r.UserID)
	if err != nil {
		return res, err
	}

	if err := c.Meters.AppendReading(ctx, r); err != nil {
		return res, err
	}

	// First-ever reading: nothing to difference against.
	if prev == nil {
		return res, nil
	}

	res.VolumeDelta, res.Rollover = volumeDelta(prev.Volume, r.Volume)

	if res.VolumeDelta.IsPositive() || res.Rollover {
		plan, err := c.Plans.ActivePlan(ctx, r.UserID)
		if err != nil {
			return res, err
		}
		if plan != nil {
			if res.Rollover {
				// Rebase the start-volume reference to the new low
				// counter so future snapshot deltas compute correctly.
				if err := c.Plans.ResyncStartVolume(ctx, plan.ID, r.Volume); err != nil {
					return res, err
				}
			}
			if res.VolumeDelta.IsPositive() {
				day := DayOf(r.Timestamp)
				if err := c.Plans.AddConsumption(ctx, plan.ID, day, res.VolumeDelta); err != nil {
					return res, err
				}
				res.PlanID = plan.ID
			}
		}
	}

	// Cost attribution: charge only a positive delta over a positive
	// previous counter. A reset counter re-baselines silently.
	if prev.Cost.IsPositive() && r.Cost.GreaterThan(prev.Cost) {
		res.CostDelta = r.Cost.Sub(prev.Cost)
		if _, err := c.Balances.Debit(ctx, r.UserID, res.CostDelta, EntryConsumptionCost, ""); err != nil {
			// Non-fatal: the reading and bucket are already recorded.
			c.Logger.Error("consumption cost debit failed",
				zap.Int64("user_id", int64(r.UserID)),
				zap.String("delta", res.CostDelta.String()),
				zap.Error(err))
		}
	}

	return res, nil
}

// volumeDelta returns the consumption attributable to the new counter
// value, detecting rollover. On rollover the raw new value is the delta:
// readings [950, 40] contribute 40 liters, not 40-950.
func volumeDelta(prev, next decimal.Decimal) (delta decimal.Decimal, rollover bool) {
	if next.LessThan(prev) {
		return next, true
	}
	return next.Sub(prev), false
}
