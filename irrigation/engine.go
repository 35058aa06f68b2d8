/*
engine.go - The valve decision engine

PURPOSE:
  Computes, for one user, whether the physical valve should be open, and
  persists that decision with a reason. Applies the side effects required
  for correctness: completing exhausted plans, recording sticky locks,
  rolling the daily consumption bucket on the first poll of a new day.

DECISION PRIORITY (strict order):
  1. no balance        -> closed, always wins, even over manual intent
  2. manual override   -> the operator's last explicit action
  3. plan lock         -> duration exhausted; sticky until a manual action
  4. daily limit       -> today's quota used; self-clears next calendar day
  5. plan ok           -> active plan, quota and duration not reached
  6. balance gate      -> no plan at all; open iff balance > 0

FAIL-SAFE:
  Every store failure inside Evaluate degrades to a closed decision with
  reason plan_check_error. The device is never told "open" on missing or
  ambiguous data. Failures are logged, never returned to the poll.

IDEMPOTENCE:
  Evaluate is re-run on every poll, concurrently across devices. All
  writes are guarded (status='active' on completion, write-if-changed on
  valve state) so overlapping evaluations converge to the same state.

SEE ALSO:
  - consumption.go: how the daily buckets are filled
  - store.go: the interfaces consumed here
*/
package irrigation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Engine combines the ledgers into a single open/closed verdict per user.
type Engine struct {
	Balances BalanceStore
	Plans    PlanStore
	Valves   ValveStore
	Meters   MeterStore

	Logger *zap.Logger

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewEngine(balances BalanceStore, plans PlanStore, valves ValveStore, meters MeterStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Balances: balances,
		Plans:    plans,
		Valves:   valves,
		Meters:   meters,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate computes the valve decision for one user. It never returns an
// error: lookup failures degrade to the conservative closed decision.
func (e *Engine) Evaluate(ctx context.Context, userID UserID) Decision {
	now := e.now()
	today := DayOf(now)

	bal, err := e.Balances.Balance(ctx, userID)
	if err != nil {
		return e.failSafe(userID, "balance read failed", err)
	}

	vs, err := e.Valves.ValveState(ctx, userID)
	if err != nil {
		return e.failSafe(userID, "valve state read failed", err)
	}

	plan, err := e.Plans.ActivePlan(ctx, userID)
	if err != nil {
		return e.failSafe(userID, "active plan read failed", err)
	}

	d := Decision{
		UserID:         userID,
		Balance:        bal,
		Plan:           plan,
		ManualOverride: vs.Source == SourceManual,
	}

	// First poll of a new calendar day: roll the plan's bookkeeping
	// forward before anything reads "today's" bucket. This is what lifts
	// a daily_limit closure without an explicit reopen.
	if plan != nil && DayOf(plan.LastResetDate).Before(today) {
		startVol := plan.StartVolume
		if latest, err := e.Meters.LatestReading(ctx, userID); err != nil {
			return e.failSafe(userID, "meter read failed during day roll", err)
		} else if latest != nil {
			startVol = latest.Volume
		}
		if err := e.Plans.RollPlanDay(ctx, plan.ID, today, startVol); err != nil {
			return e.failSafe(userID, "day roll failed", err)
		}
		plan.LastResetDate = today
		plan.StartVolume = startVol
	}

	if plan != nil {
		d.ConsumedToday, err = e.Plans.ConsumedOn(ctx, plan.ID, today)
		if err != nil {
			return e.failSafe(userID, "consumption read failed", err)
		}
	}

	// 1. Balance check. Service suspension beats everything, including
	// manual intent. A stale automatic open record is corrected; a manual
	// record is left intact so the operator's intent survives a top-up.
	if !bal.IsPositive() {
		if vs.Source != SourceManual && vs.Mode != ValveClosed {
			e.record(ctx, ValveState{
				UserID: userID, Mode: ValveClosed,
				Source: SourceSystem, Reason: ReasonNoBalance, ChangedAt: now,
			})
		}
		return e.decide(d, false, ReasonNoBalance)
	}

	lockPending := plan != nil && plan.DaysElapsed(now) >= plan.DurationDays
	lockRecorded := vs.Source != SourceManual && vs.Mode == ValveClosed && vs.Reason == ReasonPlanLocked

	// 2. Manual override. Persists until the next manual action, but a
	// pending or recorded plan lock keeps a manual open from applying.
	if vs.Source == SourceManual {
		if vs.Mode == ValveClosed {
			// Still complete an exhausted plan; the valve record keeps
			// its manual provenance since both states are closed.
			if lockPending {
				e.completePlan(ctx, plan, now)
			}
			return e.decide(d, false, ReasonManualClose)
		}
		if vs.Mode == ValveOpen && !lockPending && !lockRecorded {
			return e.decide(d, true, ReasonManualOverride)
		}
	}

	// 3. Plan lock. Completing the plan and recording the lock are both
	// idempotent; the recorded state is sticky until a manual action.
	if lockPending {
		e.completePlan(ctx, plan, now)
		e.record(ctx, ValveState{
			UserID: userID, Mode: ValveClosed,
			Source: SourcePlanner, Reason: ReasonPlanLocked, ChangedAt: now,
		})
		return e.decide(d, false, ReasonPlanLocked)
	}
	if lockRecorded {
		return e.decide(d, false, ReasonPlanLocked)
	}

	// 4. Daily limit. Not a completion: the plan stays active and the
	// next calendar day's fresh bucket reopens the valve.
	if plan != nil && d.ConsumedToday.GreaterThanOrEqual(plan.PerDayTarget) {
		e.recordIfChanged(ctx, vs, ValveState{
			UserID: userID, Mode: ValveClosed,
			Source: SourcePlanner, Reason: ReasonDailyLimit, ChangedAt: now,
		})
		return e.decide(d, false, ReasonDailyLimit)
	}

	// 5. Normal plan flow.
	if plan != nil {
		e.recordIfChanged(ctx, vs, ValveState{
			UserID: userID, Mode: ValveOpen,
			Source: SourcePlanner, Reason: ReasonPlanOK, ChangedAt: now,
		})
		return e.decide(d, true, ReasonPlanOK)
	}

	// 6. No plan: simple prepaid gate.
	e.recordIfChanged(ctx, vs, ValveState{
		UserID: userID, Mode: ValveOpen,
		Source: SourceSystem, Reason: ReasonBalanceOK, ChangedAt: now,
	})
	return e.decide(d, true, ReasonBalanceOK)
}

// ManualOpen records an explicit operator open. This is the only action
// that clears a plan lock.
func (e *Engine) ManualOpen(ctx context.Context, userID UserID) error {
	return e.Valves.SetValveState(ctx, ValveState{
		UserID: userID, Mode: ValveOpen,
		Source: SourceManual, Reason: ReasonManualOverride, ChangedAt: e.now(),
	})
}

// ManualClose records an explicit operator close.
func (e *Engine) ManualClose(ctx context.Context, userID UserID) error {
	return e.Valves.SetValveState(ctx, ValveState{
		UserID: userID, Mode: ValveClosed,
		Source: SourceManual, Reason: ReasonManualClose, ChangedAt: e.now(),
	})
}

func (e *Engine) decide(d Decision, open bool, reason Reason) Decision {
	d.Open = open
	d.Reason = reason
	return d
}

func (e *Engine) failSafe(userID UserID, msg string, err error) Decision {
	e.Logger.Error("valve evaluation degraded to closed",
		zap.Int64("user_id", int64(userID)),
		zap.String("cause", msg),
		zap.Error(err))
	return Decision{UserID: userID, Open: false, Reason: ReasonCheckError}
}

// completePlan flips active -> completed. Guarded by status='active' in
// the store, so concurrent polls complete it exactly once. Failures are
// logged; the decision (closed) is already the safe one.
func (e *Engine) completePlan(ctx context.Context, plan *Plan, now time.Time) {
	done, err := e.Plans.CompletePlan(ctx, plan.ID, now)
	if err != nil {
		e.Logger.Error("plan completion failed",
			zap.Int64("plan_id", int64(plan.ID)), zap.Error(err))
		return
	}
	if done {
		e.Logger.Info("plan completed",
			zap.Int64("plan_id", int64(plan.ID)),
			zap.Int64("user_id", int64(plan.UserID)))
	}
}

// record writes a valve transition; failures are auxiliary and logged.
func (e *Engine) record(ctx context.Context, s ValveState) {
	if err := e.Valves.SetValveState(ctx, s); err != nil {
		e.Logger.Error("valve state write failed",
			zap.Int64("user_id", int64(s.UserID)),
			zap.String("reason", string(s.Reason)),
			zap.Error(err))
	}
}

// recordIfChanged skips the write when mode, source and reason already
// match, keeping ChangedAt meaningful across repeated polls.
func (e *Engine) recordIfChanged(ctx context.Context, current, next ValveState) {
	if current.Mode == next.Mode && current.Source == next.Source && current.Reason == next.Reason {
		return
	}
	e.record(ctx, next)
}
