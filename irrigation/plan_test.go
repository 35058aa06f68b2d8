package irrigation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydronet/valve-engine/irrigation"
)

// =============================================================================
// PRICING
// =============================================================================

func TestCalculate_QuotesFromCatalog(t *testing.T) {
	// GIVEN: maize/north/seedling = 3.5 L/m2/day for 14 days
	// WHEN: Quoting 100 m2
	// THEN: 350 L/day, 4900 L total, flat fee 10

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)

	quote, err := plans.Calculate(context.Background(), "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)

	assert.True(t, quote.DailyVolume.Equal(dec("350")))
	assert.True(t, quote.TotalTarget.Equal(dec("4900")))
	assert.Equal(t, 14, quote.DurationDays)
	assert.True(t, quote.FlatFee.Equal(dec("10")))
}

func TestCalculate_UnknownCrop_RateNotFound(t *testing.T) {
	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)

	_, err := plans.Calculate(context.Background(), "durian", "north", "seedling", dec("100"))

	assert.ErrorIs(t, err, irrigation.ErrRateNotFound)
	var rateErr *irrigation.RateNotFoundError
	assert.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "durian", rateErr.Crop)
}

func TestCalculate_NonPositiveArea_Invalid(t *testing.T) {
	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)

	_, err := plans.Calculate(context.Background(), "maize", "north", "seedling", dec("0"))
	assert.ErrorIs(t, err, irrigation.ErrInvalidInput)

	_, err = plans.Calculate(context.Background(), "maize", "north", "seedling", dec("-5"))
	assert.ErrorIs(t, err, irrigation.ErrInvalidInput)
}

// =============================================================================
// START
// =============================================================================

func TestStart_DebitsFeeAndSeedsToday(t *testing.T) {
	// GIVEN: Balance 100
	// WHEN: A plan starts
	// THEN: Fee 10 debited, plan active, today's bucket seeded at zero

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)
	ctx := context.Background()

	credit(t, store, 1, "100", "pay-1")

	plan, newBalance, err := plans.Start(ctx, 1, "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)

	assert.True(t, newBalance.Equal(dec("90")))
	assert.Equal(t, irrigation.PlanActive, plan.Status)
	assert.True(t, plan.PerDayTarget.Equal(dec("350")))
	assert.Equal(t, 14, plan.DurationDays)
	assert.True(t, plan.LastResetDate.Equal(irrigation.DayOf(baseTime)))

	consumed, err := store.ConsumedOn(ctx, plan.ID, irrigation.DayOf(baseTime))
	require.NoError(t, err)
	assert.True(t, consumed.IsZero())
}

func TestStart_FeeClampsAtZero(t *testing.T) {
	// GIVEN: Balance 4, flat fee 10
	// WHEN: A plan starts
	// THEN: The start succeeds and the balance clamps at zero

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)

	credit(t, store, 1, "4", "pay-1")

	_, newBalance, err := plans.Start(context.Background(), 1, "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)
	assert.True(t, newBalance.IsZero())
}

func TestStart_SecondActivePlan_Rejected(t *testing.T) {
	// GIVEN: An active plan
	// WHEN: Starting another for the same user
	// THEN: ErrPlanActive; exactly one active plan per user

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)
	ctx := context.Background()

	credit(t, store, 1, "100", "pay-1")

	_, _, err := plans.Start(ctx, 1, "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)

	_, _, err = plans.Start(ctx, 1, "rice", "south", "vegetative", dec("50"))
	assert.ErrorIs(t, err, irrigation.ErrPlanActive)

	var activeErr *irrigation.ActivePlanError
	assert.ErrorAs(t, err, &activeErr)
	assert.Equal(t, irrigation.UserID(1), activeErr.UserID)
}

func TestStart_SnapshotsLatestMeterVolume(t *testing.T) {
	// GIVEN: A meter history ending at volume 730
	// WHEN: A plan starts
	// THEN: start_volume is 730

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)
	ctx := context.Background()

	credit(t, store, 1, "100", "pay-1")
	require.NoError(t, store.AppendReading(ctx, irrigation.MeterReading{
		UserID: 1, Timestamp: baseTime, Flow: dec("2"), Volume: dec("730"), Cost: dec("5"),
	}))

	plan, _, err := plans.Start(ctx, 1, "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)
	assert.True(t, plan.StartVolume.Equal(dec("730")))
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_HardDeletesAndClosesValve(t *testing.T) {
	// GIVEN: An active plan
	// WHEN: Cancelled
	// THEN: Plan and buckets are gone, valve closed plan_cancelled

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)
	ctx := context.Background()

	credit(t, store, 1, "100", "pay-1")
	plan, _, err := plans.Start(ctx, 1, "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)

	require.NoError(t, plans.Cancel(ctx, plan.ID))

	_, err = store.PlanByID(ctx, plan.ID)
	assert.ErrorIs(t, err, irrigation.ErrPlanNotFound)

	active, err := store.ActivePlan(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, active)

	vs, err := store.ValveState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, irrigation.ValveClosed, vs.Mode)
	assert.Equal(t, irrigation.ReasonPlanCancelled, vs.Reason)
	assert.Equal(t, irrigation.SourceSystem, vs.Source)
}

func TestCancel_UnknownPlan_NotFound(t *testing.T) {
	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)

	err := plans.Cancel(context.Background(), 99999)
	assert.ErrorIs(t, err, irrigation.ErrPlanNotFound)
}

func TestCancel_AllowsFreshStart(t *testing.T) {
	// GIVEN: A cancelled plan
	// WHEN: Starting a new one
	// THEN: The new start succeeds and charges its own fee

	store := newTestStore(t)
	plans := newTestPlanService(store, baseTime)
	ctx := context.Background()

	credit(t, store, 1, "100", "pay-1")
	plan, _, err := plans.Start(ctx, 1, "maize", "north", "seedling", dec("100"))
	require.NoError(t, err)
	require.NoError(t, plans.Cancel(ctx, plan.ID))

	_, newBalance, err := plans.Start(ctx, 1, "tomato", "south", "flowering", dec("20"))
	require.NoError(t, err)
	assert.True(t, newBalance.Equal(dec("80")))
}
