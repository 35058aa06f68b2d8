/*
handlers_test.go - HTTP-level tests for the API surface

Exercises the full request path (router, validation, handlers) over an
in-memory store, including the legacy device endpoints whose payload
shapes are baked into the field controller firmware.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydronet/valve-engine/irrigation"
	"github.com/hydronet/valve-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testTime = time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*sqlite.Store, http.Handler) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := irrigation.NewEngine(store, store, store, store, nil)
	engine.Now = func() time.Time { return testTime }
	plans := irrigation.NewPlanService(store, store, store, nil)
	plans.Now = func() time.Time { return testTime }
	consumption := irrigation.NewConsumptionLedger(store, store, store, nil)

	h := NewHandler(store, engine, plans, consumption, nil)
	return store, NewRouter(h, []string{"*"})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func creditUser(t *testing.T, router http.Handler, userID int64, amount, ref string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/payments/credit", map[string]any{
		"userId": userID, "amount": amount, "reference": ref,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func startPlan(t *testing.T, router http.Handler, userID int64) StartPlanResponse {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/plans/start", map[string]any{
		"userId": userID, "crop": "maize", "region": "north", "stage": "seedling", "area": "100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp StartPlanResponse
	decodeBody(t, rec, &resp)
	return resp
}

// =============================================================================
// PLAN ENDPOINTS
// =============================================================================

func TestCalculatePlan_ReturnsQuote(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/plans/calculate", map[string]any{
		"crop": "maize", "region": "north", "stage": "seedling", "area": "100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var quote QuoteDTO
	decodeBody(t, rec, &quote)
	assert.True(t, quote.DailyVolume.Equal(decimal.NewFromInt(350)))
	assert.Equal(t, 14, quote.DurationDays)
}

func TestCalculatePlan_UnknownCrop_404(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/plans/calculate", map[string]any{
		"crop": "durian", "region": "north", "stage": "seedling", "area": "100",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalculatePlan_MissingField_400(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/plans/calculate", map[string]any{
		"crop": "maize", "area": "100",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartPlan_ChargesFee(t *testing.T) {
	_, router := newTestServer(t)
	creditUser(t, router, 1, "100", "pay-1")

	resp := startPlan(t, router, 1)

	assert.NotZero(t, resp.PlanID)
	assert.True(t, resp.NewBalance.Equal(decimal.NewFromInt(90)))
}

func TestStartPlan_SecondActive_409(t *testing.T) {
	_, router := newTestServer(t)
	creditUser(t, router, 1, "100", "pay-1")
	startPlan(t, router, 1)

	rec := doJSON(t, router, http.MethodPost, "/api/plans/start", map[string]any{
		"userId": 1, "crop": "rice", "region": "south", "stage": "vegetative", "area": "50",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelPlan_ThenActiveFalse(t *testing.T) {
	_, router := newTestServer(t)
	creditUser(t, router, 1, "100", "pay-1")
	resp := startPlan(t, router, 1)

	rec := doJSON(t, router, http.MethodPost, "/api/plans/cancel", map[string]any{
		"planId": resp.PlanID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/plans/active?userId=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var active ActivePlanResponse
	decodeBody(t, rec, &active)
	assert.False(t, active.Active)
	assert.Nil(t, active.Plan)
}

func TestCancelPlan_Unknown_404(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/plans/cancel", map[string]any{
		"planId": 424242,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivePlan_ProgressFields(t *testing.T) {
	_, router := newTestServer(t)
	creditUser(t, router, 1, "100", "pay-1")
	startPlan(t, router, 1)

	rec := doJSON(t, router, http.MethodGet, "/api/plans/active?userId=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var active ActivePlanResponse
	decodeBody(t, rec, &active)
	require.True(t, active.Active)
	require.NotNil(t, active.Plan)
	assert.Equal(t, 0, active.Plan.DaysElapsed)
	assert.Equal(t, 14, active.Plan.DaysLeft)
	assert.True(t, active.Plan.RemainingToday.Equal(decimal.NewFromInt(350)))
	assert.Equal(t, "active", active.Plan.Status)
}

func TestCatalogEndpoints(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/plans/crops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var crops []string
	decodeBody(t, rec, &crops)
	assert.Contains(t, crops, "tomato")

	rec = doJSON(t, router, http.MethodGet, "/api/plans/stages?crop=cassava&region=south", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stages []string
	decodeBody(t, rec, &stages)
	assert.ElementsMatch(t, []string{"establishment", "vegetative"}, stages)
}

// =============================================================================
// DEVICE ENDPOINTS
// =============================================================================

func TestDeviceState_NoBalance(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/device/state?userId=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state DeviceStateDTO
	decodeBody(t, rec, &state)
	assert.False(t, state.ValveOpen)
	assert.Equal(t, "no_balance", state.ValveReason)
}

func TestDeviceState_MissingUserID_400(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/device/state", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValveStates_BatchShape(t *testing.T) {
	_, router := newTestServer(t)
	creditUser(t, router, 2, "40", "pay-2")

	rec := doJSON(t, router, http.MethodGet, "/valve_states", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	decodeBody(t, rec, &out)

	assert.Equal(t, false, out["user1_state"])
	assert.Equal(t, "no_balance", out["user1_reason"])
	assert.Equal(t, true, out["user2_state"])
	assert.Equal(t, "balance_ok", out["user2_reason"])
	assert.Contains(t, out, "user3_state")
}

func TestManualValve_OpenAndClose(t *testing.T) {
	_, router := newTestServer(t)
	creditUser(t, router, 1, "40", "pay-1")

	rec := doJSON(t, router, http.MethodPost, "/api/valve/open", map[string]any{"userId": 1})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/device/state?userId=1", nil)
	var state DeviceStateDTO
	decodeBody(t, rec, &state)
	assert.True(t, state.ValveOpen)
	assert.Equal(t, "manual_override", state.ValveReason)
	assert.True(t, state.ManualOverride)

	rec = doJSON(t, router, http.MethodPost, "/api/valve/close", map[string]any{"userId": 1})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/device/state?userId=1", nil)
	decodeBody(t, rec, &state)
	assert.False(t, state.ValveOpen)
	assert.Equal(t, "manual_close", state.ValveReason)
}

// =============================================================================
// METER ENDPOINTS
// =============================================================================

func TestReceiveData_StoresAndProvisions(t *testing.T) {
	store, router := newTestServer(t)

	body := map[string]any{
		"user1": map[string]string{"flow": "1.2", "volume": "100", "cost": "2"},
		"user9": map[string]string{"flow": "0.8", "volume": "55", "cost": "1"},
	}
	rec := doJSON(t, router, http.MethodPost, "/receive_data", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Body.String(), "Data received and stored"))

	// user9 was provisioned on first sight.
	ids, err := store.ListUserIDs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, irrigation.UserID(9))

	rec = doJSON(t, router, http.MethodGet, "/get_data?user_id=9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var readings []ReadingDTO
	decodeBody(t, rec, &readings)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].Volume.Equal(decimal.NewFromInt(55)))
}

func TestReceiveData_IgnoresForeignKeys(t *testing.T) {
	// Keys that do not match user{N} are skipped, not fatal.
	_, router := newTestServer(t)

	body := map[string]any{
		"user1":     map[string]string{"flow": "1", "volume": "10", "cost": "0"},
		"timestamp": map[string]string{"flow": "0", "volume": "0", "cost": "0"},
	}
	rec := doJSON(t, router, http.MethodPost, "/receive_data", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReceiveData_NoValidUsers_400(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/receive_data", map[string]any{
		"bogus": map[string]string{"flow": "1", "volume": "10", "cost": "0"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveData_MalformedBody_400(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/receive_data", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveData_FillsPlanBucket(t *testing.T) {
	// Two batches: the delta between them lands in today's bucket and
	// shows up on the device poll.
	_, router := newTestServer(t)
	creditUser(t, router, 1, "100", "pay-1")
	startPlan(t, router, 1)

	for _, volume := range []string{"100", "160"} {
		rec := doJSON(t, router, http.MethodPost, "/receive_data", map[string]any{
			"user1": map[string]string{"flow": "1.5", "volume": volume, "cost": "0"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/device/state?userId=1", nil)
	var state DeviceStateDTO
	decodeBody(t, rec, &state)
	require.NotNil(t, state.Plan)
	assert.True(t, state.Plan.ConsumedToday.Equal(decimal.NewFromInt(60)),
		"consumedToday = %s", state.Plan.ConsumedToday)
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

func TestCreditBalance_IdempotentPerReference(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/payments/credit", map[string]any{
		"userId": 1, "amount": "30", "reference": "txn-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CreditResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.NewBalance.Equal(decimal.NewFromInt(30)))

	rec = doJSON(t, router, http.MethodPost, "/api/payments/credit", map[string]any{
		"userId": 1, "amount": "30", "reference": "txn-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/users/1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal BalanceDTO
	decodeBody(t, rec, &bal)
	assert.True(t, bal.AvailableBalance.Equal(decimal.NewFromInt(30)))
}

func TestCreditBalance_NonPositiveAmount_400(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/payments/credit", map[string]any{
		"userId": 1, "amount": "-5", "reference": "txn-neg",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalance_UnknownUser_404(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/users/555/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
