/*
handlers.go - HTTP API handlers for the valve-control backend

PURPOSE:
  Exposes the irrigation engine via REST. Handles HTTP request/response,
  JSON serialization and validation, and delegates to domain logic.

ENDPOINTS:
  Plans:
    POST /api/plans/calculate     Price a plan (pure quote)
    POST /api/plans/start         Commit a plan (atomic, fee-debiting)
    POST /api/plans/cancel        Hard-delete a plan
    GET  /api/plans/active        Active plan probe (?userId=)
    GET  /api/plans/latest        Latest plan, any status (?userId=)
    GET  /api/plans/crops         Catalog: crops
    GET  /api/plans/regions       Catalog: regions (?crop=)
    GET  /api/plans/stages        Catalog: stages (?crop=&region=)

  Valve:
    GET  /api/device/state        Per-user poll, runs the engine (?userId=)
    GET  /valve_states            Batch legacy poll for the controller
    POST /api/valve/open          Manual open (clears a plan lock)
    POST /api/valve/close         Manual close

  Meter:
    POST /receive_data            Batch sensor ingest {userN:{flow,volume,cost}}
    GET  /get_data                Reading history (?user_id=, newest first)

  Balance:
    POST /api/payments/credit     Apply a confirmed payment (idempotent)
    GET  /api/users/{id}/balance  Balance probe

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: validation errors, invalid input
  - 404: rate/plan/user not found
  - 409: conflict (active plan exists, duplicate payment reference)
  - 500: transaction failures
  The device polls are the exception: engine failures degrade to a
  closed decision with reason plan_check_error and HTTP 200. The device
  must never be told "open" on missing data, and never be told "error"
  when "closed" is the answer.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hydronet/valve-engine/irrigation"
	"github.com/hydronet/valve-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Engine      *irrigation.Engine
	Plans       *irrigation.PlanService
	Consumption *irrigation.ConsumptionLedger
	Logger      *zap.Logger

	validate *validator.Validate
}

// NewHandler wires the domain services over one store.
func NewHandler(store *sqlite.Store, engine *irrigation.Engine, plans *irrigation.PlanService, consumption *irrigation.ConsumptionLedger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:       store,
		Engine:      engine,
		Plans:       plans,
		Consumption: consumption,
		Logger:      logger,
		validate:    validator.New(),
	}
}

func (h *Handler) now() time.Time {
	if h.Engine != nil && h.Engine.Now != nil {
		return h.Engine.Now()
	}
	return time.Now()
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// CalculatePlan prices a plan without touching balance or plans.
func (h *Handler) CalculatePlan(w http.ResponseWriter, r *http.Request) {
	var req CalculatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing plan parameter", err)
		return
	}

	quote, err := h.Plans.Calculate(r.Context(), req.Crop, req.Region, req.Stage, req.Area)
	if err != nil {
		writeDomainError(w, "Calculation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, QuoteDTO{
		DailyVolume:  quote.DailyVolume,
		TotalTarget:  quote.TotalTarget,
		DurationDays: quote.DurationDays,
		FlatFee:      quote.FlatFee,
	})
}

// StartPlan commits a plan: fee debit, meter snapshot, plan insert and
// day seeding happen atomically in the store.
func (h *Handler) StartPlan(w http.ResponseWriter, r *http.Request) {
	var req StartPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing plan parameter", err)
		return
	}

	ctx := r.Context()
	userID := irrigation.UserID(req.UserID)
	if err := h.Store.EnsureUser(ctx, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Could not start plan", err)
		return
	}

	plan, newBalance, err := h.Plans.Start(ctx, userID, req.Crop, req.Region, req.Stage, req.Area)
	if err != nil {
		writeDomainError(w, "Could not start plan", err)
		return
	}

	planStartsTotal.Inc()
	writeJSON(w, http.StatusOK, StartPlanResponse{
		PlanID:       int64(plan.ID),
		DailyVolume:  plan.PerDayTarget,
		TotalTarget:  plan.TotalTarget,
		DurationDays: plan.DurationDays,
		FlatFee:      plan.FlatFee,
		NewBalance:   newBalance,
	})
}

// CancelPlan hard-deletes the plan and forces the valve closed.
func (h *Handler) CancelPlan(w http.ResponseWriter, r *http.Request) {
	var req CancelPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing plan id", err)
		return
	}

	if err := h.Plans.Cancel(r.Context(), irrigation.PlanID(req.PlanID)); err != nil {
		writeDomainError(w, "Could not cancel plan", err)
		return
	}

	writeJSON(w, http.StatusOK, CancelPlanResponse{
		Success: true,
		Message: fmt.Sprintf("Plan %d cancelled.", req.PlanID),
	})
}

// ActivePlan reports whether the user has an active plan, with the
// derived progress fields the dashboard renders.
func (h *Handler) ActivePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r, "userId")
	if !ok {
		return
	}

	ctx := r.Context()
	plan, err := h.Store.ActivePlan(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not fetch active plan", err)
		return
	}
	if plan == nil {
		writeJSON(w, http.StatusOK, ActivePlanResponse{Active: false, Plan: nil})
		return
	}

	now := h.now()
	consumed, err := h.Store.ConsumedOn(ctx, plan.ID, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not fetch consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, ActivePlanResponse{Active: true, Plan: planDTO(plan, consumed, now)})
}

// LatestPlan returns the most recent plan regardless of status, so the
// dashboard can keep showing a completed plan's summary.
func (h *Handler) LatestPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r, "userId")
	if !ok {
		return
	}

	ctx := r.Context()
	plan, err := h.Store.LatestPlan(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not fetch latest plan", err)
		return
	}
	if plan == nil {
		writeJSON(w, http.StatusOK, LatestPlanResponse{Plan: nil})
		return
	}

	now := h.now()
	consumed, err := h.Store.ConsumedOn(ctx, plan.ID, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not fetch consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, LatestPlanResponse{Plan: planDTO(plan, consumed, now)})
}

// ListCrops, ListRegions and ListStages feed the planner dropdowns.
func (h *Handler) ListCrops(w http.ResponseWriter, r *http.Request) {
	crops, err := h.Store.Crops(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load crops", err)
		return
	}
	writeJSON(w, http.StatusOK, crops)
}

func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := h.Store.Regions(r.Context(), r.URL.Query().Get("crop"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load regions", err)
		return
	}
	writeJSON(w, http.StatusOK, regions)
}

func (h *Handler) ListStages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stages, err := h.Store.Stages(r.Context(), q.Get("crop"), q.Get("region"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load stages", err)
		return
	}
	writeJSON(w, http.StatusOK, stages)
}

// =============================================================================
// VALVE HANDLERS
// =============================================================================

// DeviceState is the per-user poll. Every call re-evaluates the engine;
// engine degradation still answers 200 with a closed verdict.
func (h *Handler) DeviceState(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r, "userId")
	if !ok {
		return
	}

	d := h.Engine.Evaluate(r.Context(), userID)
	valveDecisionsTotal.WithLabelValues(string(d.Reason)).Inc()

	writeJSON(w, http.StatusOK, DeviceStateDTO{
		Plan:             planDTO(d.Plan, d.ConsumedToday, h.now()),
		ValveOpen:        d.Open,
		ValveReason:      string(d.Reason),
		ManualOverride:   d.ManualOverride,
		AvailableBalance: d.Balance,
	})
}

// ValveStates is the legacy batch poll the field controller parses:
// one user{N}_state / user{N}_reason pair per known user.
func (h *Handler) ValveStates(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Store.ListUserIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "DB error", err)
		return
	}

	out := make(map[string]any, len(ids)*2)
	for _, id := range ids {
		d := h.Engine.Evaluate(r.Context(), id)
		valveDecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
		out[fmt.Sprintf("user%d_state", id)] = d.Open
		out[fmt.Sprintf("user%d_reason", id)] = string(d.Reason)
	}
	writeJSON(w, http.StatusOK, out)
}

// OpenValve records a manual open. This is the only action that clears
// a plan lock.
func (h *Handler) OpenValve(w http.ResponseWriter, r *http.Request) {
	h.manualValve(w, r, h.Engine.ManualOpen)
}

// CloseValve records a manual close.
func (h *Handler) CloseValve(w http.ResponseWriter, r *http.Request) {
	h.manualValve(w, r, h.Engine.ManualClose)
}

func (h *Handler) manualValve(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, userID irrigation.UserID) error) {
	var req ManualValveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing userId", err)
		return
	}

	if err := action(r.Context(), irrigation.UserID(req.UserID)); err != nil {
		writeError(w, http.StatusInternalServerError, "Could not change valve state", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// METER HANDLERS
// =============================================================================

var sensorUserKey = regexp.MustCompile(`^user(\d+)$`)

// ReceiveData ingests one batch of sensor samples. The payload keys are
// user{N}; unknown users are provisioned on first sight. Readings are
// always stored; attribution errors fail the request so the sender
// retries the batch.
func (h *Handler) ReceiveData(w http.ResponseWriter, r *http.Request) {
	var payload map[string]SensorPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid data format", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := h.now()
	stored := 0
	for key, sample := range payload {
		m := sensorUserKey.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		userID := irrigation.UserID(id)

		if err := h.Store.EnsureUser(ctx, userID); err != nil {
			http.Error(w, "Error inserting sensor data", http.StatusInternalServerError)
			return
		}
		if _, err := h.Consumption.Record(ctx, irrigation.MeterReading{
			UserID:    userID,
			Timestamp: now,
			Flow:      sample.Flow,
			Volume:    sample.Volume,
			Cost:      sample.Cost,
		}); err != nil {
			h.Logger.Error("sensor ingest failed",
				zap.Int64("user_id", id), zap.Error(err))
			http.Error(w, "Error inserting sensor data", http.StatusInternalServerError)
			return
		}
		meterReadingsTotal.Inc()
		stored++
	}

	if stored == 0 {
		http.Error(w, "Invalid data format", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "Data received and stored")
}

// GetData returns recent readings for a user, newest first.
func (h *Handler) GetData(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r, "user_id")
	if !ok {
		return
	}

	readings, err := h.Store.RecentReadings(r.Context(), userID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Server error", err)
		return
	}

	dtos := make([]ReadingDTO, len(readings))
	for i, rd := range readings {
		dtos[i] = ReadingDTO{
			Timestamp: rd.Timestamp.UTC().Format(time.RFC3339),
			Flow:      rd.Flow,
			Volume:    rd.Volume,
			Cost:      rd.Cost,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// CreditBalance applies a confirmed payment. The payment rail itself
// (checkout session, callback verification) is an external collaborator;
// by the time this endpoint is called the amount is trusted.
func (h *Handler) CreditBalance(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing credit parameter", err)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Credit amount must be positive", nil)
		return
	}

	ctx := r.Context()
	userID := irrigation.UserID(req.UserID)
	if err := h.Store.EnsureUser(ctx, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "Could not apply credit", err)
		return
	}

	newBalance, err := h.Store.Credit(ctx, userID, req.Amount, req.Reference)
	if err != nil {
		if errors.Is(err, irrigation.ErrDuplicateReference) {
			writeError(w, http.StatusConflict, "Payment reference already applied", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Could not apply credit", err)
		return
	}

	paymentCreditsTotal.Inc()
	writeJSON(w, http.StatusOK, CreditResponse{UserID: req.UserID, NewBalance: newBalance})
}

// GetBalance returns the freshest committed balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid user id", err)
		return
	}

	balance, err := h.Store.Balance(r.Context(), irrigation.UserID(id))
	if err != nil {
		if errors.Is(err, irrigation.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "User not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Could not fetch balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: id, AvailableBalance: balance})
}

// =============================================================================
// HELPERS
// =============================================================================

func queryUserID(w http.ResponseWriter, r *http.Request, param string) (irrigation.UserID, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "User ID not provided", nil)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid user ID", err)
		return 0, false
	}
	return irrigation.UserID(id), true
}

// writeDomainError maps domain sentinels onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, irrigation.ErrRateNotFound):
		writeError(w, http.StatusNotFound, "Crop data not found.", err)
	case errors.Is(err, irrigation.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "Plan not found.", err)
	case errors.Is(err, irrigation.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found.", err)
	case errors.Is(err, irrigation.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, irrigation.ErrPlanActive):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
