/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for dashboard demos. Each scenario resets the database and walks
	the real domain services (payments, plan start, sensor ingest, manual
	valve actions), so the resulting state is exactly what production code
	would have produced.

AVAILABLE SCENARIOS:

	fresh-install:    Seeded users only, everything zero
	funded-farmer:    Positive balance, no plan; valve opens on balance
	active-plan:      Mid-plan user with partial daily consumption
	daily-limit:      Today's quota fully consumed; valve closed until tomorrow
	out-of-credit:    Balance drained to zero mid-plan

USAGE VIA API:

	GET  /api/scenarios        list scenarios
	POST /api/scenarios/load   {"scenarioId": "active-plan"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: shares the Handler dependencies
  - store/sqlite/sqlite.go: Reset
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hydronet/valve-engine/irrigation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-install",
		Name:        "Fresh Install",
		Description: "Seeded users only; all balances zero, no plans",
	},
	{
		ID:          "funded-farmer",
		Name:        "Funded Farmer",
		Description: "User 1 topped up, no plan; valve opens on balance alone",
	},
	{
		ID:          "active-plan",
		Name:        "Active Plan",
		Description: "User 1 mid-plan with partial consumption today",
	},
	{
		ID:          "daily-limit",
		Name:        "Daily Limit Reached",
		Description: "User 1 consumed today's full quota; valve closed until tomorrow",
	},
	{
		ID:          "out-of-credit",
		Name:        "Out of Credit",
		Description: "User 1 mid-plan with the balance drained to zero",
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Missing scenarioId", err)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Reset failed", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "fresh-install":
		// Reset already produced it.
	case "funded-farmer":
		err = h.loadFundedFarmer(ctx)
	case "active-plan":
		err = h.loadActivePlan(ctx)
	case "daily-limit":
		err = h.loadDailyLimit(ctx)
	case "out-of-credit":
		err = h.loadOutOfCredit(ctx)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Scenario load failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadFundedFarmer(ctx context.Context) error {
	_, err := h.Store.Credit(ctx, 1, decimal.RequireFromString("75"), "demo-topup-1")
	return err
}

// loadActivePlan: maize plan mid-flight, two readings giving 120 L of the
// 350 L daily quota.
func (h *Handler) loadActivePlan(ctx context.Context) error {
	if _, err := h.Store.Credit(ctx, 1, decimal.RequireFromString("100"), "demo-topup-1"); err != nil {
		return err
	}
	if _, _, err := h.Plans.Start(ctx, 1, "maize", "north", "seedling", decimal.RequireFromString("100")); err != nil {
		return err
	}
	return h.ingestSeries(ctx, 1, []string{"500", "620"})
}

// loadDailyLimit: the same plan with today's 350 L fully used up.
func (h *Handler) loadDailyLimit(ctx context.Context) error {
	if _, err := h.Store.Credit(ctx, 1, decimal.RequireFromString("100"), "demo-topup-1"); err != nil {
		return err
	}
	if _, _, err := h.Plans.Start(ctx, 1, "maize", "north", "seedling", decimal.RequireFromString("100")); err != nil {
		return err
	}
	return h.ingestSeries(ctx, 1, []string{"500", "700", "850"})
}

// loadOutOfCredit: a plan whose consumption costs drained the balance.
func (h *Handler) loadOutOfCredit(ctx context.Context) error {
	if _, err := h.Store.Credit(ctx, 1, decimal.RequireFromString("12"), "demo-topup-1"); err != nil {
		return err
	}
	if _, _, err := h.Plans.Start(ctx, 1, "maize", "north", "seedling", decimal.RequireFromString("100")); err != nil {
		return err
	}
	if err := h.ingestSeries(ctx, 1, []string{"500", "560"}); err != nil {
		return err
	}
	_, err := h.Store.Debit(ctx, 1, decimal.RequireFromString("10"), irrigation.EntryConsumptionCost, "")
	return err
}

// ingestSeries feeds cumulative volume samples through the real
// consumption path, one minute apart.
func (h *Handler) ingestSeries(ctx context.Context, userID irrigation.UserID, volumes []string) error {
	at := h.now()
	for i, v := range volumes {
		volume, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		if _, err := h.Consumption.Record(ctx, irrigation.MeterReading{
			UserID:    userID,
			Timestamp: at.Add(-time.Duration(len(volumes)-i) * time.Minute),
			Flow:      decimal.RequireFromString("1.5"),
			Volume:    volume,
			Cost:      decimal.Zero,
		}); err != nil {
			return err
		}
	}
	return nil
}
