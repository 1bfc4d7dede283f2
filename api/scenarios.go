/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with users, products
  and coin balances, so the purchase flow can be tried without seeding by
  hand.

AVAILABLE SCENARIOS:
  demo-market:   Two sellers, two funded buyers, a small catalogue
  scarce-stock:  One product with a single unit and two funded buyers,
                 for trying the "last unit" race

HOW SCENARIOS WORK:
  1. Reset the store (clear all data)
  2. Register users through the engine
  3. Create products as their sellers
  4. Fund buyers with coin deposits

  Everything goes through market.Market, so seeded data obeys the same
  validation as live traffic.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "demo-market"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-market/market"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-market",
		Name:        "Demo Market",
		Description: "Two sellers with a small catalogue and two funded buyers",
	},
	{
		ID:          "scarce-stock",
		Name:        "Scarce Stock",
		Description: "A single unit of one product and two buyers who can both afford it",
	},
}

type scenarioUser struct {
	id    market.UserID
	email string
	name  string
	role  market.Role
	coins []int
}

type scenarioProduct struct {
	seller market.UserID
	name   string
	cost   string
	stock  int
}

type scenarioDef struct {
	users    []scenarioUser
	products []scenarioProduct
}

var scenarioDefs = map[string]scenarioDef{
	"demo-market": {
		users: []scenarioUser{
			{id: "seller-001", email: "ana@shop.example", name: "Ana", role: market.RoleSeller},
			{id: "seller-002", email: "bo@shop.example", name: "Bo", role: market.RoleSeller},
			{id: "buyer-001", email: "cy@buyers.example", name: "Cy", role: market.RoleBuyer, coins: []int{20}},
			{id: "buyer-002", email: "di@buyers.example", name: "Di", role: market.RoleBuyer, coins: []int{100, 50}},
		},
		products: []scenarioProduct{
			{seller: "seller-001", name: "Widget", cost: "9", stock: 10},
			{seller: "seller-001", name: "Gadget", cost: "15", stock: 5},
			{seller: "seller-002", name: "Sticker", cost: "0.5", stock: 200},
			{seller: "seller-002", name: "Poster", cost: "25", stock: 3},
		},
	},
	"scarce-stock": {
		users: []scenarioUser{
			{id: "seller-001", email: "ana@shop.example", name: "Ana", role: market.RoleSeller},
			{id: "buyer-001", email: "cy@buyers.example", name: "Cy", role: market.RoleBuyer, coins: []int{50}},
			{id: "buyer-002", email: "di@buyers.example", name: "Di", role: market.RoleBuyer, coins: []int{50}},
		},
		products: []scenarioProduct{
			{seller: "seller-001", name: "Limited Edition", cost: "40", stock: 1},
		},
	},
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Envelope{Message: "scenarios", Data: scenarios})
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, Envelope{Message: "current scenario", Data: s})
			return
		}
	}
	writeJSON(w, http.StatusOK, Envelope{Message: "no scenario loaded"})
}

// LoadScenario resets the store and seeds the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeBody(w, r, &req) {
		return
	}

	def, ok := scenarioDefs[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, market.KindValidation, "unknown scenario: "+req.ScenarioID, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.loadScenario(r.Context(), req.ScenarioID, def)
	if err != nil {
		h.currentScenario = ""
		h.writeMarketError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.InfoContext(r.Context(), "scenario loaded",
		"scenario", req.ScenarioID,
		"users", len(result.Users),
		"products", len(result.Products))
	writeJSON(w, http.StatusOK, Envelope{Message: "scenario loaded", Data: result})
}

func (h *Handler) loadScenario(ctx context.Context, id string, def scenarioDef) (ScenarioResultDTO, error) {
	if err := h.Store.Reset(ctx); err != nil {
		return ScenarioResultDTO{}, fmt.Errorf("reset: %w", err)
	}

	result := ScenarioResultDTO{Scenario: id}

	for _, su := range def.users {
		u, err := h.Market.RegisterUser(ctx, market.NewUser{
			ID:    su.id,
			Email: su.email,
			Name:  su.name,
			Role:  su.role,
		})
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		for _, coin := range su.coins {
			if u, err = h.Market.Credit(ctx, market.Buyer{ID: u.ID}, coin); err != nil {
				return ScenarioResultDTO{}, err
			}
		}
		result.Users = append(result.Users, toUserDTO(u))
	}

	for _, sp := range def.products {
		p, err := h.Market.CreateProduct(ctx, market.Seller{ID: sp.seller}, market.NewProduct{
			Name:     sp.name,
			UnitCost: decimal.RequireFromString(sp.cost),
			Stock:    sp.stock,
		})
		if err != nil {
			return ScenarioResultDTO{}, err
		}
		result.Products = append(result.Products, toProductDTO(p))
	}

	return result, nil
}
