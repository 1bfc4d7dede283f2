/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the market model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - Envelope / ErrorResponse: wrappers around every response

MONEY:
  Amounts are decimal.Decimal and serialise as JSON strings ("18", "2.5").
  Requests accept either a string or a bare number.

SEE ALSO:
  - handlers.go: Uses these types
  - market/types.go: Model types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-market/market"
)

// =============================================================================
// ENVELOPES
// =============================================================================

// Envelope wraps every successful response.
type Envelope struct {
	Message    string         `json:"message"`
	Data       any            `json:"data,omitempty"`
	Pagination *PaginationDTO `json:"pagination,omitempty"`
}

// ErrorResponse is the standard error response. Error is a stable kind name.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationDTO struct {
	PerPage     int `json:"per_page"`
	CurrentPage int `json:"current_page"`
	TotalCount  int `json:"total_count"`
	TotalPages  int `json:"total_pages"`
}

func toPaginationDTO(info market.PageInfo) *PaginationDTO {
	return &PaginationDTO{
		PerPage:     info.PerPage,
		CurrentPage: info.CurrentPage,
		TotalCount:  info.TotalCount,
		TotalPages:  info.TotalPages,
	}
}

// =============================================================================
// PURCHASES
// =============================================================================

// PurchaseLineRequest is one element of the POST /api/purchases body.
type PurchaseLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type PurchaseLineDTO struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Quantity    int             `json:"quantity"`
	LineCost    decimal.Decimal `json:"line_cost"`
}

type PurchaseDTO struct {
	ID        string            `json:"id"`
	BuyerID   string            `json:"buyer_id"`
	TotalCost decimal.Decimal   `json:"total_cost"`
	Lines     []PurchaseLineDTO `json:"lines"`
	CreatedAt string            `json:"created_at"`
}

type ReceiptDTO struct {
	Purchase         PurchaseDTO     `json:"purchase"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

func toPurchaseDTO(p market.Purchase) PurchaseDTO {
	lines := make([]PurchaseLineDTO, len(p.Lines))
	for i, l := range p.Lines {
		lines[i] = PurchaseLineDTO{
			ProductID:   string(l.ProductID),
			ProductName: l.ProductName,
			UnitCost:    l.UnitCost,
			Quantity:    l.Quantity,
			LineCost:    l.LineCost,
		}
	}
	return PurchaseDTO{
		ID:        string(p.ID),
		BuyerID:   string(p.BuyerID),
		TotalCost: p.TotalCost,
		Lines:     lines,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// COINS
// =============================================================================

type CreditRequest struct {
	CoinValue int `json:"coin_value"`
}

type BalanceDTO struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	ID              string          `json:"id"`
	SellerID        string          `json:"seller_id"`
	Name            string          `json:"name"`
	Cost            decimal.Decimal `json:"cost"`
	AmountRemaining int             `json:"amount_remaining"`
	Images          []string        `json:"images"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type CreateProductRequest struct {
	Name            string          `json:"name"`
	Cost            decimal.Decimal `json:"cost"`
	AmountRemaining int             `json:"amount_remaining"`
	Images          []string        `json:"images"`
}

// UpdateProductRequest carries only the fields to change. Absent fields are
// left untouched.
type UpdateProductRequest struct {
	Name            *string          `json:"name"`
	Cost            *decimal.Decimal `json:"cost"`
	AmountRemaining *int             `json:"amount_remaining"`
	Images          *[]string        `json:"images"`
}

func (r UpdateProductRequest) toPatch() market.ProductPatch {
	return market.ProductPatch{
		Name:     r.Name,
		UnitCost: r.Cost,
		Stock:    r.AmountRemaining,
		Images:   r.Images,
	}
}

func toProductDTO(p market.Product) ProductDTO {
	images := p.Images
	if images == nil {
		images = []string{}
	}
	return ProductDTO{
		ID:              string(p.ID),
		SellerID:        string(p.SellerID),
		Name:            p.Name,
		Cost:            p.UnitCost,
		AmountRemaining: p.Stock,
		Images:          images,
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// USERS
// =============================================================================

type CreateUserRequest struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type UserDTO struct {
	ID        string          `json:"id"`
	Email     string          `json:"email"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt string          `json:"created_at"`
}

func toUserDTO(u market.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role.String(),
		Balance:   u.Balance,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ScenarioResultDTO lists what a scenario created, so callers can pick ids.
type ScenarioResultDTO struct {
	Scenario string       `json:"scenario"`
	Users    []UserDTO    `json:"users"`
	Products []ProductDTO `json:"products"`
}
