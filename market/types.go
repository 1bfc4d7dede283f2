/*
Package market provides the coin marketplace purchase engine.

PURPOSE:
  Sellers list products with finite stock. Buyers hold a coin balance and
  spend it on products. The engine turns a buyer's list of (product, quantity)
  requests into exactly one of two outcomes: a committed, immutable Purchase
  with the stock and balance changes applied, or a typed error with nothing
  changed at all.

KEY CONCEPTS IN THIS FILE (types.go):
  - Product:      Seller-owned item with unit cost and remaining stock
  - User:         Buyer or seller; buyers carry a coin balance
  - Purchase:     Immutable receipt made of PurchaseLines (snapshots)
  - Caller/Role:  Already-authenticated identity handed in by the transport
  - Patch types:  Explicit per-field updates instead of free-form payloads

INVARIANTS:
  1. Product.Stock >= 0 and User.Balance >= 0, always
  2. Purchase.TotalCost == sum(Line.LineCost)
  3. A Purchase is never updated or deleted once written

SEE ALSO:
  - purchase.go:  The transaction coordinator
  - validator.go: Pricing and stock checks
  - authority.go: Balance checks, debits and coin top-ups
  - store.go:     Ledger store interfaces
*/
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type UserID string
type PurchaseID string

// =============================================================================
// ROLES & CALLERS
// =============================================================================

// Role is the closed set of marketplace roles.
type Role int

const (
	RoleUnknown Role = iota
	RoleBuyer
	RoleSeller
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	default:
		return "unknown"
	}
}

// ParseRole maps a wire name to a Role. Unknown names yield RoleUnknown.
func ParseRole(s string) Role {
	switch s {
	case "buyer", "Buyer":
		return RoleBuyer
	case "seller", "Seller":
		return RoleSeller
	default:
		return RoleUnknown
	}
}

// Caller is an already-authenticated identity. The engine performs no
// credential checks; it only narrows the caller to the role an operation needs.
type Caller struct {
	ID   UserID
	Role Role
}

// Buyer is a Caller proven to hold RoleBuyer.
type Buyer struct{ ID UserID }

// Seller is a Caller proven to hold RoleSeller.
type Seller struct{ ID UserID }

// AsBuyer narrows the caller to a Buyer.
func (c Caller) AsBuyer() (Buyer, error) {
	if c.ID == "" || c.Role != RoleBuyer {
		return Buyer{}, &RoleError{Required: RoleBuyer, Actual: c.Role}
	}
	return Buyer{ID: c.ID}, nil
}

// AsSeller narrows the caller to a Seller.
func (c Caller) AsSeller() (Seller, error) {
	if c.ID == "" || c.Role != RoleSeller {
		return Seller{}, &RoleError{Required: RoleSeller, Actual: c.Role}
	}
	return Seller{ID: c.ID}, nil
}

// Owns reports whether the seller owns p.
func (s Seller) Owns(p Product) bool {
	return p.SellerID == s.ID
}

// =============================================================================
// ENTITIES
// =============================================================================

type Product struct {
	ID        ProductID
	SellerID  UserID
	Name      string
	UnitCost  decimal.Decimal
	Stock     int
	Images    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type User struct {
	ID        UserID
	Email     string
	Name      string
	Role      Role
	Balance   decimal.Decimal
	CreatedAt time.Time
}

// PurchaseLine snapshots the product at purchase time. It is not a live
// reference: the product may later change price or disappear entirely.
type PurchaseLine struct {
	ProductID   ProductID
	ProductName string
	UnitCost    decimal.Decimal
	Quantity    int
	LineCost    decimal.Decimal
}

type Purchase struct {
	ID        PurchaseID
	BuyerID   UserID
	TotalCost decimal.Decimal
	Lines     []PurchaseLine
	CreatedAt time.Time
}

// Receipt is what a successful purchase returns to the caller.
type Receipt struct {
	Purchase         Purchase
	RemainingBalance decimal.Decimal
}

// =============================================================================
// INPUTS
// =============================================================================

// LineRequest is one requested (product, quantity) pair.
type LineRequest struct {
	ProductID ProductID
	Quantity  int
}

type NewProduct struct {
	Name     string
	UnitCost decimal.Decimal
	Stock    int
	Images   []string
}

// ProductPatch lists exactly the fields a seller may change. A nil field is
// left untouched.
type ProductPatch struct {
	Name     *string
	UnitCost *decimal.Decimal
	Stock    *int
	Images   *[]string
}

func (p ProductPatch) IsEmpty() bool {
	return p.Name == nil && p.UnitCost == nil && p.Stock == nil && p.Images == nil
}

// Apply returns a copy of prod with the patch applied.
func (p ProductPatch) Apply(prod Product) Product {
	if p.Name != nil {
		prod.Name = *p.Name
	}
	if p.UnitCost != nil {
		prod.UnitCost = *p.UnitCost
	}
	if p.Stock != nil {
		prod.Stock = *p.Stock
	}
	if p.Images != nil {
		prod.Images = append([]string(nil), (*p.Images)...)
	}
	return prod
}

type NewUser struct {
	ID    UserID // optional; generated when empty
	Email string
	Name  string
	Role  Role
}

// =============================================================================
// PAGINATION
// =============================================================================

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

type Page struct {
	PerPage     int
	CurrentPage int
}

// Normalize fills defaults and clamps out-of-range values.
func (p Page) Normalize() Page {
	if p.PerPage <= 0 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	if p.CurrentPage <= 0 {
		p.CurrentPage = 1
	}
	return p
}

func (p Page) Offset() int { return (p.CurrentPage - 1) * p.PerPage }

// PageInfo is the pagination block returned alongside a page of results.
type PageInfo struct {
	PerPage     int
	CurrentPage int
	TotalCount  int
	TotalPages  int
}

func newPageInfo(p Page, total int) PageInfo {
	pages := 0
	if total > 0 {
		pages = (total + p.PerPage - 1) / p.PerPage
	}
	return PageInfo{PerPage: p.PerPage, CurrentPage: p.CurrentPage, TotalCount: total, TotalPages: pages}
}

type ProductPage struct {
	Products []Product
	Info     PageInfo
}

type PurchasePage struct {
	Purchases []Purchase
	Info      PageInfo
}

// ProductFilter narrows ListProducts. An empty SellerID lists every product.
type ProductFilter struct {
	SellerID UserID
	Page     Page
}
