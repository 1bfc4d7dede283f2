/*
handlers.go - HTTP API handlers for the coin marketplace

PURPOSE:
  Exposes the purchase engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to market.Market.

ENDPOINTS:
  Purchases (buyer):
    POST   /api/purchases              Buy a list of product lines
    GET    /api/purchases              Purchase history, newest first
    GET    /api/purchases/{id}         One purchase

  Coins (buyer):
    POST   /api/coins                  Deposit one coin {"coin_value": 20}
    GET    /api/coins                  Current balance
    POST   /api/coins/reset            Set balance to zero

  Products:
    GET    /api/products               List (sellers see their own)
    GET    /api/products/{id}          Get one
    POST   /api/products               Create (seller)
    PATCH  /api/products/{id}          Update (owning seller)
    DELETE /api/products/{id}          Delete (owning seller)

  Users:
    POST   /api/users                  Register a buyer or seller

IDENTITY:
  Authentication happens upstream. The gateway forwards the caller as
  X-User-ID and X-User-Role headers; a request without them gets 401.

ERROR HANDLING:
  Errors are returned as {"error": kind, "message": text} where kind is one
  of the stable market.Kind names:
  - 400: validation, invalid_coin_value
  - 401: unauthenticated
  - 403: forbidden
  - 404: not_found
  - 409: conflict, already_exists
  - 422: insufficient_stock, insufficient_balance
  - 504: timeout (written by the Timeout middleware when the request
         deadline fired)
  - 500: internal

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/coin-market/market"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	kindUnauthenticated = "unauthenticated"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all stored data. Every store implementation provides it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Market *market.Market
	Store  Resetter
	Logger *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over engine. store is used by the demo
// scenarios to wipe data before seeding.
func NewHandler(engine *market.Market, store Resetter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{Market: engine, Store: store, Logger: logger}
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// Purchase buys the requested lines atomically.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.buyer(w, r)
	if !ok {
		return
	}

	var req []PurchaseLineRequest
	if !decodeBody(w, r, &req) {
		return
	}

	lines := make([]market.LineRequest, len(req))
	for i, l := range req {
		lines[i] = market.LineRequest{ProductID: market.ProductID(l.ProductID), Quantity: l.Quantity}
	}

	receipt, err := h.Market.Purchase(r.Context(), buyer, lines)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, Envelope{
		Message: "purchase completed",
		Data: ReceiptDTO{
			Purchase:         toPurchaseDTO(receipt.Purchase),
			RemainingBalance: receipt.RemainingBalance,
		},
	})
}

// ListPurchases returns the buyer's purchase history.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.buyer(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}

	result, err := h.Market.ListPurchases(r.Context(), buyer, page)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}

	dtos := make([]PurchaseDTO, len(result.Purchases))
	for i, p := range result.Purchases {
		dtos[i] = toPurchaseDTO(p)
	}
	writeJSON(w, http.StatusOK, Envelope{
		Message:    "purchases",
		Data:       dtos,
		Pagination: toPaginationDTO(result.Info),
	})
}

// GetPurchase returns one of the buyer's purchases.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.buyer(w, r)
	if !ok {
		return
	}

	p, err := h.Market.GetPurchase(r.Context(), buyer, market.PurchaseID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Message: "purchase", Data: toPurchaseDTO(p)})
}

// =============================================================================
// COIN HANDLERS
// =============================================================================

// Credit deposits one coin.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.buyer(w, r)
	if !ok {
		return
	}

	var req CreditRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.Market.Credit(r.Context(), buyer, req.CoinValue)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Message: "coins deposited",
		Data:    BalanceDTO{UserID: string(u.ID), Balance: u.Balance},
	})
}

// GetBalance returns the buyer's balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.buyer(w, r)
	if !ok {
		return
	}

	u, err := h.Market.Balance(r.Context(), buyer)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Message: "balance",
		Data:    BalanceDTO{UserID: string(u.ID), Balance: u.Balance},
	})
}

// ResetBalance sets the buyer's balance to zero.
func (h *Handler) ResetBalance(w http.ResponseWriter, r *http.Request) {
	buyer, ok := h.buyer(w, r)
	if !ok {
		return
	}

	u, err := h.Market.ResetBalance(r.Context(), buyer)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{
		Message: "balance reset",
		Data:    BalanceDTO{UserID: string(u.ID), Balance: u.Balance},
	})
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns the products visible to the caller.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrUnauthorized(w, r)
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}

	result, err := h.Market.ListProducts(r.Context(), caller, page)
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}

	dtos := make([]ProductDTO, len(result.Products))
	for i, p := range result.Products {
		dtos[i] = toProductDTO(p)
	}
	writeJSON(w, http.StatusOK, Envelope{
		Message:    "products",
		Data:       dtos,
		Pagination: toPaginationDTO(result.Info),
	})
}

// GetProduct returns one product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOrUnauthorized(w, r)
	if !ok {
		return
	}

	p, err := h.Market.GetProduct(r.Context(), caller, market.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Message: "product", Data: toProductDTO(p)})
}

// CreateProduct lists a new product for the calling seller.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}

	var req CreateProductRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.Market.CreateProduct(r.Context(), seller, market.NewProduct{
		Name:     req.Name,
		UnitCost: req.Cost,
		Stock:    req.AmountRemaining,
		Images:   req.Images,
	})
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Envelope{Message: "product created", Data: toProductDTO(p)})
}

// UpdateProduct patches a product the calling seller owns.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}

	var req UpdateProductRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.Market.UpdateProduct(r.Context(), seller, market.ProductID(chi.URLParam(r, "id")), req.toPatch())
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Message: "product updated", Data: toProductDTO(p)})
}

// DeleteProduct removes a product the calling seller owns.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	seller, ok := h.seller(w, r)
	if !ok {
		return
	}

	if err := h.Market.DeleteProduct(r.Context(), seller, market.ProductID(chi.URLParam(r, "id"))); err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Message: "product deleted"})
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// CreateUser registers a buyer or seller.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.Market.RegisterUser(r.Context(), market.NewUser{
		ID:    market.UserID(req.ID),
		Email: req.Email,
		Name:  req.Name,
		Role:  market.ParseRole(req.Role),
	})
	if err != nil {
		h.writeMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Envelope{Message: "user created", Data: toUserDTO(u)})
}

// =============================================================================
// IDENTITY
// =============================================================================

var errMissingIdentity = errors.New("missing or invalid caller identity")

// callerFromRequest reads the identity headers set by the gateway.
func callerFromRequest(r *http.Request) (market.Caller, error) {
	id := r.Header.Get(HeaderUserID)
	role := market.ParseRole(r.Header.Get(HeaderUserRole))
	if id == "" || role == market.RoleUnknown {
		return market.Caller{}, errMissingIdentity
	}
	return market.Caller{ID: market.UserID(id), Role: role}, nil
}

func callerOrUnauthorized(w http.ResponseWriter, r *http.Request) (market.Caller, bool) {
	caller, err := callerFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, kindUnauthenticated, err.Error(), nil)
		return market.Caller{}, false
	}
	return caller, true
}

func (h *Handler) buyer(w http.ResponseWriter, r *http.Request) (market.Buyer, bool) {
	caller, ok := callerOrUnauthorized(w, r)
	if !ok {
		return market.Buyer{}, false
	}
	buyer, err := caller.AsBuyer()
	if err != nil {
		h.writeMarketError(w, r, err)
		return market.Buyer{}, false
	}
	return buyer, true
}

func (h *Handler) seller(w http.ResponseWriter, r *http.Request) (market.Seller, bool) {
	caller, ok := callerOrUnauthorized(w, r)
	if !ok {
		return market.Seller{}, false
	}
	seller, err := caller.AsSeller()
	if err != nil {
		h.writeMarketError(w, r, err)
		return market.Seller{}, false
	}
	return seller, true
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string, details any) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: message, Details: details})
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	switch market.Kind(err) {
	case market.KindValidation, market.KindInvalidCoinValue:
		return http.StatusBadRequest
	case market.KindForbidden:
		return http.StatusForbidden
	case market.KindNotFound:
		return http.StatusNotFound
	case market.KindConflict, market.KindAlreadyExists:
		return http.StatusConflict
	case market.KindInsufficientStock, market.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case market.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeMarketError(w http.ResponseWriter, r *http.Request, err error) {
	// Once the request context is done, the Timeout middleware writes the
	// 504 (or the client is gone).
	if market.Kind(err) == market.KindTimeout && r.Context().Err() != nil {
		h.Logger.WarnContext(r.Context(), "request deadline exceeded",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		return
	}

	status := statusFor(err)
	kind := market.Kind(err)
	message := err.Error()

	if status == http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		// Internal details stay in the log.
		message = "internal error"
	}

	writeError(w, status, kind, message, errorDetails(err))
}

// errorDetails exposes the structured fields of business errors.
func errorDetails(err error) any {
	var (
		stock   *market.InsufficientStockError
		balance *market.InsufficientBalanceError
		field   *market.ValidationError
	)
	switch {
	case errors.As(err, &stock):
		return map[string]any{
			"product_id": stock.ProductID,
			"requested":  stock.Requested,
			"available":  stock.Available,
		}
	case errors.As(err, &balance):
		return map[string]any{
			"available": balance.Available,
			"requested": balance.Requested,
			"shortfall": balance.Shortfall,
		}
	case errors.As(err, &field) && field.Field != "":
		return map[string]any{"field": field.Field}
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, market.KindValidation, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

func parsePage(w http.ResponseWriter, r *http.Request) (market.Page, bool) {
	var page market.Page
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"per_page", &page.PerPage},
		{"current_page", &page.CurrentPage},
	} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, market.KindValidation, p.name+" must be an integer", nil)
			return market.Page{}, false
		}
		*p.dst = n
	}
	return page, true
}
