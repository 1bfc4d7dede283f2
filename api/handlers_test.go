/*
handlers_test.go - HTTP tests for the marketplace API

Tests for:
- Identity headers and role checks
- Purchase receipts and error envelopes
- Coin deposits, balance and reset
- Seller-scoped product mutations
- Error kind to status mapping
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-market/market"
	"github.com/warp/coin-market/market/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testAPI struct {
	t      *testing.T
	router http.Handler
	engine *market.Market
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	engine := market.New(mem)
	h := NewHandler(engine, mem, nil)
	return &testAPI{t: t, router: NewRouter(h, RouterOptions{}), engine: engine}
}

type identity struct {
	id   string
	role string
}

var (
	anonymous = identity{}
	seller1   = identity{"seller-001", "seller"}
	seller2   = identity{"seller-002", "seller"}
	buyer1    = identity{"buyer-001", "buyer"}
	buyer2    = identity{"buyer-002", "buyer"}
)

type response struct {
	Status     int
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	Pagination *PaginationDTO  `json:"pagination"`
	Error      string          `json:"error"`
	Details    map[string]any  `json:"details"`
}

func (a *testAPI) do(who identity, method, path string, body any) response {
	a.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if who.id != "" {
		req.Header.Set(HeaderUserID, who.id)
		req.Header.Set(HeaderUserRole, who.role)
	}

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	var resp response
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &resp), "body: %s", rec.Body.String())
	resp.Status = rec.Code
	return resp
}

func decodeData[T any](t *testing.T, resp response) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

// seed loads the demo-market scenario and returns product ids by name.
func (a *testAPI) seed() map[string]string {
	a.t.Helper()
	resp := a.do(anonymous, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "demo-market"})
	require.Equal(a.t, http.StatusOK, resp.Status)

	result := decodeData[ScenarioResultDTO](a.t, resp)
	ids := make(map[string]string, len(result.Products))
	for _, p := range result.Products {
		ids[p.Name] = p.ID
	}
	return ids
}

// =============================================================================
// IDENTITY
// =============================================================================

func TestIdentity_MissingHeadersIsUnauthenticated(t *testing.T) {
	// GIVEN: A request without identity headers
	// WHEN: Calling any caller-scoped endpoint
	// THEN: 401 with kind "unauthenticated"
	api := newTestAPI(t)

	for _, path := range []string{"/api/coins", "/api/products", "/api/purchases"} {
		resp := api.do(anonymous, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Status, path)
		assert.Equal(t, "unauthenticated", resp.Error, path)
	}
}

func TestIdentity_UnknownRoleIsUnauthenticated(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(identity{"u1", "admin"}, http.MethodGet, "/api/products", nil)

	assert.Equal(t, http.StatusUnauthorized, resp.Status)
}

func TestIdentity_WrongRoleIsForbidden(t *testing.T) {
	// GIVEN: A seller
	// WHEN: Calling buyer endpoints
	// THEN: 403
	api := newTestAPI(t)
	api.seed()

	resp := api.do(seller1, http.MethodPost, "/api/coins", CreditRequest{CoinValue: 5})
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, market.KindForbidden, resp.Error)

	resp = api.do(buyer1, http.MethodPost, "/api/products", CreateProductRequest{Name: "x"})
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestPurchase_ReturnsReceipt(t *testing.T) {
	// GIVEN: buyer-001 with 20 coins, Widget at 9 with 10 in stock
	// WHEN: Buying 2 Widgets
	// THEN: 201, total 18, remaining balance 2, stock 8
	api := newTestAPI(t)
	ids := api.seed()

	resp := api.do(buyer1, http.MethodPost, "/api/purchases", []PurchaseLineRequest{
		{ProductID: ids["Widget"], Quantity: 2},
	})
	require.Equal(t, http.StatusCreated, resp.Status)

	receipt := decodeData[ReceiptDTO](t, resp)
	assert.True(t, decimal.NewFromInt(18).Equal(receipt.Purchase.TotalCost))
	assert.True(t, decimal.NewFromInt(2).Equal(receipt.RemainingBalance))
	require.Len(t, receipt.Purchase.Lines, 1)
	assert.Equal(t, "Widget", receipt.Purchase.Lines[0].ProductName)
	assert.Equal(t, 2, receipt.Purchase.Lines[0].Quantity)

	product := decodeData[ProductDTO](t, api.do(buyer1, http.MethodGet, "/api/products/"+ids["Widget"], nil))
	assert.Equal(t, 8, product.AmountRemaining)
}

func TestPurchase_InsufficientBalance(t *testing.T) {
	// GIVEN: buyer-001 with 20 coins
	// WHEN: Buying 2 Gadgets at 15 (total 30)
	// THEN: 422 with the shortfall in details, nothing changes
	api := newTestAPI(t)
	ids := api.seed()

	resp := api.do(buyer1, http.MethodPost, "/api/purchases", []PurchaseLineRequest{
		{ProductID: ids["Gadget"], Quantity: 2},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, market.KindInsufficientBalance, resp.Error)
	assert.Equal(t, "10", resp.Details["shortfall"])

	balance := decodeData[BalanceDTO](t, api.do(buyer1, http.MethodGet, "/api/coins", nil))
	assert.True(t, decimal.NewFromInt(20).Equal(balance.Balance))
}

func TestPurchase_InsufficientStock(t *testing.T) {
	api := newTestAPI(t)
	ids := api.seed()

	resp := api.do(buyer2, http.MethodPost, "/api/purchases", []PurchaseLineRequest{
		{ProductID: ids["Poster"], Quantity: 4},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, market.KindInsufficientStock, resp.Error)
	assert.EqualValues(t, 3, resp.Details["available"])
	assert.EqualValues(t, 4, resp.Details["requested"])
}

func TestPurchase_RejectsBadInput(t *testing.T) {
	api := newTestAPI(t)
	ids := api.seed()

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"empty lines", []PurchaseLineRequest{}, http.StatusBadRequest, market.KindValidation},
		{"zero quantity", []PurchaseLineRequest{{ProductID: ids["Widget"], Quantity: 0}}, http.StatusBadRequest, market.KindValidation},
		{"unknown product", []PurchaseLineRequest{{ProductID: "nope", Quantity: 1}}, http.StatusNotFound, market.KindNotFound},
		{"not an array", map[string]int{"quantity": 1}, http.StatusBadRequest, market.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := api.do(buyer1, http.MethodPost, "/api/purchases", tt.body)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.kind, resp.Error)
		})
	}
}

func TestPurchaseHistory_ScopedToBuyer(t *testing.T) {
	// GIVEN: buyer-001 made two purchases
	// WHEN: Listing history as buyer-001 and fetching one as buyer-002
	// THEN: buyer-001 sees both, newest first; buyer-002 gets 404
	api := newTestAPI(t)
	ids := api.seed()

	first := decodeData[ReceiptDTO](t, api.do(buyer1, http.MethodPost, "/api/purchases",
		[]PurchaseLineRequest{{ProductID: ids["Sticker"], Quantity: 2}}))
	second := decodeData[ReceiptDTO](t, api.do(buyer1, http.MethodPost, "/api/purchases",
		[]PurchaseLineRequest{{ProductID: ids["Widget"], Quantity: 1}}))

	resp := api.do(buyer1, http.MethodGet, "/api/purchases?per_page=1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	page := decodeData[[]PurchaseDTO](t, resp)
	require.Len(t, page, 1)
	assert.Equal(t, second.Purchase.ID, page[0].ID)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 2, resp.Pagination.TotalCount)
	assert.Equal(t, 2, resp.Pagination.TotalPages)

	resp = api.do(buyer1, http.MethodGet, "/api/purchases/"+first.Purchase.ID, nil)
	assert.Equal(t, http.StatusOK, resp.Status)

	resp = api.do(buyer2, http.MethodGet, "/api/purchases/"+first.Purchase.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestPagination_RejectsNonInteger(t *testing.T) {
	api := newTestAPI(t)
	api.seed()

	resp := api.do(buyer1, http.MethodGet, "/api/products?current_page=two", nil)

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, market.KindValidation, resp.Error)
}

// =============================================================================
// COINS
// =============================================================================

func TestCoins_CreditBalanceReset(t *testing.T) {
	// GIVEN: buyer-001 with 20 coins
	// WHEN: Depositing 5, then resetting
	// THEN: Balance is 25, then 0
	api := newTestAPI(t)
	api.seed()

	resp := api.do(buyer1, http.MethodPost, "/api/coins", CreditRequest{CoinValue: 5})
	require.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, decimal.NewFromInt(25).Equal(decodeData[BalanceDTO](t, resp).Balance))

	resp = api.do(buyer1, http.MethodPost, "/api/coins/reset", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, decodeData[BalanceDTO](t, resp).Balance.IsZero())

	resp = api.do(buyer1, http.MethodGet, "/api/coins", nil)
	assert.True(t, decodeData[BalanceDTO](t, resp).Balance.IsZero())
}

func TestCoins_RejectsInvalidDenomination(t *testing.T) {
	api := newTestAPI(t)
	api.seed()

	resp := api.do(buyer1, http.MethodPost, "/api/coins", CreditRequest{CoinValue: 15})

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, market.KindInvalidCoinValue, resp.Error)
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestProducts_SellerLifecycle(t *testing.T) {
	// GIVEN: Two sellers
	// WHEN: seller-001 creates a product and seller-002 tries to change it
	// THEN: seller-002 gets 404; the owner can update and delete it
	api := newTestAPI(t)
	api.seed()

	resp := api.do(seller1, http.MethodPost, "/api/products", CreateProductRequest{
		Name:            "Lamp",
		Cost:            decimal.RequireFromString("12.5"),
		AmountRemaining: 4,
		Images:          []string{"lamp.png"},
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	created := decodeData[ProductDTO](t, resp)
	assert.Equal(t, "seller-001", created.SellerID)
	assert.Equal(t, []string{"lamp.png"}, created.Images)

	stock := 9
	patch := UpdateProductRequest{AmountRemaining: &stock}

	resp = api.do(seller2, http.MethodPatch, "/api/products/"+created.ID, patch)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	resp = api.do(seller2, http.MethodDelete, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = api.do(seller1, http.MethodPatch, "/api/products/"+created.ID, patch)
	require.Equal(t, http.StatusOK, resp.Status)
	updated := decodeData[ProductDTO](t, resp)
	assert.Equal(t, 9, updated.AmountRemaining)
	assert.Equal(t, "Lamp", updated.Name)

	resp = api.do(seller1, http.MethodDelete, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	resp = api.do(buyer1, http.MethodGet, "/api/products/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestProducts_ListScopedForSellers(t *testing.T) {
	api := newTestAPI(t)
	api.seed()

	resp := api.do(seller2, http.MethodGet, "/api/products", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	for _, p := range decodeData[[]ProductDTO](t, resp) {
		assert.Equal(t, "seller-002", p.SellerID)
	}
	assert.Equal(t, 2, resp.Pagination.TotalCount)

	resp = api.do(buyer1, http.MethodGet, "/api/products", nil)
	assert.Equal(t, 4, resp.Pagination.TotalCount)
}

func TestProducts_EmptyPatchIsValidation(t *testing.T) {
	api := newTestAPI(t)
	ids := api.seed()

	resp := api.do(seller1, http.MethodPatch, "/api/products/"+ids["Widget"], map[string]any{})

	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

// =============================================================================
// USERS
// =============================================================================

func TestCreateUser(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(anonymous, http.MethodPost, "/api/users", CreateUserRequest{
		Email: " New@Buyers.Example ", Name: "New", Role: "buyer",
	})
	require.Equal(t, http.StatusCreated, resp.Status)
	u := decodeData[UserDTO](t, resp)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "new@buyers.example", u.Email)
	assert.Equal(t, "buyer", u.Role)

	resp = api.do(anonymous, http.MethodPost, "/api/users", CreateUserRequest{
		Email: "new@buyers.example", Name: "Again", Role: "buyer",
	})
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, market.KindAlreadyExists, resp.Error)

	resp = api.do(anonymous, http.MethodPost, "/api/users", CreateUserRequest{
		Email: "admin@example.com", Role: "admin",
	})
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

// =============================================================================
// STATUS MAPPING
// =============================================================================

// headerCounter records every WriteHeader call.
type headerCounter struct {
	*httptest.ResponseRecorder
	statuses []int
}

func (c *headerCounter) WriteHeader(status int) {
	c.statuses = append(c.statuses, status)
	c.ResponseRecorder.WriteHeader(status)
}

func TestTimeout_StatusWrittenOnce(t *testing.T) {
	// GIVEN: A handler that fails with the request's own deadline
	// WHEN: chi's Timeout middleware fires
	// THEN: Exactly one WriteHeader, with 504
	h := NewHandler(market.New(store.NewMemory()), store.NewMemory(), nil)

	r := chi.NewRouter()
	r.Use(middleware.Timeout(time.Millisecond))
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		h.writeMarketError(w, r, fmt.Errorf("purchase: %w", r.Context().Err()))
	})

	rec := &headerCounter{ResponseRecorder: httptest.NewRecorder()}
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))

	assert.Equal(t, []int{http.StatusGatewayTimeout}, rec.statuses)
}

func TestTimeout_EngineDeadlineStillReported(t *testing.T) {
	// GIVEN: A timeout error while the request context is still live
	// WHEN: Writing the error
	// THEN: The handler itself answers 504
	h := NewHandler(market.New(store.NewMemory()), store.NewMemory(), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.writeMarketError(rec, req, fmt.Errorf("tx: %w", context.DeadlineExceeded))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"timeout"`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&market.ValidationError{Message: "bad"}, http.StatusBadRequest},
		{&market.InvalidCoinValueError{Value: 3}, http.StatusBadRequest},
		{&market.RoleError{Required: market.RoleBuyer}, http.StatusForbidden},
		{market.ProductNotFound("p"), http.StatusNotFound},
		{&market.InsufficientStockError{}, http.StatusUnprocessableEntity},
		{market.NewInsufficientBalance("u", decimal.Zero, decimal.NewFromInt(1)), http.StatusUnprocessableEntity},
		{&market.ConflictError{Attempts: 4, Err: market.ErrConflict}, http.StatusConflict},
		{market.ErrAlreadyExists, http.StatusConflict},
		{fmt.Errorf("tx: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
