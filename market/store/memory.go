// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/coin-market/market"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements market.Store in process memory.
//
// WithTx holds the write lock for the whole transaction, so every
// transaction has exclusive access to all rows. A snapshot taken at the start is restored if the
// transaction fails.
type Memory struct {
	mu        sync.RWMutex
	products  map[market.ProductID]market.Product
	users     map[market.UserID]market.User
	emails    map[string]market.UserID
	purchases map[market.PurchaseID]market.Purchase
	order     []market.PurchaseID // insertion order
}

var _ market.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		products:  make(map[market.ProductID]market.Product),
		users:     make(map[market.UserID]market.User),
		emails:    make(map[string]market.UserID),
		purchases: make(map[market.PurchaseID]market.Purchase),
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetProduct(_ context.Context, id market.ProductID) (market.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return market.Product{}, market.ProductNotFound(id)
	}
	return copyProduct(p), nil
}

func (m *Memory) ListProducts(_ context.Context, filter market.ProductFilter) ([]market.Product, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []market.Product
	for _, p := range m.products {
		if filter.SellerID != "" && p.SellerID != filter.SellerID {
			continue
		}
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	window := paginate(len(all), filter.Page)
	result := make([]market.Product, 0, window.size())
	for _, p := range all[window.from:window.to] {
		result = append(result, copyProduct(p))
	}
	return result, len(all), nil
}

func (m *Memory) GetUser(_ context.Context, id market.UserID) (market.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return market.User{}, market.UserNotFound(id)
	}
	return u, nil
}

func (m *Memory) GetPurchase(_ context.Context, id market.PurchaseID) (market.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return market.Purchase{}, market.PurchaseNotFound(id)
	}
	return copyPurchase(p), nil
}

// ListPurchases returns the buyer's purchases, newest first.
func (m *Memory) ListPurchases(_ context.Context, buyerID market.UserID, page market.Page) ([]market.Purchase, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var mine []market.Purchase
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.purchases[m.order[i]]
		if p.BuyerID == buyerID {
			mine = append(mine, p)
		}
	}
	sort.SliceStable(mine, func(i, j int) bool {
		return mine[i].CreatedAt.After(mine[j].CreatedAt)
	})

	window := paginate(len(mine), page)
	result := make([]market.Purchase, 0, window.size())
	for _, p := range mine[window.from:window.to] {
		result = append(result, copyPurchase(p))
	}
	return result, len(mine), nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.products = make(map[market.ProductID]market.Product)
	m.users = make(map[market.UserID]market.User)
	m.emails = make(map[string]market.UserID)
	m.purchases = make(map[market.PurchaseID]market.Purchase)
	m.order = nil
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(market.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.snapshot()
	view := &txView{parent: m}

	if err := fn(view); err != nil {
		m.restore(snapshot)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.restore(snapshot)
		return err
	}

	// Commit (already done via direct writes)
	return nil
}

type memorySnapshot struct {
	products  map[market.ProductID]market.Product
	users     map[market.UserID]market.User
	emails    map[string]market.UserID
	purchases map[market.PurchaseID]market.Purchase
	order     []market.PurchaseID
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		products:  make(map[market.ProductID]market.Product, len(m.products)),
		users:     make(map[market.UserID]market.User, len(m.users)),
		emails:    make(map[string]market.UserID, len(m.emails)),
		purchases: make(map[market.PurchaseID]market.Purchase, len(m.purchases)),
		order:     append([]market.PurchaseID(nil), m.order...),
	}
	for k, v := range m.products {
		s.products[k] = v
	}
	for k, v := range m.users {
		s.users[k] = v
	}
	for k, v := range m.emails {
		s.emails[k] = v
	}
	for k, v := range m.purchases {
		s.purchases[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.products = s.products
	m.users = s.users
	m.emails = s.emails
	m.purchases = s.purchases
	m.order = s.order
}

// txView operates on the parent's maps while WithTx holds the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) GetProductForUpdate(_ context.Context, id market.ProductID) (market.Product, error) {
	p, ok := tv.parent.products[id]
	if !ok {
		return market.Product{}, market.ProductNotFound(id)
	}
	return copyProduct(p), nil
}

func (tv *txView) GetUserForUpdate(_ context.Context, id market.UserID) (market.User, error) {
	u, ok := tv.parent.users[id]
	if !ok {
		return market.User{}, market.UserNotFound(id)
	}
	return u, nil
}

func (tv *txView) UpdateProductStock(_ context.Context, id market.ProductID, delta int) error {
	p, ok := tv.parent.products[id]
	if !ok {
		return market.ProductNotFound(id)
	}
	if p.Stock+delta < 0 {
		return &market.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
	}
	p.Stock += delta
	tv.parent.products[id] = p
	return nil
}

func (tv *txView) UpdateUserBalance(_ context.Context, id market.UserID, delta decimal.Decimal) error {
	u, ok := tv.parent.users[id]
	if !ok {
		return market.UserNotFound(id)
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return market.NewInsufficientBalance(id, u.Balance, delta.Neg())
	}
	u.Balance = next
	tv.parent.users[id] = u
	return nil
}

func (tv *txView) InsertPurchase(_ context.Context, p market.Purchase) error {
	if _, ok := tv.parent.purchases[p.ID]; ok {
		return fmt.Errorf("purchase %s: %w", p.ID, market.ErrAlreadyExists)
	}
	if _, ok := tv.parent.users[p.BuyerID]; !ok {
		return market.UserNotFound(p.BuyerID)
	}
	tv.parent.purchases[p.ID] = copyPurchase(p)
	tv.parent.order = append(tv.parent.order, p.ID)
	return nil
}

func (tv *txView) InsertProduct(_ context.Context, p market.Product) error {
	if _, ok := tv.parent.products[p.ID]; ok {
		return fmt.Errorf("product %s: %w", p.ID, market.ErrAlreadyExists)
	}
	if _, ok := tv.parent.users[p.SellerID]; !ok {
		return market.UserNotFound(p.SellerID)
	}
	tv.parent.products[p.ID] = copyProduct(p)
	return nil
}

func (tv *txView) UpdateProduct(_ context.Context, p market.Product) error {
	if _, ok := tv.parent.products[p.ID]; !ok {
		return market.ProductNotFound(p.ID)
	}
	tv.parent.products[p.ID] = copyProduct(p)
	return nil
}

func (tv *txView) DeleteProduct(_ context.Context, id market.ProductID) error {
	if _, ok := tv.parent.products[id]; !ok {
		return market.ProductNotFound(id)
	}
	delete(tv.parent.products, id)
	return nil
}

func (tv *txView) InsertUser(_ context.Context, u market.User) error {
	if _, ok := tv.parent.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, market.ErrAlreadyExists)
	}
	if _, ok := tv.parent.emails[u.Email]; ok {
		return fmt.Errorf("email %s: %w", u.Email, market.ErrAlreadyExists)
	}
	tv.parent.users[u.ID] = u
	tv.parent.emails[u.Email] = u.ID
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

type window struct{ from, to int }

func (w window) size() int { return w.to - w.from }

func paginate(total int, page market.Page) window {
	page = page.Normalize()
	from := page.Offset()
	if from > total {
		from = total
	}
	to := from + page.PerPage
	if to > total {
		to = total
	}
	return window{from: from, to: to}
}

func copyProduct(p market.Product) market.Product {
	p.Images = append([]string(nil), p.Images...)
	return p
}

func copyPurchase(p market.Purchase) market.Purchase {
	p.Lines = append([]market.PurchaseLine(nil), p.Lines...)
	return p
}
