/*
store.go - Ledger store interfaces

PURPOSE:
  Defines the boundary between the purchase engine and durable storage.
  The engine never talks to a database directly; it asks the Store for a
  transaction and performs every read and write of one purchase through the
  Tx handle it receives.

KEY INTERFACES:
  Store: Non-locking reads plus WithTx
  Tx:    Locking reads and guarded writes inside one transaction

LOCKING CONTRACT:
  GetProductForUpdate and GetUserForUpdate lock the row until the
  transaction ends. Two transactions touching the same product or buyer
  serialise on that lock, so the read of stock/balance and the write that
  follows are atomic relative to each other.

GUARDED WRITES:
  UpdateProductStock and UpdateUserBalance refuse to drive stock or balance
  below zero and return InsufficientStockError / InsufficientBalanceError.
  This is the last line of defence; the validator and authority check first.

CONFLICTS:
  When the database aborts a transaction because of a lock or serialization
  conflict, the store returns an error wrapping ErrConflict.

IMMUTABLE PURCHASES:
  There is InsertPurchase and nothing else. No update, no delete.

IMPLEMENTATIONS:
  - market/store/memory.go:  In-memory (tests, demo)
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres:          PostgreSQL (SELECT ... FOR UPDATE)
*/
package market

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the Ledger Store collaborator.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	GetProduct(ctx context.Context, id ProductID) (Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, int, error)
	GetUser(ctx context.Context, id UserID) (User, error)
	GetPurchase(ctx context.Context, id PurchaseID) (Purchase, error)
	ListPurchases(ctx context.Context, buyerID UserID, page Page) ([]Purchase, int, error)
}

// Tx is a transaction handle. Every method participates in the same
// transaction; none of them may be used after WithTx returns.
type Tx interface {
	GetProductForUpdate(ctx context.Context, id ProductID) (Product, error)
	GetUserForUpdate(ctx context.Context, id UserID) (User, error)

	// UpdateProductStock adds delta to the product's stock.
	UpdateProductStock(ctx context.Context, id ProductID, delta int) error

	// UpdateUserBalance adds delta to the user's balance.
	UpdateUserBalance(ctx context.Context, id UserID, delta decimal.Decimal) error

	InsertPurchase(ctx context.Context, p Purchase) error

	InsertProduct(ctx context.Context, p Product) error
	UpdateProduct(ctx context.Context, p Product) error
	DeleteProduct(ctx context.Context, id ProductID) error
	InsertUser(ctx context.Context, u User) error
}
