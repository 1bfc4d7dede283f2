/*
errors.go - Centralized error types for the purchase engine

PURPOSE:
  Every failure the engine can report has a stable, named kind. Callers
  (the HTTP adapter, tests, other services) branch on kinds with errors.Is
  and read details with errors.As. Nothing in this package panics or
  downgrades an error on the way out.

ERROR CATEGORIES:
  1. Validation    - malformed or empty input, non-positive quantities
  2. Not found     - product, user or purchase absent (or not owned)
  3. Business rule - insufficient stock, insufficient balance, bad coin
  4. Conflict      - lock conflict still present after the bounded retry
  5. Role          - caller holds the wrong role for the operation

USAGE:
  if errors.Is(err, market.ErrNotFound) { ... }

  var stockErr *market.InsufficientStockError
  if errors.As(err, &stockErr) {
      fmt.Println(stockErr.Available)
  }

SEE ALSO:
  - purchase.go: Conflict retry loop
  - api/handlers.go: Kind to HTTP status mapping
*/
package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrInvalidQuantity is a validation error: quantities must be positive.
	ErrInvalidQuantity = fmt.Errorf("invalid quantity: %w", ErrValidation)

	ErrNotFound         = errors.New("not found")
	ErrProductNotFound  = fmt.Errorf("product %w", ErrNotFound)
	ErrUserNotFound     = fmt.Errorf("user %w", ErrNotFound)
	ErrPurchaseNotFound = fmt.Errorf("purchase %w", ErrNotFound)

	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidCoinValue    = errors.New("invalid coin value")

	// ErrConflict is returned by stores when a lock or serialization conflict
	// aborted the transaction. The coordinator may retry it.
	ErrConflict = errors.New("concurrent modification conflict")

	ErrForbiddenRole = errors.New("operation not allowed for role")

	// ErrAlreadyExists is returned when inserting a record whose id or
	// unique key is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidQuantityError names the offending line.
type InvalidQuantityError struct {
	ProductID ProductID
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity %d for product %s: must be greater than zero", e.Quantity, e.ProductID)
}

func (e *InvalidQuantityError) Unwrap() error { return ErrInvalidQuantity }

// NotFoundError wraps one of the *NotFound sentinels with the missing id.
type NotFoundError struct {
	Kind error
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Kind }

func ProductNotFound(id ProductID) error {
	return &NotFoundError{Kind: ErrProductNotFound, ID: string(id)}
}

func UserNotFound(id UserID) error {
	return &NotFoundError{Kind: ErrUserNotFound, ID: string(id)}
}

func PurchaseNotFound(id PurchaseID) error {
	return &NotFoundError{Kind: ErrPurchaseNotFound, ID: string(id)}
}

// InsufficientStockError reports how much was asked for and how much remains.
type InsufficientStockError struct {
	ProductID ProductID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %d, requested %d",
		e.ProductID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func NewInsufficientBalance(id UserID, available, requested decimal.Decimal) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		UserID:    id,
		Available: available,
		Requested: requested,
		Shortfall: requested.Sub(available),
	}
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %v, requested %v, shortfall %v",
		e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type InvalidCoinValueError struct {
	Value int
}

func (e *InvalidCoinValueError) Error() string {
	return fmt.Sprintf("invalid coin value %d: must be one of %v", e.Value, CoinValues())
}

func (e *InvalidCoinValueError) Unwrap() error { return ErrInvalidCoinValue }

// ConflictError is returned once the bounded retry gave up.
type ConflictError struct {
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction aborted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrConflict, e.Err} }

type RoleError struct {
	Required Role
	Actual   Role
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("operation requires role %s, caller has %s", e.Required, e.Actual)
}

func (e *RoleError) Unwrap() error { return ErrForbiddenRole }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Stable kind names, used by the transport layer and in logs.
const (
	KindValidation          = "validation"
	KindNotFound            = "not_found"
	KindInsufficientStock   = "insufficient_stock"
	KindInsufficientBalance = "insufficient_balance"
	KindInvalidCoinValue    = "invalid_coin_value"
	KindConflict            = "conflict"
	KindForbidden           = "forbidden"
	KindAlreadyExists       = "already_exists"
	KindTimeout             = "timeout"
	KindInternal            = "internal"
)

// Kind classifies err into one of the stable kind names.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrInvalidCoinValue):
		return KindInvalidCoinValue
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrForbiddenRole):
		return KindForbidden
	case errors.Is(err, ErrAlreadyExists):
		return KindAlreadyExists
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	default:
		return KindInternal
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the caller's input or state.
func IsClientError(err error) bool {
	switch Kind(err) {
	case KindValidation, KindNotFound, KindInsufficientStock,
		KindInsufficientBalance, KindInvalidCoinValue, KindForbidden, KindAlreadyExists:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
