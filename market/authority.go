package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COIN VALUES
// =============================================================================

// CoinValue is a top-up denomination. Only the enumerated values are valid.
type CoinValue int

const (
	Coin5   CoinValue = 5
	Coin10  CoinValue = 10
	Coin20  CoinValue = 20
	Coin50  CoinValue = 50
	Coin100 CoinValue = 100
)

func CoinValues() []CoinValue {
	return []CoinValue{Coin5, Coin10, Coin20, Coin50, Coin100}
}

// ParseCoinValue accepts v only if it is one of CoinValues.
func ParseCoinValue(v int) (CoinValue, error) {
	for _, c := range CoinValues() {
		if int(c) == v {
			return c, nil
		}
	}
	return 0, &InvalidCoinValueError{Value: v}
}

func (c CoinValue) Amount() decimal.Decimal { return decimal.NewFromInt(int64(c)) }

// =============================================================================
// BALANCE AUTHORITY
// =============================================================================

// Authority owns every change to a buyer's coin balance.
//
// Authorize and Debit run inside a caller's transaction. Credit and Reset
// open their own.
type Authority struct {
	store Store
}

func NewAuthority(store Store) *Authority {
	return &Authority{store: store}
}

// Authorize locks the buyer row and checks the balance covers total.
func (a *Authority) Authorize(ctx context.Context, tx Tx, buyerID UserID, total decimal.Decimal) (User, error) {
	u, err := tx.GetUserForUpdate(ctx, buyerID)
	if err != nil {
		return User{}, err
	}
	if u.Role != RoleBuyer {
		return User{}, &RoleError{Required: RoleBuyer, Actual: u.Role}
	}
	if u.Balance.LessThan(total) {
		return User{}, NewInsufficientBalance(u.ID, u.Balance, total)
	}
	return u, nil
}

// Debit subtracts amount from the buyer's balance and returns the new balance.
// The store re-checks the balance under the same transaction.
func (a *Authority) Debit(ctx context.Context, tx Tx, buyerID UserID, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, &ValidationError{Field: "amount", Message: "debit amount must not be negative"}
	}
	if err := tx.UpdateUserBalance(ctx, buyerID, amount.Neg()); err != nil {
		return decimal.Zero, err
	}
	u, err := tx.GetUserForUpdate(ctx, buyerID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// Credit tops up the buyer's balance by one coin.
func (a *Authority) Credit(ctx context.Context, buyerID UserID, coin int) (User, error) {
	value, err := ParseCoinValue(coin)
	if err != nil {
		return User{}, err
	}

	var updated User
	err = a.store.WithTx(ctx, func(tx Tx) error {
		u, err := a.lockBuyer(ctx, tx, buyerID)
		if err != nil {
			return err
		}
		if err := tx.UpdateUserBalance(ctx, u.ID, value.Amount()); err != nil {
			return err
		}
		updated, err = tx.GetUserForUpdate(ctx, u.ID)
		return err
	})
	if err != nil {
		return User{}, err
	}
	return updated, nil
}

// Reset sets the buyer's balance to zero.
func (a *Authority) Reset(ctx context.Context, buyerID UserID) (User, error) {
	var updated User
	err := a.store.WithTx(ctx, func(tx Tx) error {
		u, err := a.lockBuyer(ctx, tx, buyerID)
		if err != nil {
			return err
		}
		if !u.Balance.IsZero() {
			if err := tx.UpdateUserBalance(ctx, u.ID, u.Balance.Neg()); err != nil {
				return err
			}
		}
		u.Balance = decimal.Zero
		updated = u
		return nil
	})
	if err != nil {
		return User{}, err
	}
	return updated, nil
}

// Balance reads the buyer without locking.
func (a *Authority) Balance(ctx context.Context, buyerID UserID) (User, error) {
	u, err := a.store.GetUser(ctx, buyerID)
	if err != nil {
		return User{}, err
	}
	if u.Role != RoleBuyer {
		return User{}, &RoleError{Required: RoleBuyer, Actual: u.Role}
	}
	return u, nil
}

func (a *Authority) lockBuyer(ctx context.Context, tx Tx, id UserID) (User, error) {
	u, err := tx.GetUserForUpdate(ctx, id)
	if err != nil {
		return User{}, fmt.Errorf("lock buyer: %w", err)
	}
	if u.Role != RoleBuyer {
		return User{}, &RoleError{Required: RoleBuyer, Actual: u.Role}
	}
	return u, nil
}
