package market_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-market/market"
)

func TestParseCoinValue(t *testing.T) {
	for _, c := range market.CoinValues() {
		got, err := market.ParseCoinValue(int(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	for _, bad := range []int{0, 1, 15, 25, -5, 1000} {
		_, err := market.ParseCoinValue(bad)
		var coinErr *market.InvalidCoinValueError
		require.ErrorAs(t, err, &coinErr, "value %d", bad)
		assert.Equal(t, bad, coinErr.Value)
	}
}

func TestCredit_ValidCoin(t *testing.T) {
	// GIVEN: A buyer with balance 0
	// WHEN: Crediting a 20 coin
	// THEN: Balance is 20

	forEachStore(t, func(t *testing.T, f *fixture) {
		u, err := f.engine.Credit(f.ctx, f.buyer, 20)
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(dec(20)))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(20)))
	})
}

func TestCredit_InvalidCoin(t *testing.T) {
	// GIVEN: A buyer with balance 20
	// WHEN: Crediting 15
	// THEN: InvalidCoinValueError, balance unchanged

	forEachStore(t, func(t *testing.T, f *fixture) {
		_, err := f.engine.Credit(f.ctx, f.buyer, 20)
		require.NoError(t, err)

		_, err = f.engine.Credit(f.ctx, f.buyer, 15)
		assert.ErrorIs(t, err, market.ErrInvalidCoinValue)
		assert.Equal(t, market.KindInvalidCoinValue, market.Kind(err))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(20)))
	})
}

func TestCredit_Accumulates(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		for _, coin := range []int{5, 10, 50, 100} {
			_, err := f.engine.Credit(f.ctx, f.buyer, coin)
			require.NoError(t, err)
		}
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(165)))
	})
}

func TestCredit_UnknownBuyer(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		_, err := f.engine.Credit(f.ctx, market.Buyer{ID: "ghost"}, 10)
		assert.ErrorIs(t, err, market.ErrUserNotFound)
		assert.True(t, market.IsNotFound(err))
	})
}

func TestCredit_SellerRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		_, err := f.engine.Credit(f.ctx, market.Buyer{ID: f.seller.ID}, 10)
		assert.ErrorIs(t, err, market.ErrForbiddenRole)
	})
}

func TestResetBalance(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.fund(t, f.buyer.ID, 35)

		u, err := f.engine.ResetBalance(f.ctx, f.buyer)
		require.NoError(t, err)
		assert.True(t, u.Balance.IsZero())
		assert.True(t, f.balanceOf(t, f.buyer.ID).IsZero())

		// Resetting a zero balance is a no-op
		_, err = f.engine.ResetBalance(f.ctx, f.buyer)
		require.NoError(t, err)
	})
}

func TestBalance(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		f.fund(t, f.buyer.ID, 12)

		u, err := f.engine.Balance(f.ctx, f.buyer)
		require.NoError(t, err)
		assert.True(t, u.Balance.Equal(dec(12)))

		_, err = f.engine.Balance(f.ctx, market.Buyer{ID: f.seller.ID})
		assert.ErrorIs(t, err, market.ErrForbiddenRole)
	})
}

func TestAuthority_DebitRechecksBalance(t *testing.T) {
	// GIVEN: Balance 10
	// WHEN: Debiting 11 directly, skipping Authorize
	// THEN: The store guard rejects it with InsufficientBalanceError

	forEachStore(t, func(t *testing.T, f *fixture) {
		f.fund(t, f.buyer.ID, 10)
		authority := market.NewAuthority(f.store)

		err := f.store.WithTx(f.ctx, func(tx market.Tx) error {
			_, err := authority.Debit(f.ctx, tx, f.buyer.ID, dec(11))
			return err
		})
		assert.ErrorIs(t, err, market.ErrInsufficientBalance)
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(10)))

		err = f.store.WithTx(f.ctx, func(tx market.Tx) error {
			remaining, err := authority.Debit(f.ctx, tx, f.buyer.ID, dec(10))
			assert.True(t, remaining.IsZero())
			return err
		})
		require.NoError(t, err)
	})
}

func TestAuthority_DebitRejectsNegativeAmount(t *testing.T) {
	f := newFixture(t, storeFactories["memory"](t))
	authority := market.NewAuthority(f.store)

	err := f.store.WithTx(f.ctx, func(tx market.Tx) error {
		_, err := authority.Debit(f.ctx, tx, f.buyer.ID, dec(-5))
		return err
	})
	assert.ErrorIs(t, err, market.ErrValidation)
}
