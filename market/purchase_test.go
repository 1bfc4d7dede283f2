package market_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coin-market/market"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// PURCHASE SCENARIOS
// =============================================================================

func TestPurchase_ExactBalance(t *testing.T) {
	// GIVEN: Balance 18, product costing 9 with 150 in stock
	// WHEN: Buying 2
	// THEN: Total 18, balance 0, stock 148

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 9, 150)
		f.fund(t, f.buyer.ID, 18)

		receipt, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 2}})
		require.NoError(t, err)

		assert.True(t, receipt.Purchase.TotalCost.Equal(dec(18)), "total cost: %s", receipt.Purchase.TotalCost)
		assert.True(t, receipt.RemainingBalance.IsZero(), "remaining: %s", receipt.RemainingBalance)
		assert.Equal(t, f.buyer.ID, receipt.Purchase.BuyerID)
		require.Len(t, receipt.Purchase.Lines, 1)
		assert.Equal(t, p.ID, receipt.Purchase.Lines[0].ProductID)
		assert.Equal(t, p.Name, receipt.Purchase.Lines[0].ProductName)
		assert.Equal(t, 2, receipt.Purchase.Lines[0].Quantity)

		assert.True(t, f.balanceOf(t, f.buyer.ID).IsZero())
		assert.Equal(t, 148, f.stockOf(t, p.ID))
	})
}

func TestPurchase_InsufficientBalance(t *testing.T) {
	// GIVEN: Balance 5, product costing 9
	// WHEN: Buying 1
	// THEN: InsufficientBalanceError, stock and balance unchanged

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 9, 150)
		f.fund(t, f.buyer.ID, 5)

		_, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 1}})
		require.Error(t, err)

		var balErr *market.InsufficientBalanceError
		require.ErrorAs(t, err, &balErr)
		assert.True(t, balErr.Available.Equal(dec(5)))
		assert.True(t, balErr.Requested.Equal(dec(9)))
		assert.True(t, balErr.Shortfall.Equal(dec(4)))
		assert.Equal(t, market.KindInsufficientBalance, market.Kind(err))

		assert.Equal(t, 150, f.stockOf(t, p.ID))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(5)))
	})
}

func TestPurchase_MultiLineTotals(t *testing.T) {
	// GIVEN: Two products and enough balance
	// WHEN: Buying several of each
	// THEN: Total is the sum of line costs and each stock drops by its quantity

	forEachStore(t, func(t *testing.T, f *fixture) {
		a := f.product(t, 5, 10)
		b := f.product(t, 20, 3)
		f.fund(t, f.buyer.ID, 100)

		receipt, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{
			{ProductID: a.ID, Quantity: 4},
			{ProductID: b.ID, Quantity: 2},
		})
		require.NoError(t, err)

		sum := dec(0)
		for _, l := range receipt.Purchase.Lines {
			assert.True(t, l.LineCost.Equal(l.UnitCost.Mul(dec(int64(l.Quantity)))))
			sum = sum.Add(l.LineCost)
		}
		assert.True(t, sum.Equal(receipt.Purchase.TotalCost))
		assert.True(t, receipt.Purchase.TotalCost.Equal(dec(60)))
		assert.True(t, receipt.RemainingBalance.Equal(dec(40)))

		assert.Equal(t, 6, f.stockOf(t, a.ID))
		assert.Equal(t, 1, f.stockOf(t, b.ID))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(40)))

		// Lines keep request order
		assert.Equal(t, a.ID, receipt.Purchase.Lines[0].ProductID)
		assert.Equal(t, b.ID, receipt.Purchase.Lines[1].ProductID)
	})
}

// =============================================================================
// BOUNDARIES
// =============================================================================

func TestPurchase_QuantityEqualToStock(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 1, 7)
		f.fund(t, f.buyer.ID, 100)

		_, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 7}})
		require.NoError(t, err)
		assert.Equal(t, 0, f.stockOf(t, p.ID))
	})
}

func TestPurchase_QuantityAboveStock(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 1, 7)
		f.fund(t, f.buyer.ID, 100)

		_, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 8}})
		require.Error(t, err)

		var stockErr *market.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, p.ID, stockErr.ProductID)
		assert.Equal(t, 8, stockErr.Requested)
		assert.Equal(t, 7, stockErr.Available)

		assert.Equal(t, 7, f.stockOf(t, p.ID))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(100)))
	})
}

func TestPurchase_DuplicateLinesAreSummed(t *testing.T) {
	// GIVEN: Stock 1
	// WHEN: The same product appears on two lines of quantity 1
	// THEN: InsufficientStockError for the summed quantity, no oversell

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 1, 1)
		f.fund(t, f.buyer.ID, 10)

		_, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{
			{ProductID: p.ID, Quantity: 1},
			{ProductID: p.ID, Quantity: 1},
		})
		var stockErr *market.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		assert.Equal(t, 2, stockErr.Requested)
		assert.Equal(t, 1, f.stockOf(t, p.ID))
	})
}

func TestPurchase_HugeDuplicateQuantitiesDoNotWrap(t *testing.T) {
	// GIVEN: A free product
	// WHEN: Duplicate lines whose quantities would wrap an int when summed
	// THEN: InsufficientStockError, stock and history unchanged

	tests := []struct {
		name  string
		stock int
		lines []int
	}{
		{"sum wraps to a small positive", 1, []int{math.MaxInt, math.MaxInt, 3}},
		{"sum wraps negative", 0, []int{math.MaxInt, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, f *fixture) {
				p := f.product(t, 0, tt.stock)

				lines := make([]market.LineRequest, len(tt.lines))
				for i, q := range tt.lines {
					lines[i] = market.LineRequest{ProductID: p.ID, Quantity: q}
				}

				_, err := f.engine.Purchase(f.ctx, f.buyer, lines)
				var stockErr *market.InsufficientStockError
				require.ErrorAs(t, err, &stockErr)
				assert.Equal(t, math.MaxInt, stockErr.Requested)
				assert.Equal(t, tt.stock, stockErr.Available)

				assert.Equal(t, tt.stock, f.stockOf(t, p.ID))
				history, err := f.engine.ListPurchases(f.ctx, f.buyer, market.Page{})
				require.NoError(t, err)
				assert.Zero(t, history.Info.TotalCount)
			})
		})
	}
}

// =============================================================================
// FAILURES LEAVE NO TRACE
// =============================================================================

func TestPurchase_FailuresLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name  string
		lines func(ok, scarce market.ProductID) []market.LineRequest
		want  error
	}{
		{
			name:  "empty request",
			lines: func(_, _ market.ProductID) []market.LineRequest { return nil },
			want:  market.ErrValidation,
		},
		{
			name: "zero quantity",
			lines: func(ok, _ market.ProductID) []market.LineRequest {
				return []market.LineRequest{{ProductID: ok, Quantity: 0}}
			},
			want: market.ErrInvalidQuantity,
		},
		{
			name: "negative quantity",
			lines: func(ok, _ market.ProductID) []market.LineRequest {
				return []market.LineRequest{{ProductID: ok, Quantity: -3}}
			},
			want: market.ErrInvalidQuantity,
		},
		{
			name: "unknown product after a valid line",
			lines: func(ok, _ market.ProductID) []market.LineRequest {
				return []market.LineRequest{{ProductID: ok, Quantity: 1}, {ProductID: "missing", Quantity: 1}}
			},
			want: market.ErrProductNotFound,
		},
		{
			name: "second line out of stock",
			lines: func(ok, scarce market.ProductID) []market.LineRequest {
				return []market.LineRequest{{ProductID: ok, Quantity: 1}, {ProductID: scarce, Quantity: 3}}
			},
			want: market.ErrInsufficientStock,
		},
		{
			name: "total above balance",
			lines: func(ok, _ market.ProductID) []market.LineRequest {
				return []market.LineRequest{{ProductID: ok, Quantity: 9}}
			},
			want: market.ErrInsufficientBalance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forEachStore(t, func(t *testing.T, f *fixture) {
				ok := f.product(t, 5, 10)
				scarce := f.product(t, 5, 2)
				f.fund(t, f.buyer.ID, 40)

				_, err := f.engine.Purchase(f.ctx, f.buyer, tt.lines(ok.ID, scarce.ID))
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.want)
				assert.True(t, market.IsClientError(err))

				assert.Equal(t, 10, f.stockOf(t, ok.ID))
				assert.Equal(t, 2, f.stockOf(t, scarce.ID))
				assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(40)))

				history, err := f.engine.ListPurchases(f.ctx, f.buyer, market.Page{})
				require.NoError(t, err)
				assert.Empty(t, history.Purchases)
			})
		})
	}
}

func TestPurchase_UnknownBuyer(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 1, 1)

		_, err := f.engine.Purchase(f.ctx, market.Buyer{ID: "ghost"}, []market.LineRequest{{ProductID: p.ID, Quantity: 1}})
		assert.ErrorIs(t, err, market.ErrUserNotFound)
		assert.Equal(t, 1, f.stockOf(t, p.ID))
	})
}

func TestPurchase_SellerCannotBuy(t *testing.T) {
	// GIVEN: A caller claiming the buyer role whose stored role is seller
	// THEN: Forbidden, nothing written

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 1, 1)

		_, err := f.engine.Purchase(f.ctx, market.Buyer{ID: f.seller.ID}, []market.LineRequest{{ProductID: p.ID, Quantity: 1}})
		assert.ErrorIs(t, err, market.ErrForbiddenRole)
		assert.Equal(t, 1, f.stockOf(t, p.ID))
	})
}

func TestPurchase_CancelledContextCommitsNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 1, 5)
		f.fund(t, f.buyer.ID, 10)

		ctx, cancel := context.WithCancel(f.ctx)
		cancel()

		_, err := f.engine.Purchase(ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 1}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, market.KindTimeout, market.Kind(err))

		assert.Equal(t, 5, f.stockOf(t, p.ID))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(10)))
	})
}

// cancelAfterInsert cancels the request context once the purchase row has
// been written, so the deadline fires between the last write and commit.
type cancelAfterInsert struct {
	market.Store
	cancel context.CancelFunc
}

func (s *cancelAfterInsert) WithTx(ctx context.Context, fn func(market.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx market.Tx) error {
		return fn(&cancellingTx{Tx: tx, cancel: s.cancel})
	})
}

type cancellingTx struct {
	market.Tx
	cancel context.CancelFunc
}

func (tx *cancellingTx) InsertPurchase(ctx context.Context, p market.Purchase) error {
	if err := tx.Tx.InsertPurchase(ctx, p); err != nil {
		return err
	}
	tx.cancel()
	return nil
}

func TestPurchase_CancelledBeforeCommitRollsBack(t *testing.T) {
	// GIVEN: A purchase whose context is cancelled after every write succeeded
	// WHEN: The transaction reaches commit
	// THEN: It rolls back: stock, balance and history are unchanged

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 2, 5)
		f.fund(t, f.buyer.ID, 10)

		ctx, cancel := context.WithCancel(f.ctx)
		defer cancel()
		engine := market.New(&cancelAfterInsert{Store: f.store, cancel: cancel})

		_, err := engine.Purchase(ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 3}})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, market.KindTimeout, market.Kind(err))

		assert.Equal(t, 5, f.stockOf(t, p.ID))
		assert.True(t, f.balanceOf(t, f.buyer.ID).Equal(dec(10)))
		history, err := f.engine.ListPurchases(f.ctx, f.buyer, market.Page{})
		require.NoError(t, err)
		assert.Zero(t, history.Info.TotalCount)
	})
}

func TestStore_CancelledBeforeCommitRollsBack(t *testing.T) {
	// GIVEN: A transaction body that writes, cancels its context and succeeds
	// WHEN: The store reaches commit
	// THEN: The store itself refuses to commit

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 2, 5)

		ctx, cancel := context.WithCancel(f.ctx)
		defer cancel()
		err := f.store.WithTx(ctx, func(tx market.Tx) error {
			if err := tx.UpdateProductStock(ctx, p.ID, -5); err != nil {
				return err
			}
			cancel()
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 5, f.stockOf(t, p.ID))
	})
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestPurchase_ConcurrentLastUnit(t *testing.T) {
	// GIVEN: One unit left and several funded buyers
	// WHEN: All buy it at once
	// THEN: Exactly one succeeds, the rest fail with stock or conflict, stock is 0

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 3, 1)

		const buyers = 8
		ids := make([]market.UserID, buyers)
		for i := range ids {
			ids[i] = f.user(t, market.RoleBuyer).ID
			f.fund(t, ids[i], 10)
		}

		var (
			mu        sync.Mutex
			successes int
			failures  []error
		)
		var g errgroup.Group
		for _, id := range ids {
			g.Go(func() error {
				_, err := f.engine.Purchase(f.ctx, market.Buyer{ID: id}, []market.LineRequest{{ProductID: p.ID, Quantity: 1}})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					successes++
				} else {
					failures = append(failures, err)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, 1, successes)
		for _, err := range failures {
			kind := market.Kind(err)
			assert.Contains(t, []string{market.KindInsufficientStock, market.KindConflict}, kind, "unexpected: %v", err)
		}
		assert.Equal(t, 0, f.stockOf(t, p.ID))

		spent := dec(0)
		for _, id := range ids {
			spent = spent.Add(dec(10).Sub(f.balanceOf(t, id)))
		}
		assert.True(t, spent.Equal(dec(3)), "spent: %s", spent)
	})
}

func TestPurchase_ConcurrentSameBuyerNeverOverdraws(t *testing.T) {
	// GIVEN: Balance for exactly 4 units, plenty of stock
	// WHEN: 10 concurrent single-unit purchases by the same buyer
	// THEN: 4 succeed, balance 0, stock drops by 4

	forEachStore(t, func(t *testing.T, f *fixture) {
		p := f.product(t, 5, 100)
		f.fund(t, f.buyer.ID, 20)

		var ok atomicCounter
		var g errgroup.Group
		for range 10 {
			g.Go(func() error {
				_, err := f.engine.Purchase(f.ctx, f.buyer, []market.LineRequest{{ProductID: p.ID, Quantity: 1}})
				if err == nil {
					ok.inc()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, 4, ok.get())
		assert.True(t, f.balanceOf(t, f.buyer.ID).IsZero())
		assert.Equal(t, 96, f.stockOf(t, p.ID))
	})
}

type atomicCounter struct {
	mu sync.Mutex
	n  int
}

func (c *atomicCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *atomicCounter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
