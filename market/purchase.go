/*
purchase.go - Purchase transaction coordinator

PURPOSE:
  Turns a buyer's requested lines into a committed Purchase, or into a typed
  error with no side effects. This is the only place stock and balance are
  spent.

ALGORITHM (one transaction):
  1. Validator resolves lines, checks stock, prices the request
  2. Authority locks the buyer and checks the balance covers the total
  3. Debit the buyer by the total
  4. Decrement each product's stock by its requested quantity
  5. Insert the Purchase with snapshot lines
  6. Commit

  Any error in 1-5 returns from the WithTx callback, which rolls the
  transaction back: no partial debit, no partial decrement, no orphan
  Purchase.

CONFLICTS:
  A transaction aborted by a lock conflict (ErrConflict) is re-run from
  step 1, at most maxConflictRetries times. Business failures are returned
  as-is on the first attempt.

CANCELLATION:
  The context reaches every store call. A context that expires before
  commit makes the callback fail, which rolls back.
*/
package market

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Purchase buys lines for buyer atomically.
func (m *Market) Purchase(ctx context.Context, buyer Buyer, lines []LineRequest) (Receipt, error) {
	ctx, span := m.tracer.Start(ctx, "market.Purchase", trace.WithAttributes(
		attribute.String("buyer.id", string(buyer.ID)),
		attribute.Int("purchase.lines", len(lines)),
	))
	defer span.End()

	if err := m.validator.CheckShape(lines); err != nil {
		span.SetStatus(codes.Error, Kind(err))
		return Receipt{}, err
	}

	var receipt Receipt
	err := m.retryOnConflict(ctx, "purchase", func() error {
		return m.store.WithTx(ctx, func(tx Tx) error {
			r, err := m.purchaseTx(ctx, tx, buyer.ID, lines)
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			receipt = r
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		if IsClientError(err) {
			m.logger.InfoContext(ctx, "purchase rejected",
				"buyer_id", buyer.ID, "kind", Kind(err), "error", err)
		} else {
			m.logger.ErrorContext(ctx, "purchase failed",
				"buyer_id", buyer.ID, "kind", Kind(err), "error", err)
		}
		return Receipt{}, err
	}

	span.SetAttributes(
		attribute.String("purchase.id", string(receipt.Purchase.ID)),
		attribute.String("purchase.total_cost", receipt.Purchase.TotalCost.String()),
	)
	m.logger.InfoContext(ctx, "purchase committed",
		"purchase_id", receipt.Purchase.ID,
		"buyer_id", buyer.ID,
		"total_cost", receipt.Purchase.TotalCost.String(),
		"remaining_balance", receipt.RemainingBalance.String(),
	)
	return receipt, nil
}

func (m *Market) purchaseTx(ctx context.Context, tx Tx, buyerID UserID, lines []LineRequest) (Receipt, error) {
	quote, err := m.validator.Validate(ctx, tx, buyerID, lines)
	if err != nil {
		return Receipt{}, err
	}

	if _, err := m.authority.Authorize(ctx, tx, buyerID, quote.TotalCost); err != nil {
		return Receipt{}, err
	}

	remaining, err := m.authority.Debit(ctx, tx, buyerID, quote.TotalCost)
	if err != nil {
		return Receipt{}, err
	}

	ids, qty := quote.Quantities()
	for _, id := range ids {
		if err := tx.UpdateProductStock(ctx, id, -qty[id]); err != nil {
			return Receipt{}, err
		}
	}

	purchase := Purchase{
		ID:        PurchaseID(m.newID()),
		BuyerID:   buyerID,
		TotalCost: quote.TotalCost,
		Lines:     quote.Lines,
		CreatedAt: m.now(),
	}
	if err := tx.InsertPurchase(ctx, purchase); err != nil {
		return Receipt{}, err
	}

	return Receipt{Purchase: purchase, RemainingBalance: remaining}, nil
}

// =============================================================================
// COIN TOP-UP
// =============================================================================

// Credit adds one coin of the given value to the buyer's balance.
func (m *Market) Credit(ctx context.Context, buyer Buyer, coin int) (User, error) {
	ctx, span := m.tracer.Start(ctx, "market.Credit", trace.WithAttributes(
		attribute.String("buyer.id", string(buyer.ID)),
		attribute.Int("coin.value", coin),
	))
	defer span.End()

	var u User
	err := m.retryOnConflict(ctx, "credit", func() error {
		var err error
		u, err = m.authority.Credit(ctx, buyer.ID, coin)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		return User{}, err
	}

	m.logger.InfoContext(ctx, "coins credited",
		"buyer_id", buyer.ID, "coin", coin, "balance", u.Balance.String())
	return u, nil
}

// Balance returns the buyer's coin balance.
func (m *Market) Balance(ctx context.Context, buyer Buyer) (User, error) {
	return m.authority.Balance(ctx, buyer.ID)
}

// ResetBalance sets the buyer's balance to zero.
func (m *Market) ResetBalance(ctx context.Context, buyer Buyer) (User, error) {
	var u User
	err := m.retryOnConflict(ctx, "reset", func() error {
		var err error
		u, err = m.authority.Reset(ctx, buyer.ID)
		return err
	})
	if err != nil {
		return User{}, err
	}
	m.logger.InfoContext(ctx, "balance reset", "buyer_id", buyer.ID)
	return u, nil
}
