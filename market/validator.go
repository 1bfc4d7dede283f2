/*
validator.go - Pricing & stock validation

PURPOSE:
  Resolves each requested line to a product, checks the product exists and
  has enough stock, and prices the request. It mutates nothing.

CONSISTENT SNAPSHOT:
  Products are read with GetProductForUpdate, so every row the quote is based
  on stays locked until the surrounding transaction ends. Stock cannot move
  between this read and the commit.

LOCK ORDER:
  Distinct products are locked in ascending id order. Two multi-line
  purchases over the same products always acquire locks in the same order
  and cannot deadlock on each other.

DUPLICATE LINES:
  The same product may appear on several lines. Quantities are summed per
  product before comparing against stock, so [{p,1},{p,1}] against stock 1
  fails instead of overselling. Lines are admitted one at a time against the
  remaining stock, so huge quantities cannot wrap the sum around.
*/
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Quote is the validator's result: priced lines and their total.
type Quote struct {
	BuyerID   UserID
	Lines     []PurchaseLine
	TotalCost decimal.Decimal
}

// Quantities returns the total requested quantity per product, keyed in the
// same ascending order used for locking. Validate bounds every total by the
// product's stock.
func (q Quote) Quantities() ([]ProductID, map[ProductID]int) {
	return aggregate(q.Lines)
}

type Validator struct{}

func NewValidator() *Validator { return &Validator{} }

// CheckShape validates the request without touching the store.
func (v *Validator) CheckShape(lines []LineRequest) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "lines", Message: "at least one line is required"}
	}
	for i, l := range lines {
		if l.ProductID == "" {
			return &ValidationError{Field: fmt.Sprintf("lines[%d].product_id", i), Message: "must not be empty"}
		}
		if l.Quantity <= 0 {
			return &InvalidQuantityError{ProductID: l.ProductID, Quantity: l.Quantity}
		}
	}
	return nil
}

// Validate resolves and prices lines inside tx.
func (v *Validator) Validate(ctx context.Context, tx Tx, buyerID UserID, lines []LineRequest) (Quote, error) {
	if err := v.CheckShape(lines); err != nil {
		return Quote{}, err
	}

	ids := make([]ProductID, 0, len(lines))
	seen := make(map[ProductID]bool, len(lines))
	for _, l := range lines {
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			ids = append(ids, l.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products := make(map[ProductID]Product, len(ids))
	missing := make(map[ProductID]error)
	for _, id := range ids {
		p, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				missing[id] = err
				continue
			}
			return Quote{}, err
		}
		products[id] = p
	}

	// Every line is checked against the stock left after the earlier lines
	// for the same product, so the running total never exceeds stock and
	// cannot overflow.
	taken := make(map[ProductID]int, len(ids))
	quote := Quote{BuyerID: buyerID, Lines: make([]PurchaseLine, 0, len(lines)), TotalCost: decimal.Zero}
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return Quote{}, missing[l.ProductID]
		}
		if l.Quantity > p.Stock-taken[p.ID] {
			return Quote{}, &InsufficientStockError{
				ProductID: p.ID,
				Requested: requestedTotal(lines, p.ID),
				Available: p.Stock,
			}
		}
		taken[p.ID] += l.Quantity

		cost := p.UnitCost.Mul(decimal.NewFromInt(int64(l.Quantity)))
		quote.Lines = append(quote.Lines, PurchaseLine{
			ProductID:   p.ID,
			ProductName: p.Name,
			UnitCost:    p.UnitCost,
			Quantity:    l.Quantity,
			LineCost:    cost,
		})
		quote.TotalCost = quote.TotalCost.Add(cost)
	}

	return quote, nil
}

// requestedTotal sums the quantities asked for id, saturating at MaxInt.
func requestedTotal(lines []LineRequest, id ProductID) int {
	total := 0
	for _, l := range lines {
		if l.ProductID != id {
			continue
		}
		if l.Quantity > math.MaxInt-total {
			return math.MaxInt
		}
		total += l.Quantity
	}
	return total
}

func aggregate(lines []PurchaseLine) ([]ProductID, map[ProductID]int) {
	qty := make(map[ProductID]int, len(lines))
	for _, l := range lines {
		qty[l.ProductID] += l.Quantity
	}
	ids := make([]ProductID, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, qty
}
