/*
inventory.go - Seller-facing product operations

OWNERSHIP POLICY:
  Every mutation is scoped to the acting seller. Updating or deleting a
  product that belongs to another seller fails with ErrProductNotFound, not
  with a forbidden error, so a seller cannot probe another catalogue for
  ids. The same rule applies when a seller reads a single product.

  Buyers may read every product. Only sellers may create, update or delete.
*/
package market

import (
	"context"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Limits shared by every store. Costs are whole cents below 10^18 and stock
// fits a 32-bit integer column.
const (
	MaxStock     = math.MaxInt32
	MaxCostScale = 2
)

// MaxUnitCost is the exclusive upper bound for a product's unit cost.
var MaxUnitCost = decimal.New(1, 18)

// CreateProduct lists a new product owned by seller.
func (m *Market) CreateProduct(ctx context.Context, seller Seller, np NewProduct) (Product, error) {
	if err := validateNewProduct(np); err != nil {
		return Product{}, err
	}

	now := m.now()
	p := Product{
		ID:        ProductID(m.newID()),
		SellerID:  seller.ID,
		Name:      strings.TrimSpace(np.Name),
		UnitCost:  np.UnitCost,
		Stock:     np.Stock,
		Images:    append([]string(nil), np.Images...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := m.retryOnConflict(ctx, "create_product", func() error {
		return m.store.WithTx(ctx, func(tx Tx) error {
			u, err := tx.GetUserForUpdate(ctx, seller.ID)
			if err != nil {
				return err
			}
			if u.Role != RoleSeller {
				return &RoleError{Required: RoleSeller, Actual: u.Role}
			}
			return tx.InsertProduct(ctx, p)
		})
	})
	if err != nil {
		return Product{}, err
	}

	m.logger.InfoContext(ctx, "product created", "product_id", p.ID, "seller_id", seller.ID)
	return p, nil
}

// UpdateProduct applies patch to a product the seller owns.
func (m *Market) UpdateProduct(ctx context.Context, seller Seller, id ProductID, patch ProductPatch) (Product, error) {
	if err := validatePatch(patch); err != nil {
		return Product{}, err
	}

	var updated Product
	err := m.retryOnConflict(ctx, "update_product", func() error {
		return m.store.WithTx(ctx, func(tx Tx) error {
			p, err := m.ownedProduct(ctx, tx, seller, id)
			if err != nil {
				return err
			}
			updated = patch.Apply(p)
			updated.Name = strings.TrimSpace(updated.Name)
			updated.UpdatedAt = m.now()
			return tx.UpdateProduct(ctx, updated)
		})
	})
	if err != nil {
		return Product{}, err
	}

	m.logger.InfoContext(ctx, "product updated", "product_id", id, "seller_id", seller.ID)
	return updated, nil
}

// DeleteProduct removes a product the seller owns. Purchases that include it
// keep their snapshot lines.
func (m *Market) DeleteProduct(ctx context.Context, seller Seller, id ProductID) error {
	err := m.retryOnConflict(ctx, "delete_product", func() error {
		return m.store.WithTx(ctx, func(tx Tx) error {
			if _, err := m.ownedProduct(ctx, tx, seller, id); err != nil {
				return err
			}
			return tx.DeleteProduct(ctx, id)
		})
	})
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "product deleted", "product_id", id, "seller_id", seller.ID)
	return nil
}

// GetProduct returns a product visible to caller.
func (m *Market) GetProduct(ctx context.Context, caller Caller, id ProductID) (Product, error) {
	if caller.Role == RoleUnknown {
		return Product{}, &RoleError{Required: RoleBuyer, Actual: caller.Role}
	}
	p, err := m.store.GetProduct(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if caller.Role == RoleSeller && p.SellerID != caller.ID {
		return Product{}, ProductNotFound(id)
	}
	return p, nil
}

// ListProducts pages through the products visible to caller: a seller's own
// catalogue, or everything for buyers.
func (m *Market) ListProducts(ctx context.Context, caller Caller, page Page) (ProductPage, error) {
	if caller.Role == RoleUnknown {
		return ProductPage{}, &RoleError{Required: RoleBuyer, Actual: caller.Role}
	}
	page = page.Normalize()

	filter := ProductFilter{Page: page}
	if caller.Role == RoleSeller {
		filter.SellerID = caller.ID
	}

	products, total, err := m.store.ListProducts(ctx, filter)
	if err != nil {
		return ProductPage{}, err
	}
	return ProductPage{Products: products, Info: newPageInfo(page, total)}, nil
}

func (m *Market) ownedProduct(ctx context.Context, tx Tx, seller Seller, id ProductID) (Product, error) {
	p, err := tx.GetProductForUpdate(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if !seller.Owns(p) {
		return Product{}, ProductNotFound(id)
	}
	return p, nil
}

func validateNewProduct(np NewProduct) error {
	if strings.TrimSpace(np.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if err := validateCost(np.UnitCost); err != nil {
		return err
	}
	return validateStock(np.Stock)
}

func validatePatch(p ProductPatch) error {
	if p.IsEmpty() {
		return &ValidationError{Message: "patch has no fields to update"}
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if p.UnitCost != nil {
		if err := validateCost(*p.UnitCost); err != nil {
			return err
		}
	}
	if p.Stock != nil {
		return validateStock(*p.Stock)
	}
	return nil
}

func validateCost(c decimal.Decimal) error {
	switch {
	case c.IsNegative():
		return &ValidationError{Field: "cost", Message: "must not be negative"}
	case !c.Equal(c.Round(MaxCostScale)):
		return &ValidationError{Field: "cost", Message: "must have at most 2 decimal places"}
	case c.GreaterThanOrEqual(MaxUnitCost):
		return &ValidationError{Field: "cost", Message: "is too large"}
	}
	return nil
}

func validateStock(n int) error {
	switch {
	case n < 0:
		return &ValidationError{Field: "amount_remaining", Message: "must not be negative"}
	case n > MaxStock:
		return &ValidationError{Field: "amount_remaining", Message: "must not exceed 2147483647"}
	}
	return nil
}
