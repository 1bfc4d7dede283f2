package market

import (
	"context"
	"net/mail"
	"strings"

	"github.com/shopspring/decimal"
)

// ListPurchases pages through the buyer's purchases, newest first.
func (m *Market) ListPurchases(ctx context.Context, buyer Buyer, page Page) (PurchasePage, error) {
	page = page.Normalize()
	purchases, total, err := m.store.ListPurchases(ctx, buyer.ID, page)
	if err != nil {
		return PurchasePage{}, err
	}
	return PurchasePage{Purchases: purchases, Info: newPageInfo(page, total)}, nil
}

// GetPurchase returns one of the buyer's purchases. Another buyer's purchase
// is reported as not found.
func (m *Market) GetPurchase(ctx context.Context, buyer Buyer, id PurchaseID) (Purchase, error) {
	p, err := m.store.GetPurchase(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if p.BuyerID != buyer.ID {
		return Purchase{}, PurchaseNotFound(id)
	}
	return p, nil
}

// RegisterUser stores a new buyer or seller with a zero balance. Credentials
// live with the identity provider, not here.
func (m *Market) RegisterUser(ctx context.Context, nu NewUser) (User, error) {
	if nu.Role != RoleBuyer && nu.Role != RoleSeller {
		return User{}, &ValidationError{Field: "role", Message: "must be buyer or seller"}
	}
	email := strings.ToLower(strings.TrimSpace(nu.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, &ValidationError{Field: "email", Message: "invalid email address"}
	}

	u := User{
		ID:        nu.ID,
		Email:     email,
		Name:      strings.TrimSpace(nu.Name),
		Role:      nu.Role,
		Balance:   decimal.Zero,
		CreatedAt: m.now(),
	}
	if u.ID == "" {
		u.ID = UserID(m.newID())
	}

	err := m.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertUser(ctx, u)
	})
	if err != nil {
		return User{}, err
	}

	m.logger.InfoContext(ctx, "user registered", "user_id", u.ID, "role", u.Role.String())
	return u, nil
}
