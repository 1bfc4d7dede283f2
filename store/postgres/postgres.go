/*
Package postgres provides a PostgreSQL-backed implementation of market.Store.

LOCKING:
  Transactions run at READ COMMITTED. "ForUpdate" reads use
  SELECT ... FOR UPDATE, so a product or buyer row read by the validator or
  the authority stays locked until commit or rollback. The engine acquires
  product locks in ascending id order and the buyer lock last, so two
  purchases never wait on each other in a cycle. A deadlock or
  serialization failure detected by the server surfaces as
  market.ErrConflict.

GUARDED WRITES:
  Stock and balance updates carry their own non-negative predicate
  (WHERE stock + $1 >= 0), backed by CHECK constraints. A guarded update
  that touches no row is reported as InsufficientStockError or
  InsufficientBalanceError, never written.

MONEY:
  Amounts are NUMERIC in the database and decimal.Decimal in Go. They cross
  the wire as text (balance::text, $1::numeric) so no precision is lost.

SEE ALSO:
  - market/store.go: Interface definitions
  - store/sqlite: SQLite implementation
  - migrations/: goose migrations applied by Migrate
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/coin-market/market"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn can start transactions. *pgxpool.Pool satisfies it.
type Conn interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store implements market.Store on PostgreSQL.
type Store struct {
	conn  Conn
	close func()
}

var _ market.Store = (*Store)(nil)

// New connects a pool to databaseURL.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{conn: pool, close: pool.Close}, nil
}

// NewWithConn wraps an existing connection or pool. The caller owns it.
func NewWithConn(conn Conn) *Store {
	return &Store{conn: conn, close: func() {}}
}

func (s *Store) Close() error {
	s.close()
	return nil
}

// =============================================================================
// READS
// =============================================================================

const (
	productColumns  = `id, seller_id, name, unit_cost::text, stock, images, created_at, updated_at`
	userColumns     = `id, email, name, role, balance::text, created_at`
	purchaseColumns = `id, buyer_id, total_cost::text, created_at`
)

func (s *Store) GetProduct(ctx context.Context, id market.ProductID) (market.Product, error) {
	return getProduct(ctx, s.conn, id, false)
}

func (s *Store) ListProducts(ctx context.Context, filter market.ProductFilter) ([]market.Product, int, error) {
	page := filter.Page.Normalize()
	seller := string(filter.SellerID)

	var total int
	err := s.conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM products WHERE ($1::text = '' OR seller_id = $1)`, seller,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", mapError(err))
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1::text = '' OR seller_id = $1)
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3
	`, seller, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", mapError(err))
	}
	defer rows.Close()

	var products []market.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return products, total, nil
}

func (s *Store) GetUser(ctx context.Context, id market.UserID) (market.User, error) {
	return getUser(ctx, s.conn, id, false)
}

func (s *Store) GetPurchase(ctx context.Context, id market.PurchaseID) (market.Purchase, error) {
	p, err := scanPurchase(s.conn.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Purchase{}, market.PurchaseNotFound(id)
	}
	if err != nil {
		return market.Purchase{}, fmt.Errorf("failed to get purchase: %w", mapError(err))
	}

	lines, err := loadLines(ctx, s.conn, []string{string(id)})
	if err != nil {
		return market.Purchase{}, err
	}
	p.Lines = lines[p.ID]
	return p, nil
}

// ListPurchases returns the buyer's purchases, newest first.
func (s *Store) ListPurchases(ctx context.Context, buyerID market.UserID, page market.Page) ([]market.Purchase, int, error) {
	page = page.Normalize()

	var total int
	err := s.conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM purchases WHERE buyer_id = $1`, string(buyerID),
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count purchases: %w", mapError(err))
	}

	rows, err := s.conn.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases
		WHERE buyer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, string(buyerID), page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list purchases: %w", mapError(err))
	}

	var (
		purchases []market.Purchase
		ids       []string
	)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		purchases = append(purchases, p)
		ids = append(ids, string(p.ID))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	if len(ids) == 0 {
		return nil, total, nil
	}

	lines, err := loadLines(ctx, s.conn, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range purchases {
		purchases[i].Lines = lines[purchases[i].ID]
	}
	return purchases, total, nil
}

func loadLines(ctx context.Context, q Querier, ids []string) (map[market.PurchaseID][]market.PurchaseLine, error) {
	rows, err := q.Query(ctx, `
		SELECT purchase_id, product_id, product_name, unit_cost::text, quantity, line_cost::text
		FROM purchase_lines
		WHERE purchase_id = ANY($1)
		ORDER BY purchase_id, line_no
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase lines: %w", mapError(err))
	}
	defer rows.Close()

	result := make(map[market.PurchaseID][]market.PurchaseLine, len(ids))
	for rows.Next() {
		var (
			purchaseID, productID, name string
			unitCost, lineCost          string
			quantity                    int
		)
		if err := rows.Scan(&purchaseID, &productID, &name, &unitCost, &quantity, &lineCost); err != nil {
			return nil, mapError(err)
		}
		l := market.PurchaseLine{
			ProductID:   market.ProductID(productID),
			ProductName: name,
			Quantity:    quantity,
		}
		if l.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
			return nil, err
		}
		if l.LineCost, err = decimal.NewFromString(lineCost); err != nil {
			return nil, err
		}
		result[market.PurchaseID(purchaseID)] = append(result[market.PurchaseID(purchaseID)], l)
	}
	return result, mapError(rows.Err())
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction. fn's error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(market.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		rollback(ctx, tx)
		return err
	}
	if err := ctx.Err(); err != nil {
		rollback(ctx, tx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// rollback still runs after ctx is cancelled so the locks are released.
func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetProductForUpdate(ctx context.Context, id market.ProductID) (market.Product, error) {
	return getProduct(ctx, ts.tx, id, true)
}

func (ts *txStore) GetUserForUpdate(ctx context.Context, id market.UserID) (market.User, error) {
	return getUser(ctx, ts.tx, id, true)
}

func (ts *txStore) UpdateProductStock(ctx context.Context, id market.ProductID, delta int) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE products SET stock = stock + $1 WHERE id = $2 AND stock + $1 >= 0`,
		delta, string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", mapError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	p, err := getProduct(ctx, ts.tx, id, false)
	if err != nil {
		return err
	}
	return &market.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
}

func (ts *txStore) UpdateUserBalance(ctx context.Context, id market.UserID, delta decimal.Decimal) error {
	var balance string
	err := ts.tx.QueryRow(ctx, `
		UPDATE users SET balance = balance + $1::numeric
		WHERE id = $2 AND balance + $1::numeric >= 0
		RETURNING balance::text
	`, delta.String(), string(id)).Scan(&balance)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to update balance: %w", mapError(err))
	}

	u, err := getUser(ctx, ts.tx, id, false)
	if err != nil {
		return err
	}
	return market.NewInsufficientBalance(id, u.Balance, delta.Neg())
}

func (ts *txStore) InsertPurchase(ctx context.Context, p market.Purchase) error {
	_, err := ts.tx.Exec(ctx,
		`INSERT INTO purchases (id, buyer_id, total_cost, created_at) VALUES ($1, $2, $3::numeric, $4)`,
		string(p.ID), string(p.BuyerID), p.TotalCost.String(), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", mapError(err))
	}

	for i, l := range p.Lines {
		_, err := ts.tx.Exec(ctx, `
			INSERT INTO purchase_lines
			(purchase_id, line_no, product_id, product_name, unit_cost, quantity, line_cost)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric)
		`, string(p.ID), i, string(l.ProductID), l.ProductName, l.UnitCost.String(), l.Quantity, l.LineCost.String())
		if err != nil {
			return fmt.Errorf("failed to insert purchase line %d: %w", i, mapError(err))
		}
	}
	return nil
}

func (ts *txStore) InsertProduct(ctx context.Context, p market.Product) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO products (id, seller_id, name, unit_cost, stock, images, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
	`, string(p.ID), string(p.SellerID), p.Name, p.UnitCost.String(), p.Stock, nonNil(p.Images), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateProduct(ctx context.Context, p market.Product) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE products
		SET name = $1, unit_cost = $2::numeric, stock = $3, images = $4, updated_at = $5
		WHERE id = $6
	`, p.Name, p.UnitCost.String(), p.Stock, nonNil(p.Images), p.UpdatedAt, string(p.ID))
	if err != nil {
		return fmt.Errorf("failed to update product: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return market.ProductNotFound(p.ID)
	}
	return nil
}

func (ts *txStore) DeleteProduct(ctx context.Context, id market.ProductID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return market.ProductNotFound(id)
	}
	return nil
}

func (ts *txStore) InsertUser(ctx context.Context, u market.User) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO users (id, email, name, role, balance, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
	`, string(u.ID), u.Email, u.Name, u.Role.String(), u.Balance.String(), u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `TRUNCATE purchase_lines, purchases, products, users`)
	return mapError(err)
}

func getProduct(ctx context.Context, q Querier, id market.ProductID, lock bool) (market.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	p, err := scanProduct(q.QueryRow(ctx, query, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return market.Product{}, market.ProductNotFound(id)
	}
	if err != nil {
		return market.Product{}, fmt.Errorf("failed to get product: %w", mapError(err))
	}
	return p, nil
}

func getUser(ctx context.Context, q Querier, id market.UserID, lock bool) (market.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		userID, email, name, role, balance string
		createdAt                          time.Time
	)
	err := q.QueryRow(ctx, query, string(id)).Scan(&userID, &email, &name, &role, &balance, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return market.User{}, market.UserNotFound(id)
	}
	if err != nil {
		return market.User{}, fmt.Errorf("failed to get user: %w", mapError(err))
	}

	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return market.User{}, fmt.Errorf("user %s: corrupt balance %q: %w", id, balance, err)
	}
	return market.User{
		ID:        market.UserID(userID),
		Email:     email,
		Name:      name,
		Role:      market.ParseRole(role),
		Balance:   bal,
		CreatedAt: createdAt,
	}, nil
}

func scanProduct(row pgx.Row) (market.Product, error) {
	var (
		id, sellerID, name, cost string
		stock                    int
		images                   []string
		createdAt, updatedAt     time.Time
	)
	if err := row.Scan(&id, &sellerID, &name, &cost, &stock, &images, &createdAt, &updatedAt); err != nil {
		return market.Product{}, err
	}
	unitCost, err := decimal.NewFromString(cost)
	if err != nil {
		return market.Product{}, fmt.Errorf("product %s: corrupt unit cost %q: %w", id, cost, err)
	}
	return market.Product{
		ID:        market.ProductID(id),
		SellerID:  market.UserID(sellerID),
		Name:      name,
		UnitCost:  unitCost,
		Stock:     stock,
		Images:    images,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func scanPurchase(row pgx.Row) (market.Purchase, error) {
	var (
		id, buyerID, total string
		createdAt          time.Time
	)
	if err := row.Scan(&id, &buyerID, &total, &createdAt); err != nil {
		return market.Purchase{}, err
	}
	totalCost, err := decimal.NewFromString(total)
	if err != nil {
		return market.Purchase{}, fmt.Errorf("purchase %s: corrupt total %q: %w", id, total, err)
	}
	return market.Purchase{
		ID:        market.PurchaseID(id),
		BuyerID:   market.UserID(buyerID),
		TotalCost: totalCost,
		CreatedAt: createdAt,
	}, nil
}

// PostgreSQL error codes mapped onto market sentinels.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
)

// mapError translates server errors into market sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %v", market.ErrConflict, err)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %v", market.ErrAlreadyExists, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("%w: %v", market.ErrNotFound, err)
	default:
		return err
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
