/*
Package sqlite provides a SQLite-backed implementation of market.Store.

PURPOSE:
  Persists users, products and purchases for single-node deployments, local
  development and tests. The same contract is implemented for PostgreSQL in
  store/postgres; only the locking mechanism differs.

KEY TABLES:
  users:          Buyers and sellers, with the buyer's coin balance
  products:       Seller catalogue with remaining stock
  purchases:      One row per committed purchase
  purchase_lines: Snapshot of each purchased line (name and cost at purchase time)

LOCKING:
  SQLite has no row locks. Transactions are opened with BEGIN IMMEDIATE
  (_txlock=immediate), which takes the database write lock up front, so
  every "ForUpdate" read is trivially locked until commit. The database is
  opened with a single connection and an in-process mutex serialises
  transactions, so a second process is the only source of SQLITE_BUSY; that
  surfaces as market.ErrConflict and is retried by the engine.

GUARDED WRITES:
  Stock and balance are never written negative. Stock uses a guarded UPDATE
  plus a CHECK constraint; balance is stored as decimal TEXT and is checked
  in Go under the write lock before the UPDATE.

USAGE:
  store, err := sqlite.New("./data/market.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := market.New(store)

MIGRATION:
  Schema is auto-migrated on New(). PostgreSQL uses versioned goose
  migrations instead (store/postgres/migrations).

SEE ALSO:
  - market/store.go: Interface definitions
  - market/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/coin-market/market"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements market.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ market.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('buyer', 'seller')),
		balance TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		stock INTEGER NOT NULL CHECK (stock >= 0),
		images_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_seller
		ON products(seller_id, created_at);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL REFERENCES users(id),
		total_cost TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- History is listed newest first per buyer
	CREATE INDEX IF NOT EXISTS idx_purchases_buyer_created
		ON purchases(buyer_id, created_at DESC);

	-- No foreign key on product_id: lines outlive deleted products
	CREATE TABLE IF NOT EXISTS purchase_lines (
		purchase_id TEXT NOT NULL REFERENCES purchases(id) ON DELETE CASCADE,
		line_no INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		product_name TEXT NOT NULL,
		unit_cost TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		line_cost TEXT NOT NULL,
		PRIMARY KEY (purchase_id, line_no)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id market.ProductID) (market.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getProduct(ctx, s.db, id)
}

func (s *Store) ListProducts(ctx context.Context, filter market.ProductFilter) ([]market.Product, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := filter.Page.Normalize()

	var total int
	countQuery := `SELECT COUNT(*) FROM products WHERE (? = '' OR seller_id = ?)`
	if err := s.db.QueryRowContext(ctx, countQuery, filter.SellerID, filter.SellerID).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	query := `
		SELECT id, seller_id, name, unit_cost, stock, images_json, created_at, updated_at
		FROM products
		WHERE (? = '' OR seller_id = ?)
		ORDER BY created_at, id
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, filter.SellerID, filter.SellerID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, mapError(err)
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
	return products, total, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, id market.UserID) (market.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getUser(ctx, s.db, id)
}

func (s *Store) GetPurchase(ctx context.Context, id market.PurchaseID) (market.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := scanPurchase(s.db.QueryRowContext(ctx,
		`SELECT id, buyer_id, total_cost, created_at FROM purchases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return market.Purchase{}, market.PurchaseNotFound(id)
	}
	if err != nil {
		return market.Purchase{}, err
	}

	lines, err := s.loadLines(ctx, []market.PurchaseID{p.ID})
	if err != nil {
		return market.Purchase{}, err
	}
	p.Lines = lines[p.ID]
	return p, nil
}

// ListPurchases returns the buyer's purchases, newest first.
func (s *Store) ListPurchases(ctx context.Context, buyerID market.UserID, page market.Page) ([]market.Purchase, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM purchases WHERE buyer_id = ?`, buyerID,
	).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_id, total_cost, created_at
		FROM purchases
		WHERE buyer_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, buyerID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, mapError(err)
	}

	var (
		purchases []market.Purchase
		ids       []market.PurchaseID
	)
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			rows.Close()
			return nil, 0, err
		}
		purchases = append(purchases, p)
		ids = append(ids, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	lines, err := s.loadLines(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range purchases {
		purchases[i].Lines = lines[purchases[i].ID]
	}
	return purchases, total, nil
}

func (s *Store) loadLines(ctx context.Context, ids []market.PurchaseID) (map[market.PurchaseID][]market.PurchaseLine, error) {
	result := make(map[market.PurchaseID][]market.PurchaseLine, len(ids))
	for _, id := range ids {
		rows, err := s.db.QueryContext(ctx, `
			SELECT product_id, product_name, unit_cost, quantity, line_cost
			FROM purchase_lines
			WHERE purchase_id = ?
			ORDER BY line_no
		`, id)
		if err != nil {
			return nil, mapError(err)
		}
		for rows.Next() {
			var (
				l              market.PurchaseLine
				unitCost, cost string
			)
			if err := rows.Scan(&l.ProductID, &l.ProductName, &unitCost, &l.Quantity, &cost); err != nil {
				rows.Close()
				return nil, err
			}
			if l.UnitCost, err = decimal.NewFromString(unitCost); err != nil {
				rows.Close()
				return nil, fmt.Errorf("purchase %s: corrupt unit cost %q: %w", id, unitCost, err)
			}
			if l.LineCost, err = decimal.NewFromString(cost); err != nil {
				rows.Close()
				return nil, fmt.Errorf("purchase %s: corrupt line cost %q: %w", id, cost, err)
			}
			result[id] = append(result[id], l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// =============================================================================
// TRANSACTIONAL STORE (market.Store.WithTx)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(market.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// txStore runs every statement on the open *sql.Tx. It must never touch
// Store.db: with a single connection that would deadlock.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetProductForUpdate(ctx context.Context, id market.ProductID) (market.Product, error) {
	return getProduct(ctx, ts.tx, id)
}

func (ts *txStore) GetUserForUpdate(ctx context.Context, id market.UserID) (market.User, error) {
	return getUser(ctx, ts.tx, id)
}

func (ts *txStore) UpdateProductStock(ctx context.Context, id market.ProductID, delta int) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE products SET stock = stock + ? WHERE id = ? AND stock + ? >= 0`,
		delta, id, delta,
	)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	p, err := getProduct(ctx, ts.tx, id)
	if err != nil {
		return err
	}
	return &market.InsufficientStockError{ProductID: id, Requested: -delta, Available: p.Stock}
}

func (ts *txStore) UpdateUserBalance(ctx context.Context, id market.UserID, delta decimal.Decimal) error {
	u, err := getUser(ctx, ts.tx, id)
	if err != nil {
		return err
	}
	next := u.Balance.Add(delta)
	if next.IsNegative() {
		return market.NewInsufficientBalance(id, u.Balance, delta.Neg())
	}

	_, err = ts.tx.ExecContext(ctx,
		`UPDATE users SET balance = ? WHERE id = ?`, next.String(), id)
	return mapError(err)
}

func (ts *txStore) InsertPurchase(ctx context.Context, p market.Purchase) error {
	_, err := ts.tx.ExecContext(ctx,
		`INSERT INTO purchases (id, buyer_id, total_cost, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.BuyerID, p.TotalCost.String(), p.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert purchase %s: %w", p.ID, mapError(err))
	}

	for i, l := range p.Lines {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO purchase_lines
			(purchase_id, line_no, product_id, product_name, unit_cost, quantity, line_cost)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.ID, i, l.ProductID, l.ProductName, l.UnitCost.String(), l.Quantity, l.LineCost.String())
		if err != nil {
			return fmt.Errorf("insert purchase line %d: %w", i, mapError(err))
		}
	}
	return nil
}

func (ts *txStore) InsertProduct(ctx context.Context, p market.Product) error {
	images, err := json.Marshal(nonNil(p.Images))
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO products
		(id, seller_id, name, unit_cost, stock, images_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.SellerID, p.Name, p.UnitCost.String(), p.Stock, string(images),
		p.CreatedAt.UTC().Format(timeLayout), p.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.ID, mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateProduct(ctx context.Context, p market.Product) error {
	images, err := json.Marshal(nonNil(p.Images))
	if err != nil {
		return err
	}
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE products
		SET name = ?, unit_cost = ?, stock = ?, images_json = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.UnitCost.String(), p.Stock, string(images), p.UpdatedAt.UTC().Format(timeLayout), p.ID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return market.ProductNotFound(p.ID)
	}
	return nil
}

func (ts *txStore) DeleteProduct(ctx context.Context, id market.ProductID) error {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return market.ProductNotFound(id)
	}
	return nil
}

func (ts *txStore) InsertUser(ctx context.Context, u market.User) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Name, u.Role.String(), u.Balance.String(), u.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, mapError(err))
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"purchase_lines", "purchases", "products", "users"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func getProduct(ctx context.Context, q querier, id market.ProductID) (market.Product, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, seller_id, name, unit_cost, stock, images_json, created_at, updated_at
		FROM products WHERE id = ?
	`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Product{}, market.ProductNotFound(id)
	}
	return p, err
}

func getUser(ctx context.Context, q querier, id market.UserID) (market.User, error) {
	var (
		u                  market.User
		role, bal, created string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, email, name, role, balance, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &role, &bal, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return market.User{}, market.UserNotFound(id)
	}
	if err != nil {
		return market.User{}, mapError(err)
	}

	u.Role = market.ParseRole(role)
	u.Balance, err = decimal.NewFromString(bal)
	if err != nil {
		return market.User{}, fmt.Errorf("user %s: corrupt balance %q: %w", id, bal, err)
	}
	if u.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return market.User{}, fmt.Errorf("user %s: corrupt created_at %q: %w", id, created, err)
	}
	return u, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (market.Product, error) {
	var (
		p                    market.Product
		cost, images         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.SellerID, &p.Name, &cost, &p.Stock, &images, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return market.Product{}, err
		}
		return market.Product{}, mapError(err)
	}

	var err error
	p.UnitCost, err = decimal.NewFromString(cost)
	if err != nil {
		return market.Product{}, fmt.Errorf("product %s: corrupt unit cost %q: %w", p.ID, cost, err)
	}
	if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
		return market.Product{}, fmt.Errorf("product %s: corrupt images: %w", p.ID, err)
	}
	if p.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return market.Product{}, fmt.Errorf("product %s: corrupt created_at %q: %w", p.ID, createdAt, err)
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return market.Product{}, fmt.Errorf("product %s: corrupt updated_at %q: %w", p.ID, updatedAt, err)
	}
	return p, nil
}

func scanPurchase(row scanner) (market.Purchase, error) {
	var (
		p                market.Purchase
		total, createdAt string
	)
	if err := row.Scan(&p.ID, &p.BuyerID, &total, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return market.Purchase{}, err
		}
		return market.Purchase{}, mapError(err)
	}

	var err error
	if p.TotalCost, err = decimal.NewFromString(total); err != nil {
		return market.Purchase{}, fmt.Errorf("purchase %s: corrupt total %q: %w", p.ID, total, err)
	}
	if p.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return market.Purchase{}, fmt.Errorf("purchase %s: corrupt created_at %q: %w", p.ID, createdAt, err)
	}
	return p, nil
}

// mapError translates driver errors into market sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", market.ErrConflict, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", market.ErrAlreadyExists, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey:
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
