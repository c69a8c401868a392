package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"repairpos/backend/internal/customer"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/stock"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates missing tables and indexes. Every statement is
// idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SeedCompany makes sure a company has a default branch and a walk-in
// customer so a fresh database can take sales.
func (s *Store) SeedCompany(ctx context.Context, companyID string) error {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return store.ErrInvalidTransaction
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (id, company_id, name, active)
		VALUES ($1, $2, 'Main', true)
		ON CONFLICT (id) DO NOTHING
	`, "branch-"+companyID+"-main", companyID)
	if err != nil {
		return err
	}

	walkIn := domain.Customer{
		ID:        "cus-" + companyID + "-walkin",
		CompanyID: companyID,
		Name:      "Walk-in Customer",
		Email:     "walkin@no-email.repairpos.local",
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.CreateCustomer(ctx, walkIn); err != nil && !errors.Is(err, store.ErrInvalidTransaction) {
		return err
	}
	return nil
}

const productColumns = `id, company_id, name, category, unit_price, unit_cost, tracking_mode, quantity, created_at`

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	products, err := selectProducts(ctx, s.db, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, store.ErrUnknownProduct
	}
	return &products[0], nil
}

func (s *Store) ListProducts(ctx context.Context, companyID string) ([]domain.Product, error) {
	return selectProducts(ctx, s.db, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR company_id = $1)
		ORDER BY category, name
	`, companyID)
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.CompanyID == "" || strings.TrimSpace(product.Name) == "" || product.Stock == nil {
		return nil, store.ErrInvalidTransaction
	}
	if product.UnitPrice.IsNegative() || product.UnitCost.IsNegative() {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product = product.Clone()

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var quantity any
	if pool, ok := product.Stock.(*domain.QuantityStock); ok {
		quantity = pool.Count
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO products (id, company_id, name, category, unit_price, unit_cost, tracking_mode, quantity, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, product.ID, product.CompanyID, product.Name, product.Category, product.UnitPrice, product.UnitCost,
		string(product.Mode()), quantity, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	switch pool := product.Stock.(type) {
	case *domain.UnitStock:
		for i := range pool.Units {
			pool.Units[i].ProductID = product.ID
			if err := insertUnit(ctx, pgTx, pool.Units[i]); err != nil {
				return nil, err
			}
		}
	case *domain.VariantStock:
		for i := range pool.Variants {
			pool.Variants[i].ProductID = product.ID
			v := pool.Variants[i]
			_, err := pgTx.ExecContext(ctx, `
				INSERT INTO product_variants (id, product_id, name, sku, stock, position)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, v.ID, v.ProductID, v.Name, v.SKU, v.Stock, i)
			if err != nil {
				if isUniqueViolation(err) {
					return nil, store.ErrInvalidTransaction
				}
				return nil, err
			}
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ApplyStockDelta(ctx context.Context, delta domain.StockDelta) (*domain.Product, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	locked, err := lockProducts(ctx, pgTx, []string{delta.ProductID})
	if err != nil {
		return nil, err
	}
	before, ok := locked[delta.ProductID]
	if !ok {
		return nil, store.ErrUnknownProduct
	}

	after := before.Clone()
	if err := stock.ApplyDelta(&after, delta); err != nil {
		return nil, err
	}
	if err := persistPool(ctx, pgTx, before, after); err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &after, nil
}

// CommitSale locks every product the sale touches in id order, re-applies
// the deltas against the locked rows, takes the next invoice number and
// inserts the sale in the same transaction.
func (s *Store) CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
	sale := commit.Sale.Clone()
	if sale.CompanyID == "" || len(sale.Items) == 0 || len(commit.Deltas) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	ids := make([]string, 0, len(commit.Deltas))
	for _, delta := range commit.Deltas {
		if !slices.Contains(ids, delta.ProductID) {
			ids = append(ids, delta.ProductID)
		}
	}
	slices.Sort(ids)

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	locked, err := lockProducts(ctx, pgTx, ids)
	if err != nil {
		return nil, err
	}
	next := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product, ok := locked[id]
		if !ok || product.CompanyID != sale.CompanyID {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownProduct, id)
		}
		next[id] = product.Clone()
	}
	for _, delta := range commit.Deltas {
		product := next[delta.ProductID]
		if err := stock.ApplyDelta(&product, delta); err != nil {
			return nil, err
		}
		next[delta.ProductID] = product
	}
	for _, id := range ids {
		if err := persistPool(ctx, pgTx, locked[id], next[id]); err != nil {
			return nil, err
		}
	}

	var sequence int64
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO invoice_sequences (company_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (company_id)
		DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`, sale.CompanyID).Scan(&sequence)
	if err != nil {
		return nil, err
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.InvoiceNumber = store.FormatInvoiceNumber(commit.InvoicePrefix, sequence)
	if sale.Status == "" {
		sale.Status = domain.SaleActive
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	if err := insertSale(ctx, pgTx, sale); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

const saleColumns = `id, company_id, invoice_number, branch_id, customer_id, total, total_cost, payment_method,
	credit_days, credit_due_date, amount_paid, status, cancel_reason, cancelled_by, cancelled_at, created_by, created_at`

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnknownSale
		}
		return nil, err
	}
	items, err := loadSaleItems(ctx, s.db, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, companyID string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR company_id = $1)
		ORDER BY created_at DESC, invoice_number DESC
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]string, len(sales))
	for i, sale := range sales {
		ids[i] = sale.ID
	}
	items, err := loadSaleItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) CancelSale(ctx context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnknownSale
		}
		return nil, err
	}
	if status != string(domain.SaleActive) {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrIllegalStateTransition, id, status)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, cancel_reason = $3, cancelled_by = $4, cancelled_at = $5
		WHERE id = $1
	`, id, string(domain.SaleCancelled), reason, actor, at)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, id)
}

func (s *Store) RegisterSalePayment(ctx context.Context, id string, amount decimal.Decimal) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var current domain.Sale
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, payment_method, total, amount_paid
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current.Status, &current.PaymentMethod, &current.Total, &current.AmountPaid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnknownSale
		}
		return nil, err
	}
	if current.Status != domain.SaleActive {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrIllegalStateTransition, id, current.Status)
	}
	if current.PaymentMethod != domain.PaymentCredit {
		return nil, fmt.Errorf("%w: sale %s is not a credit sale", store.ErrInvalidTransaction, id)
	}
	if !amount.IsPositive() || amount.GreaterThan(current.Outstanding()) {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrInvalidTransaction)
	}

	_, err = pgTx.ExecContext(ctx, `UPDATE sales SET amount_paid = amount_paid + $2 WHERE id = $1`, id, amount)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return s.GetSale(ctx, id)
}

const customerColumns = `id, company_id, name, email, phone, address, identification_type, identification_number, created_at`

func (s *Store) FindCustomers(ctx context.Context, filter store.CustomerFilter) ([]domain.Customer, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if query := strings.TrimSpace(filter.Query); query != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+customerColumns+`
			FROM customers
			WHERE ($1 = '' OR company_id = $1)
				AND (
					name ILIKE '%' || $2 || '%'
					OR email ILIKE '%' || $2 || '%'
					OR ($3 <> '' AND phone_key LIKE '%' || $3 || '%')
					OR ($4 <> '' AND id_number_key LIKE '%' || $4 || '%')
				)
			ORDER BY created_at, id
			LIMIT NULLIF($5::int, 0)
		`, filter.CompanyID, query, customer.NormalizePhone(query), customer.NormalizeIDNumber(query), filter.Limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+customerColumns+`
			FROM customers
			WHERE ($1 = '' OR company_id = $1)
				AND (
					($2 <> '' AND name_key = $2)
					OR ($3 <> '' AND phone_key = $3)
					OR ($4 <> '' AND id_number_key = $4)
					OR ($2 = '' AND $3 = '' AND $4 = '')
				)
			ORDER BY created_at, id
			LIMIT NULLIF($5::int, 0)
		`, filter.CompanyID, filter.Name, filter.Phone, filter.IdentificationNumber, filter.Limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Customer, 0, 8)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	if c.CompanyID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if c.ID == "" {
		c.ID = xid.New("cus")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (
			id, company_id, name, email, phone, address, identification_type, identification_number,
			name_key, phone_key, id_number_key, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.CompanyID, c.Name, c.Email, c.Phone, c.Address, c.IdentificationType, c.IdentificationNumber,
		customer.NormalizeName(c.Name), customer.NormalizePhone(c.Phone), customer.NormalizeIDNumber(c.IdentificationNumber), c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	created := c
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnknownCustomer
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListBranches(ctx context.Context, companyID string) ([]domain.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, name, active
		FROM branches
		WHERE ($1 = '' OR company_id = $1)
		ORDER BY name
	`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	branches := make([]domain.Branch, 0, 8)
	for rows.Next() {
		var b domain.Branch
		if err := rows.Scan(&b.ID, &b.CompanyID, &b.Name, &b.Active); err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range branches {
		advisors, err := s.branchAdvisors(ctx, branches[i].ID)
		if err != nil {
			return nil, err
		}
		branches[i].Advisors = advisors
	}
	return branches, nil
}

func (s *Store) GetBranch(ctx context.Context, id string) (*domain.Branch, error) {
	var b domain.Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, name, active
		FROM branches
		WHERE id = $1
	`, id).Scan(&b.ID, &b.CompanyID, &b.Name, &b.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUnknownBranch
		}
		return nil, err
	}
	b.Advisors, err = s.branchAdvisors(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) branchAdvisors(ctx context.Context, branchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username
		FROM branch_advisors
		WHERE branch_id = $1
		ORDER BY username
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var advisors []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		advisors = append(advisors, username)
	}
	return advisors, rows.Err()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, company_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.CompanyID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE company_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, companyID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.CompanyID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, company_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.CompanyID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, company_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.CompanyID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// lockProducts loads and row-locks the given products in id order.
func lockProducts(ctx context.Context, q querier, ids []string) (map[string]domain.Product, error) {
	products, err := selectProducts(ctx, q, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	locked := make(map[string]domain.Product, len(products))
	for _, p := range products {
		locked[p.ID] = p
	}
	return locked, nil
}

// selectProducts runs a products query and attaches unit and variant pools.
func selectProducts(ctx context.Context, q querier, query string, args ...any) ([]domain.Product, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		var (
			p        domain.Product
			mode     string
			quantity sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.Name, &p.Category, &p.UnitPrice, &p.UnitCost, &mode, &quantity, &p.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		switch domain.TrackingMode(mode) {
		case domain.TrackingQuantity:
			p.Stock = &domain.QuantityStock{Count: int(quantity.Int64)}
		case domain.TrackingUnits:
			p.Stock = &domain.UnitStock{}
		case domain.TrackingVariants:
			p.Stock = &domain.VariantStock{}
		default:
			_ = rows.Close()
			return nil, fmt.Errorf("product %s has unknown tracking mode %q", p.ID, mode)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := attachPools(ctx, q, products); err != nil {
		return nil, err
	}
	return products, nil
}

func attachPools(ctx context.Context, q querier, products []domain.Product) error {
	byID := make(map[string]*domain.Product, len(products))
	var unitIDs, variantIDs []string
	for i := range products {
		byID[products[i].ID] = &products[i]
		switch products[i].Mode() {
		case domain.TrackingUnits:
			unitIDs = append(unitIDs, products[i].ID)
		case domain.TrackingVariants:
			variantIDs = append(variantIDs, products[i].ID)
		}
	}

	if len(unitIDs) > 0 {
		rows, err := q.QueryContext(ctx, `
			SELECT id, product_id, imei, serial_number, status, received_at
			FROM product_units
			WHERE product_id = ANY($1)
			ORDER BY product_id, received_at, id
		`, unitIDs)
		if err != nil {
			return err
		}
		for rows.Next() {
			var u domain.Unit
			if err := rows.Scan(&u.ID, &u.ProductID, &u.IMEI, &u.SerialNumber, &u.Status, &u.ReceivedAt); err != nil {
				_ = rows.Close()
				return err
			}
			u.ReceivedAt = u.ReceivedAt.UTC()
			pool := byID[u.ProductID].Stock.(*domain.UnitStock)
			pool.Units = append(pool.Units, u)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
	}

	if len(variantIDs) > 0 {
		rows, err := q.QueryContext(ctx, `
			SELECT id, product_id, name, sku, stock
			FROM product_variants
			WHERE product_id = ANY($1)
			ORDER BY product_id, position, id
		`, variantIDs)
		if err != nil {
			return err
		}
		for rows.Next() {
			var v domain.Variant
			if err := rows.Scan(&v.ID, &v.ProductID, &v.Name, &v.SKU, &v.Stock); err != nil {
				_ = rows.Close()
				return err
			}
			pool := byID[v.ProductID].Stock.(*domain.VariantStock)
			pool.Variants = append(pool.Variants, v)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()
	}
	return nil
}

// persistPool writes the rows that differ between before and after.
func persistPool(ctx context.Context, q querier, before domain.Product, after domain.Product) error {
	switch pool := after.Stock.(type) {
	case *domain.QuantityStock:
		if prior, ok := before.Stock.(*domain.QuantityStock); ok && prior.Count == pool.Count {
			return nil
		}
		_, err := q.ExecContext(ctx, `UPDATE products SET quantity = $2, updated_at = now() WHERE id = $1`, after.ID, pool.Count)
		return err
	case *domain.UnitStock:
		prior := make(map[string]domain.UnitStatus)
		if old, ok := before.Stock.(*domain.UnitStock); ok {
			for _, u := range old.Units {
				prior[u.ID] = u.Status
			}
		}
		for _, u := range pool.Units {
			status, existed := prior[u.ID]
			switch {
			case !existed:
				if err := insertUnit(ctx, q, u); err != nil {
					return err
				}
			case status != u.Status:
				if _, err := q.ExecContext(ctx, `UPDATE product_units SET status = $2 WHERE id = $1`, u.ID, string(u.Status)); err != nil {
					return err
				}
			}
		}
		return nil
	case *domain.VariantStock:
		prior := make(map[string]int)
		if old, ok := before.Stock.(*domain.VariantStock); ok {
			for _, v := range old.Variants {
				prior[v.ID] = v.Stock
			}
		}
		for _, v := range pool.Variants {
			if stockBefore, ok := prior[v.ID]; ok && stockBefore == v.Stock {
				continue
			}
			if _, err := q.ExecContext(ctx, `UPDATE product_variants SET stock = $2 WHERE id = $1`, v.ID, v.Stock); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: product %s has no stock pool", store.ErrInvalidTransaction, after.ID)
	}
}

func insertUnit(ctx context.Context, q querier, u domain.Unit) error {
	if u.ReceivedAt.IsZero() {
		u.ReceivedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO product_units (id, product_id, imei, serial_number, status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, u.ID, u.ProductID, u.IMEI, u.SerialNumber, string(u.Status), u.ReceivedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidTransaction
	}
	return err
}

func insertSale(ctx context.Context, q querier, sale domain.Sale) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sales (
			id, company_id, invoice_number, branch_id, customer_id, total, total_cost, payment_method,
			credit_days, credit_due_date, amount_paid, status, cancel_reason, cancelled_by, cancelled_at,
			created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, sale.ID, sale.CompanyID, sale.InvoiceNumber, sale.BranchID, sale.CustomerID, sale.Total, sale.TotalCost,
		string(sale.PaymentMethod), sale.CreditDays, nullTime(sale.CreditDueDate), sale.AmountPaid, string(sale.Status),
		nullIfEmpty(sale.CancelReason), nullIfEmpty(sale.CancelledBy), nullTime(sale.CancelledAt), sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return err
	}

	for i, item := range sale.Items {
		unitIDs := item.UnitIDs
		if unitIDs == nil {
			unitIDs = []string{}
		}
		encoded, err := json.Marshal(unitIDs)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO sale_items (
				sale_id, line_no, product_id, product_name, tracking_mode, variant_id, variant_name,
				unit_ids, quantity, unit_price, unit_cost
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, sale.ID, i, item.ProductID, item.ProductName, string(item.Mode), item.VariantID, item.VariantName,
			string(encoded), item.Quantity, item.UnitPrice, item.UnitCost)
		if err != nil {
			return err
		}
	}
	return nil
}

func scanSale(row rowScanner) (domain.Sale, error) {
	var (
		sale         domain.Sale
		creditDue    sql.NullTime
		cancelReason sql.NullString
		cancelledBy  sql.NullString
		cancelledAt  sql.NullTime
	)
	err := row.Scan(&sale.ID, &sale.CompanyID, &sale.InvoiceNumber, &sale.BranchID, &sale.CustomerID,
		&sale.Total, &sale.TotalCost, &sale.PaymentMethod, &sale.CreditDays, &creditDue, &sale.AmountPaid,
		&sale.Status, &cancelReason, &cancelledBy, &cancelledAt, &sale.CreatedBy, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	if creditDue.Valid {
		due := creditDue.Time.UTC()
		sale.CreditDueDate = &due
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		sale.CancelledAt = &at
	}
	sale.CancelReason = cancelReason.String
	sale.CancelledBy = cancelledBy.String
	return sale, nil
}

func loadSaleItems(ctx context.Context, q querier, saleIDs []string) (map[string][]domain.CartLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sale_id, product_id, product_name, tracking_mode, variant_id, variant_name, unit_ids, quantity, unit_price, unit_cost
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.CartLine, len(saleIDs))
	for rows.Next() {
		var (
			saleID  string
			line    domain.CartLine
			rawUnit []byte
		)
		if err := rows.Scan(&saleID, &line.ProductID, &line.ProductName, &line.Mode, &line.VariantID, &line.VariantName,
			&rawUnit, &line.Quantity, &line.UnitPrice, &line.UnitCost); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawUnit, &line.UnitIDs); err != nil {
			return nil, fmt.Errorf("decode unit ids of sale %s: %w", saleID, err)
		}
		if len(line.UnitIDs) == 0 {
			line.UnitIDs = nil
		}
		items[saleID] = append(items[saleID], line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanCustomer(row rowScanner) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.IdentificationType, &c.IdentificationNumber, &c.CreatedAt)
	if err != nil {
		return domain.Customer{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
