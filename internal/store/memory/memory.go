package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"repairpos/backend/internal/customer"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/stock"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

const DemoCompanyID = "demo-company"

// Store keeps everything in process memory. Each product's stock pool has
// its own mutex; writers that touch several pools lock them in product id
// order. The ledger mutex guards sales and invoice sequences.
type Store struct {
	mu              sync.RWMutex
	pools           map[string]*pool
	customers       map[string]domain.Customer
	branches        map[string]domain.Branch
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount

	ledgerMu    sync.Mutex
	sales       map[string]*domain.Sale
	invoiceSeqs map[string]int64
}

type pool struct {
	mu      sync.Mutex
	product domain.Product
}

func New() *Store {
	return &Store{
		pools:           make(map[string]*pool),
		customers:       make(map[string]domain.Customer),
		branches:        make(map[string]domain.Branch),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		sales:           make(map[string]*domain.Sale),
		invoiceSeqs:     make(map[string]int64),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// unset values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
		{"advisor", cashierPwd, "advisor"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			CompanyID: DemoCompanyID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo company: two branches, one product
// per tracking mode and a couple of customers.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{
			ID: "prod-glass", CompanyID: DemoCompanyID, Name: "Tempered Glass 9H", Category: "accessories",
			UnitPrice: decimal.RequireFromString("12.50"), UnitCost: decimal.RequireFromString("3.20"),
			Stock: &domain.QuantityStock{Count: 40},
		},
		{
			ID: "prod-iphone13", CompanyID: DemoCompanyID, Name: "iPhone 13 128GB", Category: "phones",
			UnitPrice: decimal.RequireFromString("649.00"), UnitCost: decimal.RequireFromString("540.00"),
			Stock: &domain.UnitStock{Units: []domain.Unit{
				{ID: "unit-ip13-1", ProductID: "prod-iphone13", IMEI: "356938035643809", Status: domain.UnitAvailable, ReceivedAt: now},
				{ID: "unit-ip13-2", ProductID: "prod-iphone13", IMEI: "356938035643817", Status: domain.UnitAvailable, ReceivedAt: now},
				{ID: "unit-ip13-3", ProductID: "prod-iphone13", SerialNumber: "F2LXK3QJN72J", Status: domain.UnitInRepair, ReceivedAt: now},
			}},
		},
		{
			ID: "prod-case", CompanyID: DemoCompanyID, Name: "Silicone Case iPhone 13", Category: "accessories",
			UnitPrice: decimal.RequireFromString("19.90"), UnitCost: decimal.RequireFromString("6.00"),
			Stock: &domain.VariantStock{Variants: []domain.Variant{
				{ID: "var-case-black", ProductID: "prod-case", Name: "Black", SKU: "CASE-13-BLK", Stock: 3},
				{ID: "var-case-blue", ProductID: "prod-case", Name: "Blue", SKU: "CASE-13-BLU", Stock: 5},
				{ID: "var-case-red", ProductID: "prod-case", Name: "Red", SKU: "CASE-13-RED", Stock: 0},
			}},
		},
	}
	for _, p := range products {
		p.CreatedAt = now
		s.pools[p.ID] = &pool{product: p}
	}

	for _, b := range []domain.Branch{
		{ID: "branch-centro", CompanyID: DemoCompanyID, Name: "Centro", Active: true, Advisors: []string{"advisor"}},
		{ID: "branch-norte", CompanyID: DemoCompanyID, Name: "Norte", Active: true},
	} {
		s.branches[b.ID] = b
	}

	for _, c := range []domain.Customer{
		{ID: "cus-walkin", CompanyID: DemoCompanyID, Name: "Consumidor Final", Email: "walkin@no-email.repairpos.local", CreatedAt: now},
		{ID: "cus-laura", CompanyID: DemoCompanyID, Name: "Laura Gómez", Email: "laura@example.com", Phone: "300 123 4567", IdentificationType: "CC", IdentificationNumber: "1020304050", CreatedAt: now},
	} {
		s.customers[c.ID] = c
	}

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) lookupPool(id string) (*pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	return p, ok
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := s.lookupPool(id)
	if !ok {
		return nil, store.ErrUnknownProduct
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	product := p.product.Clone()
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context, companyID string) ([]domain.Product, error) {
	s.mu.RLock()
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	products := make([]domain.Product, 0, len(pools))
	for _, p := range pools {
		p.mu.Lock()
		product := p.product.Clone()
		p.mu.Unlock()
		if companyID != "" && product.CompanyID != companyID {
			continue
		}
		products = append(products, product)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
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
	switch stockPool := product.Stock.(type) {
	case *domain.UnitStock:
		for i := range stockPool.Units {
			stockPool.Units[i].ProductID = product.ID
		}
	case *domain.VariantStock:
		for i := range stockPool.Variants {
			stockPool.Variants[i].ProductID = product.ID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.pools[product.ID] = &pool{product: product}
	created := product.Clone()
	return &created, nil
}

func (s *Store) ApplyStockDelta(_ context.Context, delta domain.StockDelta) (*domain.Product, error) {
	p, ok := s.lookupPool(delta.ProductID)
	if !ok {
		return nil, store.ErrUnknownProduct
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.product.Clone()
	if err := stock.ApplyDelta(&next, delta); err != nil {
		return nil, err
	}
	p.product = next
	updated := next.Clone()
	return &updated, nil
}

func (s *Store) CommitSale(_ context.Context, commit domain.SaleCommit) (*domain.Sale, error) {
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

	pools := make(map[string]*pool, len(ids))
	for _, id := range ids {
		p, ok := s.lookupPool(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownProduct, id)
		}
		pools[id] = p
	}
	for _, id := range ids {
		pools[id].mu.Lock()
		defer pools[id].mu.Unlock()
	}

	next := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		product := pools[id].product
		if product.CompanyID != sale.CompanyID {
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

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.invoiceSeqs[sale.CompanyID]++
	sale.InvoiceNumber = store.FormatInvoiceNumber(commit.InvoicePrefix, s.invoiceSeqs[sale.CompanyID])
	if sale.Status == "" {
		sale.Status = domain.SaleActive
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	for id, product := range next {
		pools[id].product = product
	}
	stored := sale.Clone()
	s.sales[sale.ID] = &stored
	return &sale, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrUnknownSale
	}
	dup := sale.Clone()
	return &dup, nil
}

func (s *Store) ListSales(_ context.Context, companyID string) ([]domain.Sale, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if companyID != "" && sale.CompanyID != companyID {
			continue
		}
		sales = append(sales, sale.Clone())
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.InvoiceNumber, a.InvoiceNumber)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return sales, nil
}

func (s *Store) CancelSale(_ context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrUnknownSale
	}
	if sale.Status != domain.SaleActive {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrIllegalStateTransition, id, sale.Status)
	}
	sale.Status = domain.SaleCancelled
	sale.CancelReason = reason
	sale.CancelledBy = actor
	sale.CancelledAt = &at

	dup := sale.Clone()
	return &dup, nil
}

func (s *Store) RegisterSalePayment(_ context.Context, id string, amount decimal.Decimal) (*domain.Sale, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrUnknownSale
	}
	if sale.Status != domain.SaleActive {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrIllegalStateTransition, id, sale.Status)
	}
	if sale.PaymentMethod != domain.PaymentCredit {
		return nil, fmt.Errorf("%w: sale %s is not a credit sale", store.ErrInvalidTransaction, id)
	}
	if !amount.IsPositive() || amount.GreaterThan(sale.Outstanding()) {
		return nil, fmt.Errorf("%w: payment exceeds outstanding balance", store.ErrInvalidTransaction)
	}
	sale.AmountPaid = sale.AmountPaid.Add(amount)

	dup := sale.Clone()
	return &dup, nil
}

func (s *Store) FindCustomers(_ context.Context, filter store.CustomerFilter) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.TrimSpace(filter.Query)
	result := make([]domain.Customer, 0, 8)
	for _, c := range s.customers {
		if filter.CompanyID != "" && c.CompanyID != filter.CompanyID {
			continue
		}
		if query != "" {
			if !matchesQuery(c, query) {
				continue
			}
		} else if !matchesKey(c, filter) {
			continue
		}
		result = append(result, c)
	}

	slices.SortFunc(result, func(a, b domain.Customer) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesQuery(c domain.Customer, query string) bool {
	lower := strings.ToLower(query)
	if strings.Contains(strings.ToLower(c.Name), lower) || strings.Contains(strings.ToLower(c.Email), lower) {
		return true
	}
	if digits := customer.NormalizePhone(query); digits != "" && strings.Contains(customer.NormalizePhone(c.Phone), digits) {
		return true
	}
	if number := customer.NormalizeIDNumber(query); number != "" && strings.Contains(customer.NormalizeIDNumber(c.IdentificationNumber), number) {
		return true
	}
	return false
}

func matchesKey(c domain.Customer, filter store.CustomerFilter) bool {
	if filter.Name != "" && customer.NormalizeName(c.Name) == filter.Name {
		return true
	}
	if filter.Phone != "" && customer.NormalizePhone(c.Phone) == filter.Phone {
		return true
	}
	if filter.IdentificationNumber != "" && customer.NormalizeIDNumber(c.IdentificationNumber) == filter.IdentificationNumber {
		return true
	}
	return filter.Name == "" && filter.Phone == "" && filter.IdentificationNumber == ""
}

func (s *Store) CreateCustomer(_ context.Context, c domain.Customer) (*domain.Customer, error) {
	if c.CompanyID == "" || strings.TrimSpace(c.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if c.ID == "" {
		c.ID = xid.New("cus")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[c.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.customers[c.ID] = c
	created := c
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrUnknownCustomer
	}
	return &c, nil
}

func (s *Store) ListBranches(_ context.Context, companyID string) ([]domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branches := make([]domain.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		if companyID != "" && b.CompanyID != companyID {
			continue
		}
		b.Advisors = append([]string(nil), b.Advisors...)
		branches = append(branches, b)
	}
	slices.SortFunc(branches, func(a, b domain.Branch) int {
		return strings.Compare(a.Name, b.Name)
	})
	return branches, nil
}

func (s *Store) GetBranch(_ context.Context, id string) (*domain.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[id]
	if !ok {
		return nil, store.ErrUnknownBranch
	}
	b.Advisors = append([]string(nil), b.Advisors...)
	return &b, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if companyID != "" && entry.CompanyID != companyID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
