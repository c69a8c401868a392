package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"repairpos/backend/internal/cache"
	"repairpos/backend/internal/customer"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/events"
	"repairpos/backend/internal/metrics"
	"repairpos/backend/internal/sale"
	"repairpos/backend/internal/stock"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

// ErrForbidden is returned when the actor's role may not perform an action.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultCompanyID       string
	InvoicePrefix          string
	DraftTTL               time.Duration
	PlaceholderEmailDomain string
}

type Service struct {
	repo      store.Repository
	drafts    cache.DraftCache
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options

	customers *customer.Resolver
	finalizer *sale.Finalizer
	canceller *sale.Canceller
	payments  *sale.Payments
	carts     cartLocks
	now       func() time.Time
}

func New(repo store.Repository, drafts cache.DraftCache, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if drafts == nil {
		drafts = cache.NewMemoryDraftCache()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if opts.DefaultCompanyID == "" {
		opts.DefaultCompanyID = "demo-company"
	}
	if opts.DraftTTL <= 0 {
		opts.DraftTTL = 12 * time.Hour
	}

	return &Service{
		repo:      repo,
		drafts:    drafts,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		opts:      opts,
		customers: customer.NewResolver(repo, opts.PlaceholderEmailDomain, logger.Named("customer")),
		finalizer: sale.NewFinalizer(repo, opts.InvoicePrefix),
		canceller: sale.NewCanceller(repo, logger.Named("sale")),
		payments:  sale.NewPayments(repo, logger.Named("sale")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// companyOf scopes every call to the actor's company, or the default
// company for unauthenticated internal callers.
func (s *Service) companyOf(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.CompanyID != "" {
		return actor.CompanyID
	}
	return s.opts.DefaultCompanyID
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role required", ErrForbidden, strings.Join(roles, " or "))
}

// Products

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, s.companyOf(ctx))
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.stockModel(ctx).Product(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: product name is required", store.ErrInvalidTransaction)
	}
	if req.UnitPrice.IsNegative() || req.UnitCost.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: price and cost must not be negative", store.ErrInvalidTransaction)
	}

	now := s.now()
	productID := xid.New("prod")
	units := make([]domain.Unit, 0, len(req.Units))
	for _, in := range req.Units {
		unit, err := newUnit(productID, in, now)
		if err != nil {
			return domain.Product{}, err
		}
		units = append(units, unit)
	}
	variants := make([]domain.Variant, 0, len(req.Variants))
	for _, in := range req.Variants {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: variant name is required", store.ErrInvalidTransaction)
		}
		variants = append(variants, domain.Variant{
			ID:        xid.New("var"),
			ProductID: productID,
			Name:      name,
			SKU:       strings.ToUpper(strings.TrimSpace(in.SKU)),
			Stock:     in.Stock,
		})
	}

	pool, err := domain.NewStock(req.TrackingMode, req.Quantity, units, variants)
	if err != nil {
		return domain.Product{}, fmt.Errorf("%w: %v", store.ErrInvalidTransaction, err)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:        productID,
		CompanyID: s.companyOf(ctx),
		Name:      req.Name,
		Category:  req.Category,
		UnitPrice: req.UnitPrice,
		UnitCost:  req.UnitCost,
		Stock:     pool,
		CreatedAt: now,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("name=%s,mode=%s,available=%d", created.Name, created.Mode(), stock.AvailableQuantity(*created)))
	return *created, nil
}

// ReceiveStock adds stock to an existing pool under the same per-product
// serialization as sales.
func (s *Service) ReceiveStock(ctx context.Context, productID string, req domain.StockReceiveRequest) (domain.Product, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return domain.Product{}, err
	}
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	delta := domain.StockDelta{ProductID: product.ID}
	switch product.Mode() {
	case domain.TrackingQuantity, domain.TrackingVariants:
		if req.Quantity < 1 || len(req.Units) > 0 {
			return domain.Product{}, fmt.Errorf("%w: received quantity must be at least 1", store.ErrInvalidTransaction)
		}
		delta.Quantity = req.Quantity
		delta.VariantID = strings.TrimSpace(req.VariantID)
	case domain.TrackingUnits:
		if len(req.Units) == 0 || req.Quantity != 0 {
			return domain.Product{}, fmt.Errorf("%w: received units are required", store.ErrInvalidTransaction)
		}
		now := s.now()
		for _, in := range req.Units {
			unit, err := newUnit(product.ID, in, now)
			if err != nil {
				return domain.Product{}, err
			}
			delta.NewUnits = append(delta.NewUnits, unit)
		}
	}

	updated, err := s.repo.ApplyStockDelta(ctx, delta)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "stock_receive", "product", updated.ID, fmt.Sprintf("quantity=%d,variant=%s,units=%d", delta.Quantity, delta.VariantID, len(delta.NewUnits)))
	return *updated, nil
}

func (s *Service) Availability(ctx context.Context, productID string) (int, error) {
	return s.stockModel(ctx).Available(ctx, productID)
}

func (s *Service) Selectable(ctx context.Context, productID string, query string) ([]domain.SelectionOption, error) {
	return s.stockModel(ctx).Selectable(ctx, productID, query)
}

func (s *Service) stockModel(ctx context.Context) *stock.Model {
	return stock.NewModel(companyProducts{products: s.repo, companyID: s.companyOf(ctx)})
}

// companyProducts hides other companies' products from the stock model.
type companyProducts struct {
	products  store.ProductRepository
	companyID string
}

func (c companyProducts) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := c.products.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.CompanyID != c.companyID {
		return nil, store.ErrUnknownProduct
	}
	return product, nil
}

func newUnit(productID string, in domain.UnitInput, receivedAt time.Time) (domain.Unit, error) {
	imei := strings.TrimSpace(in.IMEI)
	serial := strings.TrimSpace(in.SerialNumber)
	if imei == "" && serial == "" {
		return domain.Unit{}, fmt.Errorf("%w: unit needs an IMEI or serial number", store.ErrInvalidTransaction)
	}
	return domain.Unit{
		ID:           xid.New("unit"),
		ProductID:    productID,
		IMEI:         imei,
		SerialNumber: serial,
		Status:       domain.UnitAvailable,
		ReceivedAt:   receivedAt,
	}, nil
}

// Customers

func (s *Service) SearchCustomers(ctx context.Context, query string, limit int) ([]domain.Customer, error) {
	return s.customers.Search(ctx, s.companyOf(ctx), query, limit)
}

func (s *Service) ResolveCustomer(ctx context.Context, candidate domain.CustomerCandidate) (domain.CustomerResolution, error) {
	resolution, err := s.customers.ResolveOrCreate(ctx, s.companyOf(ctx), candidate)
	if err != nil {
		return domain.CustomerResolution{}, err
	}
	if resolution.Created {
		s.metrics.IncCustomersCreated()
		s.logAudit(ctx, "customer_create", "customer", resolution.Customer.ID, "source=resolve")
	}
	return resolution, nil
}

func (s *Service) CreateCustomer(ctx context.Context, candidate domain.CustomerCandidate) (domain.Customer, error) {
	created, err := s.customers.CreateExplicit(ctx, s.companyOf(ctx), candidate)
	if err != nil {
		return domain.Customer{}, err
	}
	s.metrics.IncCustomersCreated()
	s.logAudit(ctx, "customer_create", "customer", created.ID, "source=explicit")
	return created, nil
}

// Sales

func (s *Service) ListSales(ctx context.Context, q domain.SaleQuery) (domain.SaleListResponse, error) {
	if err := sale.ValidateQuery(q); err != nil {
		return domain.SaleListResponse{}, err
	}
	all, err := s.repo.ListSales(ctx, s.companyOf(ctx))
	if err != nil {
		return domain.SaleListResponse{}, err
	}

	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = sale.DefaultPageSize
	}
	if q.PageSize > sale.MaxPageSize {
		q.PageSize = sale.MaxPageSize
	}

	page, total := sale.Paginate(sale.Filter(all, q, s.now()), q.Page, q.PageSize)
	return domain.SaleListResponse{Sales: page, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	found, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	if found.CompanyID != s.companyOf(ctx) {
		return domain.Sale{}, store.ErrUnknownSale
	}
	return *found, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string, reason string) (domain.Sale, error) {
	actor, err := requireRole(ctx, "admin", "cashier")
	if err != nil {
		return domain.Sale{}, err
	}
	cancelled, err := s.canceller.Cancel(ctx, s.companyOf(ctx), saleID, reason, actor)
	if err != nil {
		return domain.Sale{}, err
	}
	s.metrics.IncCancelled()
	s.publish(ctx, events.SaleCancelled, *cancelled)
	return *cancelled, nil
}

func (s *Service) RegisterPayment(ctx context.Context, saleID string, amount decimal.Decimal) (domain.Sale, error) {
	actor, err := requireRole(ctx, "admin", "cashier")
	if err != nil {
		return domain.Sale{}, err
	}
	updated, err := s.payments.Register(ctx, s.companyOf(ctx), saleID, amount, actor)
	if err != nil {
		return domain.Sale{}, err
	}
	s.publish(ctx, events.SalePaymentRegistered, *updated)
	return *updated, nil
}

// ListBranches returns the company's branches. Advisors only see the
// branches they are assigned to.
func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	branches, err := s.repo.ListBranches(ctx, s.companyOf(ctx))
	if err != nil {
		return nil, err
	}
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "advisor" {
		return branches, nil
	}
	assigned := make([]domain.Branch, 0, len(branches))
	for _, branch := range branches {
		if advisesBranch(branch, actor.Username) {
			assigned = append(assigned, branch)
		}
	}
	return assigned, nil
}

func advisesBranch(branch domain.Branch, username string) bool {
	for _, advisor := range branch.Advisors {
		if strings.EqualFold(advisor, username) {
			return true
		}
	}
	return false
}

// ListAuditLogs returns entries for one UTC day ("2006-01-02"), today when
// date is empty.
func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return nil, err
	}

	day := s.now().Truncate(24 * time.Hour)
	if strings.TrimSpace(date) != "" {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidTransaction)
		}
		day = parsed.UTC()
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, s.companyOf(ctx), day, day.Add(24*time.Hour), limit)
}

func (s *Service) publish(ctx context.Context, kind string, committed domain.Sale) {
	if err := s.publisher.Publish(ctx, events.NewSaleEvent(kind, committed, s.now())); err != nil {
		s.logger.Warn("failed to publish sale event",
			zap.String("type", kind),
			zap.String("sale_id", committed.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		CompanyID:     s.companyOf(ctx),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
