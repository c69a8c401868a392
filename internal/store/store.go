package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidTransaction     = errors.New("invalid transaction")
	ErrDuplicateUnitSelection = errors.New("duplicate unit selection")
	ErrMissingIdentification  = errors.New("missing identification")
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrUnknownProduct         = fmt.Errorf("%w: unknown product", ErrNotFound)
	ErrUnknownCustomer        = fmt.Errorf("%w: unknown customer", ErrNotFound)
	ErrUnknownSale            = fmt.Errorf("%w: unknown sale", ErrNotFound)
	ErrUnknownBranch          = fmt.Errorf("%w: unknown branch", ErrNotFound)
)

// InsufficientStockError names the stock pool that could not cover a
// request. It matches ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	UnitID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	switch {
	case e.UnitID != "":
		return fmt.Sprintf("insufficient stock: product %s unit %s is not available", e.ProductID, e.UnitID)
	case e.VariantID != "":
		return fmt.Sprintf("insufficient stock: product %s variant %s has %d, requested %d", e.ProductID, e.VariantID, e.Available, e.Requested)
	default:
		return fmt.Sprintf("insufficient stock: product %s has %d, requested %d", e.ProductID, e.Available, e.Requested)
	}
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// FormatInvoiceNumber renders the per-company invoice sequence.
func FormatInvoiceNumber(prefix string, sequence int64) string {
	if prefix == "" {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%06d", prefix, sequence)
}

// CustomerFilter matches customers of one company. Empty keys are ignored;
// non-empty keys are compared after normalization and OR-ed together.
type CustomerFilter struct {
	CompanyID            string
	Name                 string
	Phone                string
	IdentificationNumber string
	Query                string
	Limit                int
}

type Repository interface {
	ProductRepository
	SaleLedger
	CustomerStore
	BranchDirectory
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, companyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type ProductRepository interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, companyID string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	// ApplyStockDelta applies one delta under the same per-product
	// serialization as CommitSale.
	ApplyStockDelta(ctx context.Context, delta domain.StockDelta) (*domain.Product, error)
}

type SaleLedger interface {
	// CommitSale re-validates and applies every delta, assigns the next
	// invoice number and persists the sale as one atomic step. On error no
	// stock is changed and no sale exists.
	CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, companyID string) ([]domain.Sale, error)
	CancelSale(ctx context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error)
	RegisterSalePayment(ctx context.Context, id string, amount decimal.Decimal) (*domain.Sale, error)
}

type CustomerStore interface {
	FindCustomers(ctx context.Context, filter CustomerFilter) ([]domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

type BranchDirectory interface {
	ListBranches(ctx context.Context, companyID string) ([]domain.Branch, error)
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)
}
