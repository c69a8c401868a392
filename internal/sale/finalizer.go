package sale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/cart"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
)

type State string

const (
	StateDraft     State = "draft"
	StateReserving State = "reserving"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Failure reasons reported on a failed Attempt.
const (
	ReasonValidation        = "validation"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonDuplicateUnit     = "duplicate_unit"
	ReasonUnknownReference  = "unknown_reference"
	ReasonStore             = "store_error"
)

// Attempt is the outcome of one finalize call. Attempts are single shot;
// a failed cart is finalized again from a fresh Attempt.
type Attempt struct {
	State  State
	Reason string
	Sale   *domain.Sale
}

type Input struct {
	Cart          domain.Cart
	CustomerID    string
	BranchID      string
	PaymentMethod domain.PaymentMethod
	CreditDays    int
	Actor         string
}

// Ledger is the part of the repository a finalize call touches.
type Ledger interface {
	CommitSale(ctx context.Context, commit domain.SaleCommit) (*domain.Sale, error)
	GetBranch(ctx context.Context, id string) (*domain.Branch, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
}

type Finalizer struct {
	ledger        Ledger
	invoicePrefix string
	now           func() time.Time
}

func NewFinalizer(ledger Ledger, invoicePrefix string) *Finalizer {
	return &Finalizer{
		ledger:        ledger,
		invoicePrefix: strings.TrimSpace(invoicePrefix),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for createdAt and credit due dates.
func (f *Finalizer) WithClock(now func() time.Time) *Finalizer {
	f.now = now
	return f
}

// Finalize checks the preconditions, then hands the priced sale and its
// stock deltas to the ledger, which re-validates against live stock and
// commits everything in one step.
func (f *Finalizer) Finalize(ctx context.Context, in Input) (Attempt, error) {
	attempt := Attempt{State: StateDraft}

	if err := f.checkPreconditions(ctx, in); err != nil {
		return attempt.fail(err)
	}
	deltas, err := buildDeltas(in.Cart.Lines)
	if err != nil {
		return attempt.fail(err)
	}

	attempt.State = StateReserving
	now := f.now()
	total, totalCost := cart.Totals(in.Cart.Lines)
	pending := domain.Sale{
		CompanyID:     in.Cart.CompanyID,
		BranchID:      in.BranchID,
		CustomerID:    in.CustomerID,
		Items:         in.Cart.Clone().Lines,
		Total:         total,
		TotalCost:     totalCost,
		PaymentMethod: in.PaymentMethod,
		AmountPaid:    total,
		Status:        domain.SaleActive,
		CreatedBy:     in.Actor,
		CreatedAt:     now,
	}
	if in.PaymentMethod == domain.PaymentCredit {
		due := now.AddDate(0, 0, in.CreditDays)
		pending.CreditDays = in.CreditDays
		pending.CreditDueDate = &due
		pending.AmountPaid = decimal.Zero
	}

	committed, err := f.ledger.CommitSale(ctx, domain.SaleCommit{
		Sale:          pending,
		Deltas:        deltas,
		InvoicePrefix: f.invoicePrefix,
	})
	if err != nil {
		return attempt.fail(err)
	}

	attempt.State = StateCommitted
	attempt.Sale = committed
	return attempt, nil
}

// MaxCreditDays caps the credit term a sale may carry.
const MaxCreditDays = 3650

// CheckInput runs the finalize preconditions that need no lookups. It
// does not require a customer, so callers can validate a request before
// resolving an inline customer for it.
func CheckInput(in Input) error {
	if in.Cart.CompanyID == "" {
		return fmt.Errorf("%w: cart has no company", store.ErrInvalidTransaction)
	}
	if len(in.Cart.Lines) == 0 {
		return fmt.Errorf("%w: cart is empty", store.ErrInvalidTransaction)
	}
	if strings.TrimSpace(in.BranchID) == "" {
		return fmt.Errorf("%w: branch is required", store.ErrInvalidTransaction)
	}
	if !in.PaymentMethod.Supported() {
		return fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidTransaction, in.PaymentMethod)
	}
	if in.PaymentMethod == domain.PaymentCredit {
		if in.CreditDays < 1 {
			return fmt.Errorf("%w: credit sales need at least one credit day", store.ErrInvalidTransaction)
		}
		if in.CreditDays > MaxCreditDays {
			return fmt.Errorf("%w: credit days must not exceed %d", store.ErrInvalidTransaction, MaxCreditDays)
		}
	}
	return nil
}

func (f *Finalizer) checkPreconditions(ctx context.Context, in Input) error {
	if err := CheckInput(in); err != nil {
		return err
	}
	if strings.TrimSpace(in.CustomerID) == "" {
		return fmt.Errorf("%w: customer is required", store.ErrInvalidTransaction)
	}

	branch, err := f.ledger.GetBranch(ctx, in.BranchID)
	if err != nil {
		return err
	}
	if branch.CompanyID != in.Cart.CompanyID {
		return fmt.Errorf("%w: %s", store.ErrUnknownBranch, in.BranchID)
	}
	if !branch.Active {
		return fmt.Errorf("%w: branch %s is inactive", store.ErrInvalidTransaction, in.BranchID)
	}

	customer, err := f.ledger.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return err
	}
	if customer.CompanyID != in.Cart.CompanyID {
		return fmt.Errorf("%w: %s", store.ErrUnknownCustomer, in.CustomerID)
	}
	return nil
}

// buildDeltas turns cart lines into the decrements the ledger applies.
func buildDeltas(lines []domain.CartLine) ([]domain.StockDelta, error) {
	deltas := make([]domain.StockDelta, 0, len(lines))
	seenUnits := make(map[string]struct{})
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 {
			return nil, fmt.Errorf("%w: malformed cart line", store.ErrInvalidTransaction)
		}
		switch line.Mode {
		case domain.TrackingQuantity:
			deltas = append(deltas, domain.StockDelta{ProductID: line.ProductID, Quantity: -line.Quantity})
		case domain.TrackingUnits:
			if len(line.UnitIDs) != line.Quantity {
				return nil, fmt.Errorf("%w: unit line %s quantity does not match its units", store.ErrInvalidTransaction, line.ProductID)
			}
			for _, id := range line.UnitIDs {
				if _, dup := seenUnits[id]; dup {
					return nil, fmt.Errorf("%w: unit %s", store.ErrDuplicateUnitSelection, id)
				}
				seenUnits[id] = struct{}{}
			}
			deltas = append(deltas, domain.StockDelta{
				ProductID:  line.ProductID,
				UnitIDs:    append([]string(nil), line.UnitIDs...),
				UnitStatus: domain.UnitSold,
			})
		case domain.TrackingVariants:
			if line.VariantID == "" {
				return nil, fmt.Errorf("%w: variant line %s has no variant", store.ErrInvalidTransaction, line.ProductID)
			}
			deltas = append(deltas, domain.StockDelta{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: -line.Quantity})
		default:
			return nil, fmt.Errorf("%w: unknown tracking mode %q", store.ErrInvalidTransaction, line.Mode)
		}
	}
	return deltas, nil
}

func (a Attempt) fail(err error) (Attempt, error) {
	a.State = StateFailed
	a.Reason = FailureReason(err)
	return a, err
}

// FailureReason classifies a finalize error for metrics and logs.
func FailureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrInsufficientStock):
		return ReasonInsufficientStock
	case errors.Is(err, store.ErrDuplicateUnitSelection):
		return ReasonDuplicateUnit
	case errors.Is(err, store.ErrNotFound):
		return ReasonUnknownReference
	case errors.Is(err, store.ErrInvalidTransaction), errors.Is(err, store.ErrIllegalStateTransition):
		return ReasonValidation
	default:
		return ReasonStore
	}
}
