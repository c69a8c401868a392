package sale

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
)

type Payments struct {
	book   Book
	logger *zap.Logger
}

func NewPayments(book Book, logger *zap.Logger) *Payments {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Payments{book: book, logger: logger}
}

// Register adds amount to a credit sale's paid balance. The sale must be
// active and the amount must not exceed what is still owed.
func (p *Payments) Register(ctx context.Context, companyID string, saleID string, amount decimal.Decimal, actor domain.Actor) (*domain.Sale, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidTransaction)
	}

	current, err := loadOwned(ctx, p.book, companyID, saleID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.SaleActive {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrIllegalStateTransition, saleID, current.Status)
	}
	if current.PaymentMethod != domain.PaymentCredit {
		return nil, fmt.Errorf("%w: sale %s is not a credit sale", store.ErrInvalidTransaction, saleID)
	}
	if amount.GreaterThan(current.Outstanding()) {
		return nil, fmt.Errorf("%w: payment %s exceeds outstanding %s", store.ErrInvalidTransaction, amount, current.Outstanding())
	}

	updated, err := p.book.RegisterSalePayment(ctx, current.ID, amount)
	if err != nil {
		return nil, err
	}

	writeAudit(ctx, p.book, p.logger, actor, domain.AuditLog{
		CompanyID:  updated.CompanyID,
		Action:     "sale_payment",
		EntityType: "sale",
		EntityID:   updated.ID,
		Detail:     fmt.Sprintf("amount=%s,outstanding=%s", amount.StringFixed(2), updated.Outstanding().StringFixed(2)),
	})
	return updated, nil
}
