package sale

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

// Book is the part of the repository that mutates persisted sales.
type Book interface {
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	CancelSale(ctx context.Context, id string, reason string, actor string, at time.Time) (*domain.Sale, error)
	RegisterSalePayment(ctx context.Context, id string, amount decimal.Decimal) (*domain.Sale, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// Canceller moves active sales to cancelled. Stock is not returned: units
// stay sold and counts stay decremented.
type Canceller struct {
	book   Book
	logger *zap.Logger
	now    func() time.Time
}

func NewCanceller(book Book, logger *zap.Logger) *Canceller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canceller{
		book:   book,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *Canceller) Cancel(ctx context.Context, companyID string, saleID string, reason string, actor domain.Actor) (*domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", store.ErrInvalidTransaction)
	}

	current, err := loadOwned(ctx, c.book, companyID, saleID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.SaleActive {
		return nil, fmt.Errorf("%w: sale %s is %s", store.ErrIllegalStateTransition, saleID, current.Status)
	}

	cancelled, err := c.book.CancelSale(ctx, saleID, reason, actor.Username, c.now())
	if err != nil {
		return nil, err
	}

	writeAudit(ctx, c.book, c.logger, actor, domain.AuditLog{
		CompanyID:  cancelled.CompanyID,
		Action:     "sale_cancel",
		EntityType: "sale",
		EntityID:   cancelled.ID,
		Detail:     fmt.Sprintf("invoice=%s,reason=%s", cancelled.InvoiceNumber, reason),
	})
	return cancelled, nil
}

func loadOwned(ctx context.Context, book Book, companyID string, saleID string) (*domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, fmt.Errorf("%w: sale id is required", store.ErrInvalidTransaction)
	}
	current, err := book.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if companyID != "" && current.CompanyID != companyID {
		return nil, store.ErrUnknownSale
	}
	return current, nil
}

// writeAudit records entry and only logs when the write fails.
func writeAudit(ctx context.Context, book Book, logger *zap.Logger, actor domain.Actor, entry domain.AuditLog) {
	if actor.Username == "" {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	entry.ID = xid.New("audit")
	entry.ActorUsername = actor.Username
	entry.ActorRole = actor.Role
	entry.CreatedAt = time.Now().UTC()
	if err := book.CreateAuditLog(ctx, entry); err != nil {
		logger.Warn("failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("entity", entry.EntityType+"/"+entry.EntityID),
			zap.Error(err))
	}
}
