package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"repairpos/backend/internal/cart"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/events"
	"repairpos/backend/internal/sale"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

const cartLockStripes = 32

// cartLocks serializes read-modify-write cycles on one draft within this
// process. Drafts shared across processes through Redis are last write wins.
type cartLocks struct {
	stripes [cartLockStripes]sync.Mutex
}

func (l *cartLocks) lock(cartID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cartID))
	mu := &l.stripes[h.Sum32()%cartLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) CreateCart(ctx context.Context) (domain.CartResponse, error) {
	actor, _ := ActorFromContext(ctx)
	now := s.now()
	draft := domain.Cart{
		ID:        xid.New("cart"),
		CompanyID: s.companyOf(ctx),
		CreatedBy: actor.Username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.drafts.Set(ctx, draft, s.opts.DraftTTL); err != nil {
		return domain.CartResponse{}, err
	}
	return toCartResponse(draft, nil), nil
}

func (s *Service) GetCart(ctx context.Context, cartID string) (domain.CartResponse, error) {
	draft, err := s.loadCart(ctx, cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}
	return toCartResponse(draft, nil), nil
}

// AddCartLine adds a line shaped by the product's tracking mode: a bare
// quantity, a list of unit ids, or a variant with a quantity.
func (s *Service) AddCartLine(ctx context.Context, cartID string, req domain.CartLineRequest) (domain.CartResponse, error) {
	product, err := s.GetProduct(ctx, req.ProductID)
	if err != nil {
		return domain.CartResponse{}, err
	}

	var warning *domain.StockWarning
	return s.updateCart(ctx, cartID, func(composer *cart.Composer) error {
		switch product.Mode() {
		case domain.TrackingQuantity:
			w, addErr := composer.AddQuantityLine(product, req.Quantity)
			warning = w
			return addErr
		case domain.TrackingUnits:
			return composer.AddUnitLine(product, req.UnitIDs)
		case domain.TrackingVariants:
			return composer.AddVariantLine(product, req.VariantID, req.Quantity)
		default:
			return fmt.Errorf("%w: product %s has no stock pool", store.ErrInvalidTransaction, product.ID)
		}
	}, func() *domain.StockWarning { return warning })
}

func (s *Service) RemoveCartLine(ctx context.Context, cartID string, productID string, variantID string) (domain.CartResponse, error) {
	return s.updateCart(ctx, cartID, func(composer *cart.Composer) error {
		return composer.RemoveLine(strings.TrimSpace(productID), strings.TrimSpace(variantID))
	}, nil)
}

func (s *Service) ClearCart(ctx context.Context, cartID string) (domain.CartResponse, error) {
	return s.updateCart(ctx, cartID, func(composer *cart.Composer) error {
		composer.Clear()
		return nil
	}, nil)
}

func (s *Service) DiscardCart(ctx context.Context, cartID string) error {
	unlock := s.carts.lock(cartID)
	defer unlock()

	if _, err := s.loadCart(ctx, cartID); err != nil {
		return err
	}
	return s.drafts.Delete(ctx, cartID)
}

// FinalizeCart turns a draft into a committed sale. An inline customer is
// resolved (or created) once the request passes the lookup-free checks. On success the draft is dropped; on failure
// it is kept unchanged so the caller can fix it and try again.
func (s *Service) FinalizeCart(ctx context.Context, cartID string, req domain.FinalizeRequest) (sale.Attempt, error) {
	unlock := s.carts.lock(cartID)
	defer unlock()

	draft, err := s.loadCart(ctx, cartID)
	if err != nil {
		return sale.Attempt{State: sale.StateFailed, Reason: sale.FailureReason(err)}, err
	}
	actor, _ := ActorFromContext(ctx)

	if actor.Role == "advisor" && strings.TrimSpace(req.BranchID) != "" {
		if err := s.checkAdvisorBranch(ctx, actor, req.BranchID); err != nil {
			return sale.Attempt{State: sale.StateFailed, Reason: sale.ReasonValidation}, err
		}
	}

	in := sale.Input{
		Cart:          draft,
		CustomerID:    strings.TrimSpace(req.CustomerID),
		BranchID:      strings.TrimSpace(req.BranchID),
		PaymentMethod: req.PaymentMethod,
		CreditDays:    req.CreditDays,
		Actor:         actor.Username,
	}
	if req.Customer != nil {
		// An inline customer is only resolved for a request that can
		// otherwise go through.
		if err := sale.CheckInput(in); err != nil {
			s.metrics.ObserveFinalize(string(req.PaymentMethod), sale.ReasonValidation, 0)
			return sale.Attempt{State: sale.StateFailed, Reason: sale.ReasonValidation}, err
		}
		resolution, err := s.ResolveCustomer(ctx, *req.Customer)
		if err != nil {
			return sale.Attempt{State: sale.StateFailed, Reason: sale.FailureReason(err)}, err
		}
		in.CustomerID = resolution.Customer.ID
	}

	started := s.now()
	attempt, err := s.finalizer.Finalize(ctx, in)
	s.metrics.ObserveFinalize(string(req.PaymentMethod), attempt.Reason, s.now().Sub(started))
	if err != nil {
		s.logger.Info("sale finalize failed",
			zap.String("cart_id", draft.ID),
			zap.String("reason", attempt.Reason),
			zap.Error(err),
		)
		return attempt, err
	}

	committed := *attempt.Sale
	if err := s.drafts.Delete(ctx, draft.ID); err != nil {
		s.logger.Warn("failed to drop finalized cart", zap.String("cart_id", draft.ID), zap.Error(err))
	}
	s.logAudit(ctx, "sale_finalize", "sale", committed.ID, fmt.Sprintf("invoice=%s,total=%s,payment=%s", committed.InvoiceNumber, committed.Total.StringFixed(2), committed.PaymentMethod))
	s.publish(ctx, events.SaleCommitted, committed)
	return attempt, nil
}

func (s *Service) checkAdvisorBranch(ctx context.Context, actor domain.Actor, branchID string) error {
	branch, err := s.repo.GetBranch(ctx, strings.TrimSpace(branchID))
	if err != nil {
		return err
	}
	if !advisesBranch(*branch, actor.Username) {
		return fmt.Errorf("%w: branch %s is not assigned to %s", ErrForbidden, branch.ID, actor.Username)
	}
	return nil
}

// updateCart applies mutate to a copy of the draft and stores it only when
// mutate succeeds.
func (s *Service) updateCart(ctx context.Context, cartID string, mutate func(*cart.Composer) error, warning func() *domain.StockWarning) (domain.CartResponse, error) {
	unlock := s.carts.lock(cartID)
	defer unlock()

	draft, err := s.loadCart(ctx, cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}
	composer := cart.NewComposer(draft)
	if err := mutate(composer); err != nil {
		return domain.CartResponse{}, err
	}
	updated := composer.Cart()
	if err := s.drafts.Set(ctx, updated, s.opts.DraftTTL); err != nil {
		return domain.CartResponse{}, err
	}

	var w *domain.StockWarning
	if warning != nil {
		w = warning()
	}
	return toCartResponse(updated, w), nil
}

func (s *Service) loadCart(ctx context.Context, cartID string) (domain.Cart, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.Cart{}, fmt.Errorf("%w: cart id required", store.ErrInvalidTransaction)
	}
	draft, ok, err := s.drafts.Get(ctx, cartID)
	if err != nil {
		return domain.Cart{}, err
	}
	if !ok || draft.CompanyID != s.companyOf(ctx) {
		return domain.Cart{}, fmt.Errorf("%w: cart %s", store.ErrNotFound, cartID)
	}
	return *draft, nil
}

func toCartResponse(draft domain.Cart, warning *domain.StockWarning) domain.CartResponse {
	if draft.Lines == nil {
		draft.Lines = []domain.CartLine{}
	}
	total, totalCost := cart.Totals(draft.Lines)
	return domain.CartResponse{Cart: draft, Total: total, TotalCost: totalCost, Warning: warning}
}
