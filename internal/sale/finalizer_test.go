package sale_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairpos/backend/internal/cart"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/sale"
	"repairpos/backend/internal/stock"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/store/memory"
)

func product(t *testing.T, s *memory.Store, id string) domain.Product {
	t.Helper()
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func newCart() *cart.Composer {
	return cart.NewComposer(domain.Cart{ID: "cart-test", CompanyID: memory.DemoCompanyID})
}

func cashInput(c domain.Cart) sale.Input {
	return sale.Input{
		Cart:          c,
		CustomerID:    "cus-walkin",
		BranchID:      "branch-centro",
		PaymentMethod: domain.PaymentCash,
		Actor:         "cashier",
	}
}

func TestFinalizeUnitLineSellsOnlyReservedUnit(t *testing.T) {
	s := memory.NewSeeded()
	f := sale.NewFinalizer(s, "INV")

	composer := newCart()
	require.NoError(t, composer.AddUnitLine(product(t, s, "prod-iphone13"), []string{"unit-ip13-1"}))

	attempt, err := f.Finalize(context.Background(), cashInput(composer.Cart()))
	require.NoError(t, err)
	assert.Equal(t, sale.StateCommitted, attempt.State)
	require.NotNil(t, attempt.Sale)
	assert.Equal(t, "INV-000001", attempt.Sale.InvoiceNumber)
	assert.Equal(t, domain.SaleActive, attempt.Sale.Status)
	assert.True(t, attempt.Sale.Total.Equal(decimal.RequireFromString("649.00")))
	assert.True(t, attempt.Sale.AmountPaid.Equal(attempt.Sale.Total))

	phone := product(t, s, "prod-iphone13")
	u1, _ := phone.Unit("unit-ip13-1")
	u2, _ := phone.Unit("unit-ip13-2")
	assert.Equal(t, domain.UnitSold, u1.Status)
	assert.Equal(t, domain.UnitAvailable, u2.Status)
	assert.Equal(t, 1, stock.AvailableQuantity(phone))
}

func TestFinalizeCreditSetsDueDateAndZeroPaid(t *testing.T) {
	s := memory.NewSeeded()
	at := time.Date(2026, 3, 28, 15, 4, 5, 0, time.UTC)
	f := sale.NewFinalizer(s, "FV").WithClock(func() time.Time { return at })

	composer := newCart()
	_, err := composer.AddQuantityLine(product(t, s, "prod-glass"), 2)
	require.NoError(t, err)

	in := cashInput(composer.Cart())
	in.CustomerID = "cus-laura"
	in.PaymentMethod = domain.PaymentCredit
	in.CreditDays = 30

	attempt, err := f.Finalize(context.Background(), in)
	require.NoError(t, err)
	committed := attempt.Sale
	require.NotNil(t, committed.CreditDueDate)
	assert.True(t, committed.CreditDueDate.Equal(at.Add(30*24*time.Hour)))
	assert.Equal(t, 30, committed.CreditDays)
	assert.True(t, committed.AmountPaid.IsZero())
	assert.True(t, committed.Total.Equal(decimal.RequireFromString("25.00")))
	assert.True(t, committed.TotalCost.Equal(decimal.RequireFromString("6.40")))
	assert.True(t, committed.CreatedAt.Equal(at))
}

func TestFinalizeCreditAtMaxTermDueInFuture(t *testing.T) {
	s := memory.NewSeeded()
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := sale.NewFinalizer(s, "").WithClock(func() time.Time { return at })

	composer := newCart()
	_, err := composer.AddQuantityLine(product(t, s, "prod-glass"), 1)
	require.NoError(t, err)

	in := cashInput(composer.Cart())
	in.PaymentMethod = domain.PaymentCredit
	in.CreditDays = sale.MaxCreditDays

	attempt, err := f.Finalize(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, attempt.Sale.CreditDueDate)
	assert.True(t, attempt.Sale.CreditDueDate.After(at))
	assert.True(t, attempt.Sale.CreditDueDate.Equal(at.AddDate(0, 0, sale.MaxCreditDays)))
	assert.False(t, attempt.Sale.Overdue(at))
}

func TestCheckInputSkipsCustomer(t *testing.T) {
	composer := newCart()
	composer.Clear()
	in := sale.Input{Cart: composer.Cart(), BranchID: "branch-centro", PaymentMethod: domain.PaymentCash}
	assert.ErrorIs(t, sale.CheckInput(in), store.ErrInvalidTransaction)

	in.Cart.Lines = []domain.CartLine{{ProductID: "prod-glass", Quantity: 1}}
	assert.NoError(t, sale.CheckInput(in))
}

func TestFinalizePreconditionsHaveNoSideEffects(t *testing.T) {
	s := memory.NewSeeded()
	f := sale.NewFinalizer(s, "")
	ctx := context.Background()

	composer := newCart()
	_, err := composer.AddQuantityLine(product(t, s, "prod-glass"), 1)
	require.NoError(t, err)
	filled := composer.Cart()

	cases := []struct {
		name   string
		mutate func(*sale.Input)
		target error
		reason string
	}{
		{"empty cart", func(in *sale.Input) { in.Cart.Lines = nil }, store.ErrInvalidTransaction, sale.ReasonValidation},
		{"no branch", func(in *sale.Input) { in.BranchID = "" }, store.ErrInvalidTransaction, sale.ReasonValidation},
		{"credit without days", func(in *sale.Input) { in.PaymentMethod = domain.PaymentCredit }, store.ErrInvalidTransaction, sale.ReasonValidation},
		{"unsupported method", func(in *sale.Input) { in.PaymentMethod = "barter" }, store.ErrInvalidTransaction, sale.ReasonValidation},
		{"credit term too long", func(in *sale.Input) {
			in.PaymentMethod = domain.PaymentCredit
			in.CreditDays = 200000
		}, store.ErrInvalidTransaction, sale.ReasonValidation},
		{"unknown branch", func(in *sale.Input) { in.BranchID = "branch-missing" }, store.ErrUnknownBranch, sale.ReasonUnknownReference},
		{"unknown customer", func(in *sale.Input) { in.CustomerID = "cus-missing" }, store.ErrUnknownCustomer, sale.ReasonUnknownReference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := cashInput(filled)
			tc.mutate(&in)
			attempt, err := f.Finalize(ctx, in)
			assert.ErrorIs(t, err, tc.target)
			assert.Equal(t, sale.StateFailed, attempt.State)
			assert.Equal(t, tc.reason, attempt.Reason)
			assert.Nil(t, attempt.Sale)
		})
	}

	assert.Equal(t, 40, stock.AvailableQuantity(product(t, s, "prod-glass")))
	sales, err := s.ListSales(ctx, memory.DemoCompanyID)
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestFinalizeRechecksLiveStock(t *testing.T) {
	s := memory.NewSeeded()
	f := sale.NewFinalizer(s, "")
	ctx := context.Background()

	composer := newCart()
	_, err := composer.AddQuantityLine(product(t, s, "prod-glass"), 3)
	require.NoError(t, err)
	require.NoError(t, composer.AddUnitLine(product(t, s, "prod-iphone13"), []string{"unit-ip13-2"}))

	// Someone else sells the unit between composition and finalize.
	other := newCart()
	require.NoError(t, other.AddUnitLine(product(t, s, "prod-iphone13"), []string{"unit-ip13-2"}))
	_, err = f.Finalize(ctx, cashInput(other.Cart()))
	require.NoError(t, err)

	attempt, err := f.Finalize(ctx, cashInput(composer.Cart()))
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-iphone13", stockErr.ProductID)
	assert.Equal(t, "unit-ip13-2", stockErr.UnitID)
	assert.Equal(t, sale.ReasonInsufficientStock, attempt.Reason)

	assert.Equal(t, 40, stock.AvailableQuantity(product(t, s, "prod-glass")))
}

func TestConcurrentVariantFinalizeSellsOnce(t *testing.T) {
	s := memory.NewSeeded()
	f := sale.NewFinalizer(s, "")
	ctx := context.Background()

	carts := make([]domain.Cart, 2)
	for i := range carts {
		composer := newCart()
		require.NoError(t, composer.AddVariantLine(product(t, s, "prod-case"), "var-case-black", 2))
		carts[i] = composer.Cart()
	}

	attempts := make([]sale.Attempt, len(carts))
	errs := make([]error, len(carts))
	var wg sync.WaitGroup
	for i := range carts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempts[i], errs[i] = f.Finalize(ctx, cashInput(carts[i]))
		}(i)
	}
	wg.Wait()

	committed := 0
	for i := range attempts {
		if errs[i] == nil {
			committed++
			assert.Equal(t, sale.StateCommitted, attempts[i].State)
			continue
		}
		assert.ErrorIs(t, errs[i], store.ErrInsufficientStock)
		assert.Equal(t, sale.StateFailed, attempts[i].State)
	}
	assert.Equal(t, 1, committed)

	black, _ := product(t, s, "prod-case").Variant("var-case-black")
	assert.Equal(t, 1, black.Stock)
}

func TestConcurrentQuantityFinalizeNeverOversells(t *testing.T) {
	s := memory.NewSeeded()
	f := sale.NewFinalizer(s, "")
	ctx := context.Background()

	const workers = 25
	glass := product(t, s, "prod-glass")
	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			composer := newCart()
			if _, err := composer.AddQuantityLine(glass, 3); err != nil {
				t.Error(err)
				return
			}
			if _, err := f.Finalize(ctx, cashInput(composer.Cart())); err == nil {
				mu.Lock()
				sold += 3
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 39, sold)
	assert.Equal(t, 1, stock.AvailableQuantity(product(t, s, "prod-glass")))

	sales, err := s.ListSales(ctx, memory.DemoCompanyID)
	require.NoError(t, err)
	assert.Len(t, sales, 13)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", sale.FailureReason(nil))
	assert.Equal(t, sale.ReasonInsufficientStock, sale.FailureReason(&store.InsufficientStockError{ProductID: "p"}))
	assert.Equal(t, sale.ReasonDuplicateUnit, sale.FailureReason(store.ErrDuplicateUnitSelection))
	assert.Equal(t, sale.ReasonUnknownReference, sale.FailureReason(store.ErrUnknownSale))
	assert.Equal(t, sale.ReasonStore, sale.FailureReason(context.DeadlineExceeded))
}
