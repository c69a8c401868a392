package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/stock"
	"repairpos/backend/internal/store"
)

func saleFor(lines ...domain.CartLine) domain.Sale {
	return domain.Sale{
		CompanyID:     DemoCompanyID,
		BranchID:      "branch-centro",
		CustomerID:    "cus-walkin",
		Items:         lines,
		PaymentMethod: domain.PaymentCash,
		Status:        domain.SaleActive,
	}
}

func TestCommitSaleAssignsMonotonicInvoiceNumbers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	var invoices []string
	for i := 0; i < 3; i++ {
		sale, err := s.CommitSale(ctx, domain.SaleCommit{
			Sale:          saleFor(domain.CartLine{ProductID: "prod-glass", Quantity: 1}),
			Deltas:        []domain.StockDelta{{ProductID: "prod-glass", Quantity: -1}},
			InvoicePrefix: "FV",
		})
		require.NoError(t, err)
		invoices = append(invoices, sale.InvoiceNumber)
	}
	assert.Equal(t, []string{"FV-000001", "FV-000002", "FV-000003"}, invoices)

	product, err := s.GetProduct(ctx, "prod-glass")
	require.NoError(t, err)
	assert.Equal(t, 37, stock.AvailableQuantity(*product))
}

func TestCommitSaleIsAtomicAcrossProducts(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CommitSale(ctx, domain.SaleCommit{
		Sale: saleFor(
			domain.CartLine{ProductID: "prod-glass", Quantity: 2},
			domain.CartLine{ProductID: "prod-iphone13", UnitIDs: []string{"unit-ip13-1"}, Quantity: 1},
			domain.CartLine{ProductID: "prod-case", VariantID: "var-case-black", Quantity: 4},
		),
		Deltas: []domain.StockDelta{
			{ProductID: "prod-glass", Quantity: -2},
			{ProductID: "prod-iphone13", UnitIDs: []string{"unit-ip13-1"}, UnitStatus: domain.UnitSold},
			{ProductID: "prod-case", VariantID: "var-case-black", Quantity: -4},
		},
	})
	var stockErr *store.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "prod-case", stockErr.ProductID)

	glass, _ := s.GetProduct(ctx, "prod-glass")
	assert.Equal(t, 40, stock.AvailableQuantity(*glass))
	phone, _ := s.GetProduct(ctx, "prod-iphone13")
	unit, _ := phone.Unit("unit-ip13-1")
	assert.Equal(t, domain.UnitAvailable, unit.Status)

	sales, err := s.ListSales(ctx, DemoCompanyID)
	require.NoError(t, err)
	assert.Empty(t, sales)

	ok, err := s.CommitSale(ctx, domain.SaleCommit{
		Sale:   saleFor(domain.CartLine{ProductID: "prod-glass", Quantity: 1}),
		Deltas: []domain.StockDelta{{ProductID: "prod-glass", Quantity: -1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-000001", ok.InvoiceNumber)
}

func TestConcurrentCommitsNeverOversellUnits(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < workers; i++ {
		unitID := "unit-ip13-1"
		if i%2 == 1 {
			unitID = "unit-ip13-2"
		}
		wg.Add(1)
		go func(unitID string) {
			defer wg.Done()
			_, err := s.CommitSale(ctx, domain.SaleCommit{
				Sale:   saleFor(domain.CartLine{ProductID: "prod-iphone13", UnitIDs: []string{unitID}, Quantity: 1}),
				Deltas: []domain.StockDelta{{ProductID: "prod-iphone13", UnitIDs: []string{unitID}, UnitStatus: domain.UnitSold}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrInsufficientStock)
		}(unitID)
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	phone, err := s.GetProduct(ctx, "prod-iphone13")
	require.NoError(t, err)
	assert.Equal(t, 0, stock.AvailableQuantity(*phone))
}

func TestConcurrentVariantCommitsLeaveNonNegativeStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, domain.SaleCommit{
				Sale:   saleFor(domain.CartLine{ProductID: "prod-case", VariantID: "var-case-black", Quantity: 2}),
				Deltas: []domain.StockDelta{{ProductID: "prod-case", VariantID: "var-case-black", Quantity: -2}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	failures := 0
	for err := range results {
		if err != nil {
			failures++
			assert.ErrorIs(t, err, store.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 1, failures)

	product, err := s.GetProduct(ctx, "prod-case")
	require.NoError(t, err)
	black, _ := product.Variant("var-case-black")
	assert.Equal(t, 1, black.Stock)
}

func TestCancelSaleIsOneWay(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	sale, err := s.CommitSale(ctx, domain.SaleCommit{
		Sale:   saleFor(domain.CartLine{ProductID: "prod-glass", Quantity: 1}),
		Deltas: []domain.StockDelta{{ProductID: "prod-glass", Quantity: -1}},
	})
	require.NoError(t, err)

	at := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	cancelled, err := s.CancelSale(ctx, sale.ID, "wrong customer", "admin", at)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleCancelled, cancelled.Status)
	assert.Equal(t, "admin", cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)
	assert.True(t, cancelled.CancelledAt.Equal(at))

	_, err = s.CancelSale(ctx, sale.ID, "again", "admin", at)
	assert.ErrorIs(t, err, store.ErrIllegalStateTransition)

	_, err = s.CancelSale(ctx, "sale-missing", "x", "admin", at)
	assert.ErrorIs(t, err, store.ErrUnknownSale)
	assert.ErrorIs(t, err, store.ErrNotFound)

	glass, _ := s.GetProduct(ctx, "prod-glass")
	assert.Equal(t, 39, stock.AvailableQuantity(*glass))
}

func TestRegisterSalePaymentOnlyForCreditBalance(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	credit := saleFor(domain.CartLine{ProductID: "prod-glass", Quantity: 2, UnitPrice: decimal.NewFromInt(10)})
	credit.PaymentMethod = domain.PaymentCredit
	credit.Total = decimal.NewFromInt(20)
	sale, err := s.CommitSale(ctx, domain.SaleCommit{
		Sale:   credit,
		Deltas: []domain.StockDelta{{ProductID: "prod-glass", Quantity: -2}},
	})
	require.NoError(t, err)

	updated, err := s.RegisterSalePayment(ctx, sale.ID, decimal.NewFromInt(15))
	require.NoError(t, err)
	assert.True(t, updated.AmountPaid.Equal(decimal.NewFromInt(15)))

	_, err = s.RegisterSalePayment(ctx, sale.ID, decimal.NewFromInt(6))
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = s.RegisterSalePayment(ctx, sale.ID, decimal.Zero)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	cash, err := s.CommitSale(ctx, domain.SaleCommit{
		Sale:   saleFor(domain.CartLine{ProductID: "prod-glass", Quantity: 1}),
		Deltas: []domain.StockDelta{{ProductID: "prod-glass", Quantity: -1}},
	})
	require.NoError(t, err)
	_, err = s.RegisterSalePayment(ctx, cash.ID, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestFindCustomersMatchesNormalizedKeys(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	found, err := s.FindCustomers(ctx, store.CustomerFilter{CompanyID: DemoCompanyID, Phone: "3001234567"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "cus-laura", found[0].ID)

	found, err = s.FindCustomers(ctx, store.CustomerFilter{CompanyID: DemoCompanyID, Query: "gómez"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	found, err = s.FindCustomers(ctx, store.CustomerFilter{CompanyID: "other", Phone: "3001234567"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestApplyStockDeltaReceivesVariantStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	updated, err := s.ApplyStockDelta(ctx, domain.StockDelta{ProductID: "prod-case", VariantID: "var-case-red", Quantity: 4})
	require.NoError(t, err)
	red, _ := updated.Variant("var-case-red")
	assert.Equal(t, 4, red.Stock)

	_, err = s.ApplyStockDelta(ctx, domain.StockDelta{ProductID: "prod-missing", Quantity: 1})
	assert.ErrorIs(t, err, store.ErrUnknownProduct)
}
