package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	databaseURL := os.Getenv("REPAIRPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set REPAIRPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	companyID := fmt.Sprintf("company-it-%d", time.Now().UnixNano())
	if err := s.SeedCompany(ctx, companyID); err != nil {
		t.Fatalf("seed company: %v", err)
	}
	return s, companyID
}

func TestCommitSaleNeverOversellsVariant(t *testing.T) {
	s, companyID := openTestStore(t)
	ctx := context.Background()

	product, err := s.CreateProduct(ctx, domain.Product{
		CompanyID: companyID,
		Name:      "Case IT",
		Category:  "accessories",
		UnitPrice: decimal.NewFromInt(20),
		UnitCost:  decimal.NewFromInt(5),
		Stock: &domain.VariantStock{Variants: []domain.Variant{
			{ID: companyID + "-black", Name: "Black", Stock: 3},
		}},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	variantID := companyID + "-black"
	commit := func() error {
		_, err := s.CommitSale(ctx, domain.SaleCommit{
			Sale: domain.Sale{
				CompanyID:     companyID,
				BranchID:      "branch-" + companyID + "-main",
				CustomerID:    "cus-" + companyID + "-walkin",
				PaymentMethod: domain.PaymentCash,
				Total:         decimal.NewFromInt(40),
				TotalCost:     decimal.NewFromInt(10),
				AmountPaid:    decimal.NewFromInt(40),
				Items: []domain.CartLine{{
					ProductID: product.ID, ProductName: product.Name, Mode: domain.TrackingVariants,
					VariantID: variantID, Quantity: 2, UnitPrice: decimal.NewFromInt(20), UnitCost: decimal.NewFromInt(5),
				}},
			},
			Deltas:        []domain.StockDelta{{ProductID: product.ID, VariantID: variantID, Quantity: -2}},
			InvoicePrefix: "IT",
		})
		return err
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = commit()
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		failures++
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one failed commit, got %d", failures)
	}

	reloaded, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("reload product: %v", err)
	}
	variant, _ := reloaded.Variant(variantID)
	if variant.Stock != 1 {
		t.Fatalf("expected variant stock 1, got %d", variant.Stock)
	}

	sales, err := s.ListSales(ctx, companyID)
	if err != nil {
		t.Fatalf("list sales: %v", err)
	}
	if len(sales) != 1 || sales[0].InvoiceNumber != "IT-000001" {
		t.Fatalf("expected one sale IT-000001, got %+v", sales)
	}
	if len(sales[0].Items) != 1 || sales[0].Items[0].VariantID != variantID {
		t.Fatalf("expected sale items to round trip, got %+v", sales[0].Items)
	}
}

func TestCancelSaleKeepsUnitsSold(t *testing.T) {
	s, companyID := openTestStore(t)
	ctx := context.Background()

	unitID := companyID + "-u1"
	product, err := s.CreateProduct(ctx, domain.Product{
		CompanyID: companyID,
		Name:      "Phone IT",
		Category:  "phones",
		UnitPrice: decimal.NewFromInt(300),
		UnitCost:  decimal.NewFromInt(200),
		Stock: &domain.UnitStock{Units: []domain.Unit{
			{ID: unitID, IMEI: "490154203237518", Status: domain.UnitAvailable},
		}},
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale, err := s.CommitSale(ctx, domain.SaleCommit{
		Sale: domain.Sale{
			CompanyID:     companyID,
			BranchID:      "branch-" + companyID + "-main",
			CustomerID:    "cus-" + companyID + "-walkin",
			PaymentMethod: domain.PaymentCredit,
			CreditDays:    10,
			Total:         decimal.NewFromInt(300),
			TotalCost:     decimal.NewFromInt(200),
			Items: []domain.CartLine{{
				ProductID: product.ID, ProductName: product.Name, Mode: domain.TrackingUnits,
				UnitIDs: []string{unitID}, Quantity: 1, UnitPrice: decimal.NewFromInt(300), UnitCost: decimal.NewFromInt(200),
			}},
		},
		Deltas: []domain.StockDelta{{ProductID: product.ID, UnitIDs: []string{unitID}, UnitStatus: domain.UnitSold}},
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}

	paid, err := s.RegisterSalePayment(ctx, sale.ID, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("register payment: %v", err)
	}
	if !paid.AmountPaid.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected amount paid 100, got %s", paid.AmountPaid)
	}

	if _, err := s.CancelSale(ctx, sale.ID, "integration test cancel", "admin", time.Now().UTC()); err != nil {
		t.Fatalf("cancel sale: %v", err)
	}
	if _, err := s.CancelSale(ctx, sale.ID, "again", "admin", time.Now().UTC()); !errors.Is(err, store.ErrIllegalStateTransition) {
		t.Fatalf("expected illegal state transition on second cancel, got %v", err)
	}

	reloaded, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("reload product: %v", err)
	}
	unit, _ := reloaded.Unit(unitID)
	if unit.Status != domain.UnitSold {
		t.Fatalf("expected unit to stay sold after cancel, got %s", unit.Status)
	}
}
