package sale_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/sale"
	"repairpos/backend/internal/store"
)

func ids(sales []domain.Sale) []string {
	out := make([]string, 0, len(sales))
	for _, s := range sales {
		out = append(out, s.ID)
	}
	return out
}

func fixtureSales(base time.Time) []domain.Sale {
	pastDue := base.Add(-48 * time.Hour)
	futureDue := base.Add(72 * time.Hour)
	return []domain.Sale{
		{ID: "s1", PaymentMethod: domain.PaymentCash, Status: domain.SaleActive, Total: decimal.NewFromInt(10), AmountPaid: decimal.NewFromInt(10), CreatedAt: base.Add(-96 * time.Hour)},
		{ID: "s2", PaymentMethod: domain.PaymentCard, Status: domain.SaleCancelled, Total: decimal.NewFromInt(10), AmountPaid: decimal.NewFromInt(10), CreatedAt: base.Add(-72 * time.Hour)},
		{ID: "s3", PaymentMethod: domain.PaymentCredit, Status: domain.SaleActive, Total: decimal.NewFromInt(50), AmountPaid: decimal.NewFromInt(20), CreditDueDate: &pastDue, CreatedAt: base.Add(-72 * time.Hour)},
		{ID: "s4", PaymentMethod: domain.PaymentCredit, Status: domain.SaleActive, Total: decimal.NewFromInt(50), AmountPaid: decimal.NewFromInt(50), CreditDueDate: &pastDue, CreatedAt: base.Add(-48 * time.Hour)},
		{ID: "s5", PaymentMethod: domain.PaymentCredit, Status: domain.SaleActive, Total: decimal.NewFromInt(50), CreditDueDate: &futureDue, CreatedAt: base.Add(-24 * time.Hour)},
		{ID: "s6", PaymentMethod: domain.PaymentTransfer, Status: domain.SaleActive, Total: decimal.NewFromInt(5), AmountPaid: decimal.NewFromInt(5), CreatedAt: base},
	}
}

func TestFilterByStatusAndPayment(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	sales := fixtureSales(now)

	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5", "s6"}, ids(sale.Filter(sales, domain.SaleQuery{}, now)))
	assert.Equal(t, []string{"s2"}, ids(sale.Filter(sales, domain.SaleQuery{Status: "cancelled"}, now)))
	assert.Equal(t, []string{"s1", "s6"}, ids(sale.Filter(sales, domain.SaleQuery{Status: "active", Payment: "cash"}, now)))
	assert.Equal(t, []string{"s3", "s4", "s5"}, ids(sale.Filter(sales, domain.SaleQuery{Payment: "credit"}, now)))
	assert.Equal(t, []string{"s3"}, ids(sale.Filter(sales, domain.SaleQuery{Payment: "overdue"}, now)))
}

func TestFilterDateRangeIsInclusive(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	sales := fixtureSales(now)

	from := now.Add(-72 * time.Hour)
	to := now.Add(-24 * time.Hour)
	got := sale.Filter(sales, domain.SaleQuery{From: &from, To: &to}, now)
	assert.Equal(t, []string{"s2", "s3", "s4", "s5"}, ids(got))
}

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, sale.ValidateQuery(domain.SaleQuery{Status: "all", Payment: "overdue"}))
	assert.ErrorIs(t, sale.ValidateQuery(domain.SaleQuery{Status: "void"}), store.ErrInvalidTransaction)
	assert.ErrorIs(t, sale.ValidateQuery(domain.SaleQuery{Payment: "layaway"}), store.ErrInvalidTransaction)

	from := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	assert.ErrorIs(t, sale.ValidateQuery(domain.SaleQuery{From: &from, To: &to}), store.ErrInvalidTransaction)
}

func TestPaginate(t *testing.T) {
	sales := fixtureSales(time.Now())

	page, total := sale.Paginate(sales, 2, 4)
	assert.Equal(t, 6, total)
	assert.Equal(t, []string{"s5", "s6"}, ids(page))

	page, total = sale.Paginate(sales, 3, 4)
	assert.Equal(t, 6, total)
	require.NotNil(t, page)
	assert.Empty(t, page)

	page, _ = sale.Paginate(sales, 0, 0)
	assert.Len(t, page, 6)
}
