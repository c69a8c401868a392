package sale

import (
	"fmt"
	"time"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ValidateQuery rejects unknown status and payment filters and inverted
// date ranges.
func ValidateQuery(q domain.SaleQuery) error {
	switch q.Status {
	case "", domain.SaleFilterAll, string(domain.SaleActive), string(domain.SaleCancelled):
	default:
		return fmt.Errorf("%w: unknown status filter %q", store.ErrInvalidTransaction, q.Status)
	}
	switch q.Payment {
	case "", domain.SaleFilterAll, domain.PaymentFilterCash, domain.PaymentFilterCredit, domain.PaymentFilterOverdue:
	default:
		return fmt.Errorf("%w: unknown payment filter %q", store.ErrInvalidTransaction, q.Payment)
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return fmt.Errorf("%w: date range ends before it starts", store.ErrInvalidTransaction)
	}
	return nil
}

// Filter keeps the sales matching q. Order is preserved. Cash covers every
// non-credit method; overdue is judged against now.
func Filter(sales []domain.Sale, q domain.SaleQuery, now time.Time) []domain.Sale {
	out := make([]domain.Sale, 0, len(sales))
	for _, s := range sales {
		if !matchesStatus(s, q.Status) || !matchesPayment(s, q.Payment, now) {
			continue
		}
		if q.From != nil && s.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && s.CreatedAt.After(*q.To) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func matchesStatus(s domain.Sale, status string) bool {
	if status == "" || status == domain.SaleFilterAll {
		return true
	}
	return string(s.Status) == status
}

func matchesPayment(s domain.Sale, payment string, now time.Time) bool {
	switch payment {
	case domain.PaymentFilterCash:
		return s.PaymentMethod != domain.PaymentCredit
	case domain.PaymentFilterCredit:
		return s.PaymentMethod == domain.PaymentCredit
	case domain.PaymentFilterOverdue:
		return s.Overdue(now)
	default:
		return true
	}
}

// Paginate returns one page of sales and the total count. Pages are
// 1-based; out of range pages are empty.
func Paginate(sales []domain.Sale, page int, size int) ([]domain.Sale, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	total := len(sales)
	start := (page - 1) * size
	if start >= total {
		return []domain.Sale{}, total
	}
	end := min(start+size, total)
	return sales[start:end], total
}
