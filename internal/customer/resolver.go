package customer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
	"repairpos/backend/internal/xid"
)

const (
	MatchedByName     = "name"
	MatchedByPhone    = "phone"
	MatchedByIDNumber = "identification_number"

	lockStripes = 64
)

// Resolver finds or creates customers. Matching is best effort: the store
// enforces no uniqueness, so two processes resolving the same new customer
// at once can still create two records. Within one process, calls that
// share any normalized key are serialized.
type Resolver struct {
	customers         store.CustomerStore
	placeholderDomain string
	logger            *zap.Logger
	stripes           [lockStripes]sync.Mutex
	now               func() time.Time
}

func NewResolver(customers store.CustomerStore, placeholderDomain string, logger *zap.Logger) *Resolver {
	if strings.TrimSpace(placeholderDomain) == "" {
		placeholderDomain = "no-email.repairpos.local"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		customers:         customers,
		placeholderDomain: placeholderDomain,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// ResolveOrCreate returns the existing customer that matches candidate by
// name, then phone, then identification number. When nothing matches a new
// customer is created.
func (r *Resolver) ResolveOrCreate(ctx context.Context, companyID string, candidate domain.CustomerCandidate) (domain.CustomerResolution, error) {
	candidate = trimCandidate(candidate)
	if companyID == "" || candidate.Name == "" {
		return domain.CustomerResolution{}, fmt.Errorf("%w: customer name is required", store.ErrInvalidTransaction)
	}

	filter := store.CustomerFilter{
		CompanyID:            companyID,
		Name:                 NormalizeName(candidate.Name),
		Phone:                NormalizePhone(candidate.Phone),
		IdentificationNumber: NormalizeIDNumber(candidate.IdentificationNumber),
	}

	unlock := r.lock(filter.Name, filter.Phone, filter.IdentificationNumber)
	defer unlock()

	matches, err := r.customers.FindCustomers(ctx, filter)
	if err != nil {
		return domain.CustomerResolution{}, err
	}
	if found, matchedBy, ok := pickMatch(matches, filter); ok {
		return domain.CustomerResolution{Customer: found, MatchedBy: matchedBy}, nil
	}

	created, err := r.create(ctx, companyID, candidate)
	if err != nil {
		return domain.CustomerResolution{}, err
	}
	return domain.CustomerResolution{Customer: created, Created: true}, nil
}

// CreateExplicit creates a customer without matching. Identification type
// and number are mandatory.
func (r *Resolver) CreateExplicit(ctx context.Context, companyID string, candidate domain.CustomerCandidate) (domain.Customer, error) {
	candidate = trimCandidate(candidate)
	if candidate.IdentificationType == "" || candidate.IdentificationNumber == "" {
		return domain.Customer{}, store.ErrMissingIdentification
	}
	if companyID == "" || candidate.Name == "" {
		return domain.Customer{}, fmt.Errorf("%w: customer name is required", store.ErrInvalidTransaction)
	}
	return r.create(ctx, companyID, candidate)
}

func (r *Resolver) Search(ctx context.Context, companyID string, query string, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 20
	}
	return r.customers.FindCustomers(ctx, store.CustomerFilter{
		CompanyID: companyID,
		Query:     strings.TrimSpace(query),
		Limit:     limit,
	})
}

func (r *Resolver) create(ctx context.Context, companyID string, candidate domain.CustomerCandidate) (domain.Customer, error) {
	id := xid.New("cus")
	email := strings.ToLower(candidate.Email)
	if email == "" {
		email = fmt.Sprintf("%s-%s@%s", slug(candidate.Name), id[len(id)-8:], r.placeholderDomain)
	}

	created, err := r.customers.CreateCustomer(ctx, domain.Customer{
		ID:                   id,
		CompanyID:            companyID,
		Name:                 candidate.Name,
		Email:                email,
		Phone:                candidate.Phone,
		Address:              candidate.Address,
		IdentificationType:   candidate.IdentificationType,
		IdentificationNumber: candidate.IdentificationNumber,
		CreatedAt:            r.now(),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	r.logger.Info("customer created", zap.String("customer_id", created.ID), zap.String("company_id", companyID))
	return *created, nil
}

func pickMatch(matches []domain.Customer, filter store.CustomerFilter) (domain.Customer, string, bool) {
	tiers := []struct {
		matchedBy string
		key       string
		keyOf     func(domain.Customer) string
	}{
		{MatchedByName, filter.Name, func(c domain.Customer) string { return NormalizeName(c.Name) }},
		{MatchedByPhone, filter.Phone, func(c domain.Customer) string { return NormalizePhone(c.Phone) }},
		{MatchedByIDNumber, filter.IdentificationNumber, func(c domain.Customer) string { return NormalizeIDNumber(c.IdentificationNumber) }},
	}
	for _, tier := range tiers {
		if tier.key == "" {
			continue
		}
		for _, candidate := range matches {
			if candidate.CompanyID == filter.CompanyID && tier.keyOf(candidate) == tier.key {
				return candidate, tier.matchedBy, true
			}
		}
	}
	return domain.Customer{}, "", false
}

// lock takes the stripes of every non-empty key in index order.
func (r *Resolver) lock(keys ...string) func() {
	picked := make(map[int]struct{}, len(keys))
	for i, key := range keys {
		if key == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = fmt.Fprintf(h, "%d:%s", i, key)
		picked[int(h.Sum32()%lockStripes)] = struct{}{}
	}
	order := make([]int, 0, len(picked))
	for stripe := range picked {
		order = append(order, stripe)
	}
	sort.Ints(order)
	for _, stripe := range order {
		r.stripes[stripe].Lock()
	}
	return func() {
		for i := len(order) - 1; i >= 0; i-- {
			r.stripes[order[i]].Unlock()
		}
	}
}

func trimCandidate(c domain.CustomerCandidate) domain.CustomerCandidate {
	return domain.CustomerCandidate{
		Name:                 strings.Join(strings.Fields(c.Name), " "),
		Email:                strings.TrimSpace(c.Email),
		Phone:                strings.TrimSpace(c.Phone),
		Address:              strings.TrimSpace(c.Address),
		IdentificationType:   strings.TrimSpace(c.IdentificationType),
		IdentificationNumber: strings.TrimSpace(c.IdentificationNumber),
	}
}
