package stock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/store"
)

// AvailableQuantity is the sellable amount in a product's stock pool.
func AvailableQuantity(product domain.Product) int {
	switch pool := product.Stock.(type) {
	case *domain.QuantityStock:
		return pool.Count
	case *domain.UnitStock:
		available := 0
		for _, unit := range pool.Units {
			if unit.Status == domain.UnitAvailable {
				available++
			}
		}
		return available
	case *domain.VariantStock:
		total := 0
		for _, variant := range pool.Variants {
			total += variant.Stock
		}
		return total
	default:
		return 0
	}
}

// ListSelectable returns what an operator can pick for a product. Units are
// filtered by a case-insensitive match on IMEI or serial number. Variants
// with stock come first, followed by empty variants marked unselectable.
// Quantity products have nothing to pick.
func ListSelectable(product domain.Product, query string) []domain.SelectionOption {
	options := make([]domain.SelectionOption, 0)
	switch pool := product.Stock.(type) {
	case *domain.UnitStock:
		needle := strings.ToLower(strings.TrimSpace(query))
		for _, unit := range pool.Units {
			if unit.Status != domain.UnitAvailable {
				continue
			}
			if needle != "" &&
				!strings.Contains(strings.ToLower(unit.IMEI), needle) &&
				!strings.Contains(strings.ToLower(unit.SerialNumber), needle) {
				continue
			}
			options = append(options, domain.SelectionOption{
				ID:           unit.ID,
				Label:        unitLabel(unit),
				IMEI:         unit.IMEI,
				SerialNumber: unit.SerialNumber,
				Selectable:   true,
			})
		}
	case *domain.VariantStock:
		empty := make([]domain.SelectionOption, 0)
		for _, variant := range pool.Variants {
			option := domain.SelectionOption{
				ID:         variant.ID,
				Label:      variant.Name,
				SKU:        variant.SKU,
				Stock:      variant.Stock,
				Selectable: variant.Stock > 0,
			}
			if option.Selectable {
				options = append(options, option)
			} else {
				empty = append(empty, option)
			}
		}
		options = append(options, empty...)
	}
	return options
}

func unitLabel(unit domain.Unit) string {
	switch {
	case unit.IMEI != "" && unit.SerialNumber != "":
		return fmt.Sprintf("IMEI %s / SN %s", unit.IMEI, unit.SerialNumber)
	case unit.IMEI != "":
		return "IMEI " + unit.IMEI
	case unit.SerialNumber != "":
		return "SN " + unit.SerialNumber
	default:
		return unit.ID
	}
}

// ApplyDelta validates delta against the product's current pool and applies
// it in place. A rejected delta leaves the product unchanged.
func ApplyDelta(product *domain.Product, delta domain.StockDelta) error {
	if product == nil || delta.ProductID != product.ID {
		return fmt.Errorf("%w: delta does not target product", store.ErrInvalidTransaction)
	}

	switch pool := product.Stock.(type) {
	case *domain.QuantityStock:
		if delta.VariantID != "" || len(delta.UnitIDs) > 0 || len(delta.NewUnits) > 0 {
			return fmt.Errorf("%w: product %s is tracked by quantity", store.ErrInvalidTransaction, product.ID)
		}
		if delta.Quantity == 0 {
			return fmt.Errorf("%w: quantity delta must not be zero", store.ErrInvalidTransaction)
		}
		if pool.Count+delta.Quantity < 0 {
			return &store.InsufficientStockError{ProductID: product.ID, Requested: -delta.Quantity, Available: pool.Count}
		}
		pool.Count += delta.Quantity
		return nil
	case *domain.VariantStock:
		if delta.VariantID == "" || len(delta.UnitIDs) > 0 || len(delta.NewUnits) > 0 {
			return fmt.Errorf("%w: product %s is tracked by variant", store.ErrInvalidTransaction, product.ID)
		}
		if delta.Quantity == 0 {
			return fmt.Errorf("%w: quantity delta must not be zero", store.ErrInvalidTransaction)
		}
		for i := range pool.Variants {
			if pool.Variants[i].ID != delta.VariantID {
				continue
			}
			if pool.Variants[i].Stock+delta.Quantity < 0 {
				return &store.InsufficientStockError{
					ProductID: product.ID,
					VariantID: delta.VariantID,
					Requested: -delta.Quantity,
					Available: pool.Variants[i].Stock,
				}
			}
			pool.Variants[i].Stock += delta.Quantity
			return nil
		}
		return fmt.Errorf("%w: unknown variant %s", store.ErrInvalidTransaction, delta.VariantID)
	case *domain.UnitStock:
		return applyUnitDelta(product.ID, pool, delta)
	default:
		return fmt.Errorf("%w: product %s has no stock pool", store.ErrInvalidTransaction, product.ID)
	}
}

func applyUnitDelta(productID string, pool *domain.UnitStock, delta domain.StockDelta) error {
	if delta.VariantID != "" || delta.Quantity != 0 {
		return fmt.Errorf("%w: product %s is tracked by unit", store.ErrInvalidTransaction, productID)
	}
	if len(delta.UnitIDs) == 0 && len(delta.NewUnits) == 0 {
		return fmt.Errorf("%w: unit delta is empty", store.ErrInvalidTransaction)
	}

	index := make(map[string]int, len(pool.Units))
	for i, unit := range pool.Units {
		index[unit.ID] = i
	}

	if len(delta.UnitIDs) > 0 {
		switch delta.UnitStatus {
		case domain.UnitSold, domain.UnitInRepair:
		case domain.UnitAvailable:
			return fmt.Errorf("%w: units cannot return to available", store.ErrIllegalStateTransition)
		default:
			return fmt.Errorf("%w: unknown unit status %q", store.ErrInvalidTransaction, delta.UnitStatus)
		}
	}

	seen := make(map[string]struct{}, len(delta.UnitIDs))
	for _, unitID := range delta.UnitIDs {
		if _, dup := seen[unitID]; dup {
			return fmt.Errorf("%w: unit %s", store.ErrDuplicateUnitSelection, unitID)
		}
		seen[unitID] = struct{}{}
		i, ok := index[unitID]
		if !ok {
			return fmt.Errorf("%w: unknown unit %s", store.ErrInvalidTransaction, unitID)
		}
		if pool.Units[i].Status != domain.UnitAvailable {
			return &store.InsufficientStockError{ProductID: productID, UnitID: unitID, Requested: 1}
		}
	}
	for _, unit := range delta.NewUnits {
		if unit.ID == "" {
			return fmt.Errorf("%w: received unit needs an id", store.ErrInvalidTransaction)
		}
		if _, exists := index[unit.ID]; exists {
			return fmt.Errorf("%w: unit %s already exists", store.ErrInvalidTransaction, unit.ID)
		}
		index[unit.ID] = -1
	}

	for _, unitID := range delta.UnitIDs {
		pool.Units[index[unitID]].Status = delta.UnitStatus
	}
	for _, unit := range delta.NewUnits {
		unit.ProductID = productID
		unit.Status = domain.UnitAvailable
		pool.Units = append(pool.Units, unit)
	}
	return nil
}

type ProductReader interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// Model answers availability questions against the live inventory.
type Model struct {
	products ProductReader
}

func NewModel(products ProductReader) *Model {
	return &Model{products: products}
}

func (m *Model) Available(ctx context.Context, productID string) (int, error) {
	product, err := m.load(ctx, productID)
	if err != nil {
		return 0, err
	}
	return AvailableQuantity(*product), nil
}

func (m *Model) Selectable(ctx context.Context, productID string, query string) ([]domain.SelectionOption, error) {
	product, err := m.load(ctx, productID)
	if err != nil {
		return nil, err
	}
	return ListSelectable(*product, query), nil
}

// Product returns the live product behind productID.
func (m *Model) Product(ctx context.Context, productID string) (*domain.Product, error) {
	return m.load(ctx, productID)
}

func (m *Model) load(ctx context.Context, productID string) (*domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, store.ErrUnknownProduct
	}
	product, err := m.products.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrUnknownProduct
		}
		return nil, err
	}
	return product, nil
}
