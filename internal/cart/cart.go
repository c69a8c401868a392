package cart

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/stock"
	"repairpos/backend/internal/store"
)

// Composer builds a cart draft. Every rejected call leaves the cart as it
// was before the call. Stock checks made here are advisory; live stock is
// re-checked when the sale commits.
type Composer struct {
	cart domain.Cart
	now  func() time.Time
}

func NewComposer(draft domain.Cart) *Composer {
	return &Composer{cart: draft.Clone(), now: func() time.Time { return time.Now().UTC() }}
}

func (c *Composer) Cart() domain.Cart {
	return c.cart.Clone()
}

func (c *Composer) Total() decimal.Decimal {
	total, _ := Totals(c.cart.Lines)
	return total
}

func (c *Composer) TotalCost() decimal.Decimal {
	_, cost := Totals(c.cart.Lines)
	return cost
}

// AddQuantityLine adds qty of a quantity-tracked product, merging with an
// existing line. The returned warning is set when the merged quantity is
// above the last known availability.
func (c *Composer) AddQuantityLine(product domain.Product, qty int) (*domain.StockWarning, error) {
	if err := requireMode(product, domain.TrackingQuantity); err != nil {
		return nil, err
	}
	if qty < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidTransaction)
	}

	requested := qty
	if i := c.lineIndex(product.ID, ""); i >= 0 {
		c.cart.Lines[i].Quantity += qty
		requested = c.cart.Lines[i].Quantity
	} else {
		c.cart.Lines = append(c.cart.Lines, newLine(product, qty))
	}
	c.touch()

	if available := stock.AvailableQuantity(product); requested > available {
		return &domain.StockWarning{ProductID: product.ID, Requested: requested, Available: available}, nil
	}
	return nil, nil
}

// AddUnitLine reserves specific serialized units. Every unit must exist, be
// available, and not be reserved anywhere in the cart already.
func (c *Composer) AddUnitLine(product domain.Product, unitIDs []string) error {
	if err := requireMode(product, domain.TrackingUnits); err != nil {
		return err
	}
	if len(unitIDs) == 0 {
		return fmt.Errorf("%w: at least one unit is required", store.ErrInvalidTransaction)
	}

	reserved := make(map[string]struct{})
	for _, line := range c.cart.Lines {
		for _, unitID := range line.UnitIDs {
			reserved[unitID] = struct{}{}
		}
	}
	picked := make([]string, 0, len(unitIDs))
	for _, raw := range unitIDs {
		unitID := strings.TrimSpace(raw)
		if _, dup := reserved[unitID]; dup {
			return fmt.Errorf("%w: unit %s", store.ErrDuplicateUnitSelection, unitID)
		}
		unit, ok := product.Unit(unitID)
		if !ok {
			return fmt.Errorf("%w: unknown unit %s", store.ErrInvalidTransaction, unitID)
		}
		if unit.Status != domain.UnitAvailable {
			return &store.InsufficientStockError{ProductID: product.ID, UnitID: unitID, Requested: 1}
		}
		reserved[unitID] = struct{}{}
		picked = append(picked, unitID)
	}

	if i := c.lineIndex(product.ID, ""); i >= 0 {
		line := &c.cart.Lines[i]
		line.UnitIDs = append(line.UnitIDs, picked...)
		line.Quantity = len(line.UnitIDs)
	} else {
		line := newLine(product, len(picked))
		line.UnitIDs = picked
		c.cart.Lines = append(c.cart.Lines, line)
	}
	c.touch()
	return nil
}

// AddVariantLine adds qty of one variant. The add-time bound is the
// variant's current stock; merged totals are bounded only at commit.
func (c *Composer) AddVariantLine(product domain.Product, variantID string, qty int) error {
	if err := requireMode(product, domain.TrackingVariants); err != nil {
		return err
	}
	variantID = strings.TrimSpace(variantID)
	variant, ok := product.Variant(variantID)
	if !ok {
		return fmt.Errorf("%w: unknown variant %s", store.ErrInvalidTransaction, variantID)
	}
	if qty < 1 {
		return fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidTransaction)
	}
	if qty > variant.Stock {
		return &store.InsufficientStockError{ProductID: product.ID, VariantID: variantID, Requested: qty, Available: variant.Stock}
	}

	if i := c.lineIndex(product.ID, variantID); i >= 0 {
		c.cart.Lines[i].Quantity += qty
	} else {
		line := newLine(product, qty)
		line.VariantID = variant.ID
		line.VariantName = variant.Name
		c.cart.Lines = append(c.cart.Lines, line)
	}
	c.touch()
	return nil
}

func (c *Composer) RemoveLine(productID string, variantID string) error {
	i := c.lineIndex(productID, variantID)
	if i < 0 {
		return fmt.Errorf("%w: cart line %s", store.ErrNotFound, productID)
	}
	c.cart.Lines = append(c.cart.Lines[:i], c.cart.Lines[i+1:]...)
	c.touch()
	return nil
}

func (c *Composer) Clear() {
	c.cart.Lines = nil
	c.touch()
}

// Totals sums price and cost over lines.
func Totals(lines []domain.CartLine) (decimal.Decimal, decimal.Decimal) {
	total := decimal.Zero
	cost := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
		cost = cost.Add(line.CostSubtotal())
	}
	return total, cost
}

func (c *Composer) lineIndex(productID string, variantID string) int {
	for i, line := range c.cart.Lines {
		if line.ProductID == productID && line.VariantID == variantID {
			return i
		}
	}
	return -1
}

func (c *Composer) touch() {
	c.cart.UpdatedAt = c.now()
}

func newLine(product domain.Product, qty int) domain.CartLine {
	return domain.CartLine{
		ProductID:   product.ID,
		ProductName: product.Name,
		Mode:        product.Mode(),
		Quantity:    qty,
		UnitPrice:   product.UnitPrice,
		UnitCost:    product.UnitCost,
	}
}

func requireMode(product domain.Product, mode domain.TrackingMode) error {
	if product.Mode() != mode {
		return fmt.Errorf("%w: product %s is tracked by %s", store.ErrInvalidTransaction, product.ID, product.Mode())
	}
	return nil
}
