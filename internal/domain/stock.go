package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TrackingMode string

const (
	TrackingQuantity TrackingMode = "quantity"
	TrackingUnits    TrackingMode = "serialized_units"
	TrackingVariants TrackingMode = "variants"
)

type UnitStatus string

const (
	UnitAvailable UnitStatus = "available"
	UnitSold      UnitStatus = "sold"
	UnitInRepair  UnitStatus = "in_repair"
)

// Stock is the stock pool of a product under exactly one tracking mode.
// The set of implementations is closed: *QuantityStock, *UnitStock and
// *VariantStock.
type Stock interface {
	Mode() TrackingMode
	cloneStock() Stock
}

type QuantityStock struct {
	Count int `json:"count"`
}

func (*QuantityStock) Mode() TrackingMode { return TrackingQuantity }

func (s *QuantityStock) cloneStock() Stock {
	dup := *s
	return &dup
}

type UnitStock struct {
	Units []Unit `json:"units"`
}

func (*UnitStock) Mode() TrackingMode { return TrackingUnits }

func (s *UnitStock) cloneStock() Stock {
	units := make([]Unit, len(s.Units))
	copy(units, s.Units)
	return &UnitStock{Units: units}
}

type VariantStock struct {
	Variants []Variant `json:"variants"`
}

func (*VariantStock) Mode() TrackingMode { return TrackingVariants }

func (s *VariantStock) cloneStock() Stock {
	variants := make([]Variant, len(s.Variants))
	copy(variants, s.Variants)
	return &VariantStock{Variants: variants}
}

type Unit struct {
	ID           string     `json:"id"`
	ProductID    string     `json:"product_id"`
	IMEI         string     `json:"imei,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Status       UnitStatus `json:"status"`
	ReceivedAt   time.Time  `json:"received_at"`
}

type Variant struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku,omitempty"`
	Stock     int    `json:"stock"`
}

type Product struct {
	ID        string          `json:"id"`
	CompanyID string          `json:"company_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Stock     Stock           `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

func (p Product) Mode() TrackingMode {
	if p.Stock == nil {
		return ""
	}
	return p.Stock.Mode()
}

// Clone returns a deep copy whose stock pool can be mutated without
// affecting p.
func (p Product) Clone() Product {
	dup := p
	if p.Stock != nil {
		dup.Stock = p.Stock.cloneStock()
	}
	return dup
}

func (p Product) Unit(unitID string) (Unit, bool) {
	units, ok := p.Stock.(*UnitStock)
	if !ok {
		return Unit{}, false
	}
	for _, unit := range units.Units {
		if unit.ID == unitID {
			return unit, true
		}
	}
	return Unit{}, false
}

func (p Product) Variant(variantID string) (Variant, bool) {
	variants, ok := p.Stock.(*VariantStock)
	if !ok {
		return Variant{}, false
	}
	for _, variant := range variants.Variants {
		if variant.ID == variantID {
			return variant, true
		}
	}
	return Variant{}, false
}

type productJSON struct {
	ID           string          `json:"id"`
	CompanyID    string          `json:"company_id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	TrackingMode TrackingMode    `json:"tracking_mode"`
	Quantity     *int            `json:"quantity,omitempty"`
	Units        []Unit          `json:"units,omitempty"`
	Variants     []Variant       `json:"variants,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (p Product) MarshalJSON() ([]byte, error) {
	out := productJSON{
		ID:           p.ID,
		CompanyID:    p.CompanyID,
		Name:         p.Name,
		Category:     p.Category,
		UnitPrice:    p.UnitPrice,
		UnitCost:     p.UnitCost,
		TrackingMode: p.Mode(),
		CreatedAt:    p.CreatedAt,
	}
	switch stock := p.Stock.(type) {
	case *QuantityStock:
		count := stock.Count
		out.Quantity = &count
	case *UnitStock:
		out.Units = stock.Units
	case *VariantStock:
		out.Variants = stock.Variants
	}
	return json.Marshal(out)
}

func (p *Product) UnmarshalJSON(data []byte) error {
	var in productJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*p = Product{
		ID:        in.ID,
		CompanyID: in.CompanyID,
		Name:      in.Name,
		Category:  in.Category,
		UnitPrice: in.UnitPrice,
		UnitCost:  in.UnitCost,
		CreatedAt: in.CreatedAt,
	}
	stock, err := NewStock(in.TrackingMode, in.Quantity, in.Units, in.Variants)
	if err != nil {
		return err
	}
	p.Stock = stock
	return nil
}

// NewStock builds the stock pool for mode. Fields that belong to another
// mode must be empty.
func NewStock(mode TrackingMode, quantity *int, units []Unit, variants []Variant) (Stock, error) {
	switch mode {
	case TrackingQuantity:
		if len(units) > 0 || len(variants) > 0 {
			return nil, fmt.Errorf("quantity tracking does not accept units or variants")
		}
		count := 0
		if quantity != nil {
			count = *quantity
		}
		if count < 0 {
			return nil, fmt.Errorf("quantity must not be negative")
		}
		return &QuantityStock{Count: count}, nil
	case TrackingUnits:
		if quantity != nil || len(variants) > 0 {
			return nil, fmt.Errorf("serialized tracking does not accept quantity or variants")
		}
		return &UnitStock{Units: append([]Unit(nil), units...)}, nil
	case TrackingVariants:
		if quantity != nil || len(units) > 0 {
			return nil, fmt.Errorf("variant tracking does not accept quantity or units")
		}
		for _, variant := range variants {
			if variant.Stock < 0 {
				return nil, fmt.Errorf("variant %s stock must not be negative", variant.ID)
			}
		}
		return &VariantStock{Variants: append([]Variant(nil), variants...)}, nil
	default:
		return nil, fmt.Errorf("unknown tracking mode %q", mode)
	}
}
