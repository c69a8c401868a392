package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductCloneDoesNotShareStockPool(t *testing.T) {
	original := Product{
		ID:    "p-1",
		Stock: &VariantStock{Variants: []Variant{{ID: "v-1", Stock: 3}}},
	}

	dup := original.Clone()
	dup.Stock.(*VariantStock).Variants[0].Stock = 0

	variant, ok := original.Variant("v-1")
	require.True(t, ok)
	assert.Equal(t, 3, variant.Stock)
}

func TestProductJSONCarriesTrackingMode(t *testing.T) {
	product := Product{
		ID:        "p-1",
		Name:      "iPhone 13",
		UnitPrice: decimal.RequireFromString("899.90"),
		Stock: &UnitStock{Units: []Unit{
			{ID: "u-1", IMEI: "356938035643809", Status: UnitAvailable},
		}},
	}

	payload, err := json.Marshal(product)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"tracking_mode":"serialized_units"`)

	var decoded Product
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, TrackingUnits, decoded.Mode())
	unit, ok := decoded.Unit("u-1")
	require.True(t, ok)
	assert.Equal(t, "356938035643809", unit.IMEI)
	assert.True(t, decoded.UnitPrice.Equal(product.UnitPrice))
}

func TestNewStockRejectsFieldsOfAnotherMode(t *testing.T) {
	qty := 4
	_, err := NewStock(TrackingVariants, &qty, nil, []Variant{{ID: "v-1", Stock: 1}})
	assert.Error(t, err)

	_, err = NewStock(TrackingQuantity, nil, []Unit{{ID: "u-1"}}, nil)
	assert.Error(t, err)

	_, err = NewStock("boxes", nil, nil, nil)
	assert.Error(t, err)

	negative := -1
	_, err = NewStock(TrackingQuantity, &negative, nil, nil)
	assert.Error(t, err)
}

func TestSaleOverdueRequiresOpenBalance(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sale := Sale{
		PaymentMethod: PaymentCredit,
		CreditDueDate: &due,
		Total:         decimal.NewFromInt(100),
		AmountPaid:    decimal.NewFromInt(40),
	}

	assert.False(t, sale.Overdue(due))
	assert.True(t, sale.Overdue(due.Add(time.Second)))

	sale.AmountPaid = decimal.NewFromInt(100)
	assert.False(t, sale.Overdue(due.Add(time.Hour)))
	assert.True(t, sale.Outstanding().IsZero())
}
