// Package meter holds the registry of priced usage units. Meters are
// immutable once created: a price change means a new meter, so historical
// charges always reference the price they were billed at.
package meter

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/machinepay/channeld/internal/ledger"
)

// Meter is a priced unit of measurable usage.
type Meter struct {
	ID           string
	Name         string
	Unit         string
	PricePerUnit *big.Int
	CreatedAt    int64
}

func (m *Meter) toMap() map[string]any {
	return map[string]any{
		"id":             m.ID,
		"name":           m.Name,
		"unit":           m.Unit,
		"price_per_unit": ledger.FormatAmount(m.PricePerUnit),
		"created_at":     m.CreatedAt,
	}
}

func meterFromMap(vals map[string]string) (*Meter, error) {
	price, err := ledger.ParseAmount(vals["price_per_unit"])
	if err != nil {
		return nil, fmt.Errorf("price_per_unit: %w", err)
	}
	createdAt, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	return &Meter{
		ID:           vals["id"],
		Name:         vals["name"],
		Unit:         vals["unit"],
		PricePerUnit: price,
		CreatedAt:    createdAt,
	}, nil
}
