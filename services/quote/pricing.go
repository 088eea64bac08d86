// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quote

import (
	"fmt"
	"math"
)

const (
	// MaxQuantity is the largest quantity either pricer accepts.
	MaxQuantity = 1_000_000

	// MaxLedgerQuantity is the largest quantity the ledger will price.
	MaxLedgerQuantity = 1000
)

// Request asks for the price of Quantity units of SKU.
type Request struct {
	SKU string `json:"sku"`

	Quantity int `json:"quantity"`

	// DiscountPercent is a percentage in [0, 100], e.g. 12.5.
	DiscountPercent float64 `json:"discount_percent"`

	// CustomerID, when set, keeps the customer's rollout decision sticky
	// under keyed strategies.
	CustomerID string `json:"customer_id,omitempty"`
}

// Quote is a priced request.
type Quote struct {
	SKU        string `json:"sku"`
	Quantity   int    `json:"quantity"`
	TotalCents int64  `json:"total_cents"`
}

func (r Request) validate() error {
	if r.Quantity < 1 || r.Quantity > MaxQuantity {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, r.Quantity)
	}
	if math.IsNaN(r.DiscountPercent) || r.DiscountPercent < 0 || r.DiscountPercent > 100 {
		return fmt.Errorf("%w: got %v", ErrInvalidDiscount, r.DiscountPercent)
	}
	return nil
}

// LegacyPrice prices req in floating-point dollars and truncates to cents.
// Discontinued items are refused.
func LegacyPrice(c *Catalog, req Request) (Quote, error) {
	item, err := c.Lookup(req.SKU)
	if err != nil {
		return Quote{}, err
	}
	if err := req.validate(); err != nil {
		return Quote{}, err
	}
	if item.Discontinued {
		return Quote{}, fmt.Errorf("%w: %s", ErrDiscontinued, item.SKU)
	}

	unit := float64(item.UnitCents) / 100
	total := unit * float64(req.Quantity) * (1 - req.DiscountPercent/100)
	cents := total * 100
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if cents >= math.MaxInt64 {
		return Quote{}, fmt.Errorf("%w: %s x %d", ErrPriceOverflow, item.SKU, req.Quantity)
	}
	return Quote{
		SKU:        item.SKU,
		Quantity:   req.Quantity,
		TotalCents: int64(cents),
	}, nil
}

// LedgerPrice prices req in integer cents, rounding the discount half up
// at basis-point precision. Quantities above MaxLedgerQuantity are
// refused.
func LedgerPrice(c *Catalog, req Request) (Quote, error) {
	item, err := c.Lookup(req.SKU)
	if err != nil {
		return Quote{}, err
	}
	if err := req.validate(); err != nil {
		return Quote{}, err
	}
	if req.Quantity > MaxLedgerQuantity {
		return Quote{}, fmt.Errorf("%w: %d > %d", ErrBulkLimit, req.Quantity, MaxLedgerQuantity)
	}

	// gross*bps below must stay within int64.
	if item.UnitCents > math.MaxInt64/10000/int64(req.Quantity) {
		return Quote{}, fmt.Errorf("%w: %s x %d", ErrPriceOverflow, item.SKU, req.Quantity)
	}
	gross := item.UnitCents * int64(req.Quantity)
	bps := int64(math.Round(req.DiscountPercent * 100))
	discount := (gross*bps + 5000) / 10000
	return Quote{
		SKU:        item.SKU,
		Quantity:   req.Quantity,
		TotalCents: gross - discount,
	}, nil
}
