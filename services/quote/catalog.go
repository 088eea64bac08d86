// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quote prices catalog orders with two implementations, a legacy
// floating-point pricer and an integer-cents ledger, and runs them as a
// dark-launch experiment.
package quote

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownSKU is returned for SKUs missing from the catalog.
	ErrUnknownSKU = errors.New("unknown sku")

	// ErrInvalidQuantity is returned for quantities outside [1, MaxQuantity].
	ErrInvalidQuantity = errors.New("quantity must be within [1, 1000000]")

	// ErrInvalidDiscount is returned for discounts outside [0, 100].
	ErrInvalidDiscount = errors.New("discount must be within [0, 100] percent")

	// ErrDiscontinued is returned by the legacy pricer for retired items.
	ErrDiscontinued = errors.New("item is discontinued")

	// ErrBulkLimit is returned by the ledger above MaxLedgerQuantity.
	ErrBulkLimit = errors.New("quantity exceeds ledger bulk limit")

	// ErrPriceOverflow is returned when a total does not fit in int64 cents.
	ErrPriceOverflow = errors.New("price overflows int64 cents")
)

// Item is one catalog entry.
type Item struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	UnitCents    int64  `json:"unit_cents"`
	Discontinued bool   `json:"discontinued"`
}

// Catalog is a read-mostly set of items keyed by SKU.
//
// Thread Safety: Safe for concurrent use.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewCatalog creates a catalog holding items. Later duplicates win.
func NewCatalog(items ...Item) *Catalog {
	c := &Catalog{items: make(map[string]Item, len(items))}
	for _, it := range items {
		c.items[it.SKU] = it
	}
	return c
}

// DefaultCatalog returns the demo catalog. Prices are chosen so that
// float conversion of some of them is inexact.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		Item{SKU: "WIDGET-1", Name: "Widget", UnitCents: 1999},
		Item{SKU: "GADGET-2", Name: "Gadget", UnitCents: 4995},
		Item{SKU: "BOLT-3", Name: "Hex bolt", UnitCents: 29},
		Item{SKU: "CABLE-4", Name: "USB cable", UnitCents: 1107},
		Item{SKU: "LAMP-5", Name: "Desk lamp", UnitCents: 3350},
		Item{SKU: "PAGER-6", Name: "Pager", UnitCents: 8900, Discontinued: true},
	)
}

// Lookup returns the item for sku.
func (c *Catalog) Lookup(sku string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[sku]
	if !ok {
		return Item{}, fmt.Errorf("%w: %q", ErrUnknownSKU, sku)
	}
	return it, nil
}

// Put adds or replaces an item.
func (c *Catalog) Put(it Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[it.SKU] = it
}

// Items returns every item ordered by SKU.
func (c *Catalog) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}
