// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulate drives synthetic quote traffic through an experiment.
//
// Requests are drawn from a seeded generator so the same seed always
// produces the same traffic. They are executed by a bounded worker pool,
// optionally paced by a token bucket.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/darklaunch/services/quote"
)

// Exit codes for the simulate command.
const (
	ExitSuccess  = 0 // Simulation completed and the verdict was not rollback
	ExitFailure  = 1 // Simulation could not run
	ExitBadArgs  = 2 // Invalid arguments or configuration
	ExitRollback = 3 // Simulation completed with a rollback verdict
)

var (
	ErrInvalidCalls       = errors.New("calls must be greater than 0")
	ErrInvalidConcurrency = errors.New("concurrency must be greater than 0")
	ErrInvalidQPS         = errors.New("qps must not be negative")
	ErrEmptyCatalog       = errors.New("catalog has no items")
)

// Quoter prices one request. *quote.Service implements it.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (quote.Quote, error)
}

// Config controls one simulation run.
type Config struct {
	// Calls is the number of requests to send.
	Calls int

	// Concurrency bounds in-flight requests.
	Concurrency int

	// QPS paces request starts. 0 means unpaced.
	QPS float64

	// Seed makes the traffic reproducible.
	Seed uint64

	// Customers is the size of the customer id pool.
	// Default: 500
	Customers int
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Calls < 1 {
		errs = append(errs, ErrInvalidCalls)
	}
	if c.Concurrency < 1 {
		errs = append(errs, ErrInvalidConcurrency)
	}
	if c.QPS < 0 {
		errs = append(errs, ErrInvalidQPS)
	}
	return errors.Join(errs...)
}

// Progress reports completed requests.
type Progress struct {
	Done  int
	Total int
}

// ProgressCallback is called after every completed request, from worker
// goroutines.
type ProgressCallback func(Progress)

// Result summarizes a run. Per-variant detail lives in the experiment's sink.
type Result struct {
	Calls   int
	Failed  int
	Elapsed time.Duration
}

// Run sends cfg.Calls generated requests through q.
//
// Description:
//
//	Requests are generated on the calling goroutine, in order, from
//	cfg.Seed. Quote errors are counted in Result.Failed and do not stop
//	the run. Cancelling ctx stops issuing new requests and waits for the
//	in-flight ones.
//
// Outputs:
//   - *Result: Always non-nil when the configuration is valid.
//   - error: Validation failure, ErrEmptyCatalog, or ctx.Err() when cancelled.
func Run(ctx context.Context, q Quoter, catalog *quote.Catalog, cfg Config, progress ProgressCallback) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gen, err := NewGenerator(catalog, cfg.Seed, cfg.Customers)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.QPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.QPS), 1)
	}

	var done, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(cfg.Concurrency)

	start := time.Now()
	var stopErr error
	for i := 0; i < cfg.Calls; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				stopErr = err
				break
			}
		} else if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}

		req := gen.Next()
		g.Go(func() error {
			if _, err := q.Quote(ctx, req); err != nil {
				failed.Add(1)
			}
			n := done.Add(1)
			if progress != nil {
				progress(Progress{Done: int(n), Total: cfg.Calls})
			}
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{
		Calls:   int(done.Load()),
		Failed:  int(failed.Load()),
		Elapsed: time.Since(start),
	}
	if stopErr != nil {
		return result, fmt.Errorf("simulation stopped after %d calls: %w", result.Calls, stopErr)
	}
	return result, nil
}

// -----------------------------------------------------------------------------
// Traffic
// -----------------------------------------------------------------------------

// discounts are the promotional percentages applied to discounted requests.
var discounts = []float64{5, 10, 12.5, 15, 25, 33}

// Generator produces a deterministic stream of quote requests.
//
// The mix is 70% undiscounted, 1% bulk orders above the ledger limit, and
// quantities of 1 to 20 otherwise.
//
// Thread Safety: Not safe for concurrent use.
type Generator struct {
	rng       *rand.Rand
	items     []quote.Item
	customers int
}

// NewGenerator creates a generator over the catalog's items.
func NewGenerator(catalog *quote.Catalog, seed uint64, customers int) (*Generator, error) {
	if catalog == nil {
		return nil, quote.ErrNilCatalog
	}
	items := catalog.Items()
	if len(items) == 0 {
		return nil, ErrEmptyCatalog
	}
	if customers < 1 {
		customers = 500
	}
	return &Generator{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		items:     items,
		customers: customers,
	}, nil
}

// Next returns the next request.
func (g *Generator) Next() quote.Request {
	item := g.items[g.rng.IntN(len(g.items))]

	qty := 1 + g.rng.IntN(20)
	if g.rng.Float64() < 0.01 {
		qty = quote.MaxLedgerQuantity + 1 + g.rng.IntN(500)
	}

	var discount float64
	if g.rng.Float64() >= 0.7 {
		discount = discounts[g.rng.IntN(len(discounts))]
	}

	return quote.Request{
		SKU:             item.SKU,
		Quantity:        qty,
		DiscountPercent: discount,
		CustomerID:      fmt.Sprintf("cust-%04d", g.rng.IntN(g.customers)),
	}
}
