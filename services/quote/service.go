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
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/darklaunch/pkg/experiment"
	"github.com/AleutianAI/darklaunch/pkg/rollout"
)

// ErrNilCatalog is returned by NewService without a catalog.
var ErrNilCatalog = errors.New("catalog is required")

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Name is the experiment name.
	// Default: "quote-ledger"
	Name string

	// Strategy decides which pricer runs per request. Required.
	Strategy rollout.Strategy

	// PreferLedger resolves mismatches to the ledger's answer instead of
	// the legacy one.
	PreferLedger bool

	// LegacyDelay and LedgerDelay add simulated work to each pricer.
	LegacyDelay time.Duration
	LedgerDelay time.Duration
}

// Service quotes requests through the legacy/ledger experiment.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	catalog *Catalog
	exp     *experiment.ResultExperiment[Quote]
}

type requestKey struct{}

// NewService builds the pricing experiment once. Each Quote call carries
// its request to both pricers on the context.
func NewService(catalog *Catalog, cfg ServiceConfig, opts ...experiment.Option) (*Service, error) {
	if catalog == nil {
		return nil, ErrNilCatalog
	}
	if cfg.Name == "" {
		cfg.Name = "quote-ledger"
	}
	resolver := experiment.PreferControl[experiment.Result[Quote]]()
	if cfg.PreferLedger {
		resolver = experiment.PreferExperimental[experiment.Result[Quote]]()
	}

	exp, err := experiment.NewResult[Quote](cfg.Name).
		Control(pricer(catalog, LegacyPrice, cfg.LegacyDelay)).
		Experimental(pricer(catalog, LedgerPrice, cfg.LedgerDelay)).
		Strategy(cfg.Strategy).
		OnMismatch(resolver).
		Build(opts...)
	if err != nil {
		return nil, err
	}
	return &Service{catalog: catalog, exp: exp}, nil
}

func pricer(c *Catalog, price func(*Catalog, Request) (Quote, error), delay time.Duration) func(context.Context) (Quote, error) {
	return func(ctx context.Context) (Quote, error) {
		req, _ := ctx.Value(requestKey{}).(Request)
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return Quote{}, ctx.Err()
			}
		}
		return price(c, req)
	}
}

// Quote prices req.
func (s *Service) Quote(ctx context.Context, req Request) (Quote, error) {
	ctx = context.WithValue(ctx, requestKey{}, req)
	if req.CustomerID != "" {
		ctx = rollout.WithKey(ctx, req.CustomerID)
	}
	return s.exp.RunResult(ctx)
}

// Catalog returns the service catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// Name returns the experiment name.
func (s *Service) Name() string { return s.exp.Name() }
