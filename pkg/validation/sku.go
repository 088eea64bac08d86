// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-supplied identifiers before they reach
// pricing code.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSKU is returned for identifiers that cannot be a SKU.
var ErrInvalidSKU = errors.New("invalid sku")

// skuPattern matches catalog SKUs such as LAMP-5 or BOLT.M8.
// Uppercase letters, digits, dots and hyphens; 1-16 characters; must start
// with a letter or digit.
var skuPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,15}$`)

// ValidateSKU reports whether sku is well formed. It does not check that the
// SKU exists.
//
// Example:
//
//	if err := validation.ValidateSKU(sku); err != nil {
//	    return quote.Quote{}, err
//	}
func ValidateSKU(sku string) error {
	if sku == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSKU)
	}
	if !skuPattern.MatchString(sku) {
		return fmt.Errorf("%w: %q (want 1-16 uppercase alphanumerics, dots or hyphens)", ErrInvalidSKU, sku)
	}
	return nil
}

// ValidateSKUs validates every sku and joins the failures.
func ValidateSKUs(skus []string) error {
	var errs []error
	for _, s := range skus {
		if err := ValidateSKU(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SanitizeSKU trims and uppercases sku, then validates it.
//
//	sku, err := validation.SanitizeSKU(c.Query("sku"))
//	if err != nil {
//	    return err
//	}
//	// sku is uppercase and well formed
func SanitizeSKU(sku string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(sku))
	if err := ValidateSKU(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
