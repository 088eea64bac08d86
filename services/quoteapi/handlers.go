// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quoteapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/darklaunch/pkg/validation"
	"github.com/AleutianAI/darklaunch/services/quote"
)

type quoteQuery struct {
	SKU      string  `form:"sku" binding:"required"`
	Quantity int     `form:"qty,default=1" binding:"gte=1,lte=1000000"`
	Discount float64 `form:"discount" binding:"gte=0,lte=100"`
	Customer string  `form:"customer"`
}

// QuoteResponse is the body of a successful GET /v1/quote.
type QuoteResponse struct {
	RequestID string      `json:"request_id"`
	Quote     quote.Quote `json:"quote"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

func errorBody(c *gin.Context, err error) ErrorResponse {
	return ErrorResponse{RequestID: requestID(c), Error: err.Error()}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleQuote prices the query through the experiment.
func HandleQuote(svc *quote.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q quoteQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(c, err))
			return
		}
		sku, err := validation.SanitizeSKU(q.SKU)
		if err != nil {
			c.JSON(statusFor(err), errorBody(c, err))
			return
		}

		result, err := svc.Quote(c.Request.Context(), quote.Request{
			SKU:             sku,
			Quantity:        q.Quantity,
			DiscountPercent: q.Discount,
			CustomerID:      q.Customer,
		})
		if err != nil {
			c.JSON(statusFor(err), errorBody(c, err))
			return
		}
		c.JSON(http.StatusOK, QuoteResponse{RequestID: requestID(c), Quote: result})
	}
}

// HandleCatalog lists the catalog.
func HandleCatalog(svc *quote.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": svc.Catalog().Items()})
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, quote.ErrUnknownSKU):
		return http.StatusNotFound
	case errors.Is(err, validation.ErrInvalidSKU),
		errors.Is(err, quote.ErrInvalidQuantity),
		errors.Is(err, quote.ErrInvalidDiscount):
		return http.StatusBadRequest
	case errors.Is(err, quote.ErrDiscontinued):
		return http.StatusGone
	case errors.Is(err, quote.ErrBulkLimit),
		errors.Is(err, quote.ErrPriceOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
