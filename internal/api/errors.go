package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketron/internal/engine"
	"marketron/internal/models"
	"marketron/internal/oracle"
)

// ErrorResponse represents a standardized error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// ErrorCode defines standard error codes.
type ErrorCode string

const (
	// Request errors (4xx)
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeInvalidSymbol    ErrorCode = "INVALID_SYMBOL"
	ErrCodeNoReferencePrice ErrorCode = "NO_REFERENCE_PRICE"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"

	// Server errors (5xx)
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// NewErrorResponse creates a new error response.
func NewErrorResponse(code ErrorCode, message string) *ErrorResponse {
	return &ErrorResponse{
		Error:   string(code),
		Message: message,
		Code:    string(code),
	}
}

// NewErrorResponseWithDetails creates a new error response with details.
func NewErrorResponseWithDetails(code ErrorCode, message string, details map[string]string) *ErrorResponse {
	resp := NewErrorResponse(code, message)
	resp.Details = details
	return resp
}

// AbortWithError aborts the request with a standardized error response.
func AbortWithError(c *gin.Context, status int, code ErrorCode, message string) {
	c.AbortWithStatusJSON(status, NewErrorResponse(code, message))
}

// AbortWithErrorDetails aborts the request with a standardized error response including details.
func AbortWithErrorDetails(c *gin.Context, status int, code ErrorCode, message string, details map[string]string) {
	c.AbortWithStatusJSON(status, NewErrorResponseWithDetails(code, message, details))
}

// respondError maps domain errors onto the error envelope.
func respondError(c *gin.Context, err error) {
	var (
		validation *models.ValidationError
		noRef      *models.NoReferencePriceError
	)
	switch {
	case errors.As(err, &validation):
		code := ErrCodeInvalidRequest
		if validation.Field == "symbol" {
			code = ErrCodeInvalidSymbol
		}
		AbortWithErrorDetails(c, http.StatusBadRequest, code, validation.Message,
			map[string]string{"field": validation.Field})
	case errors.As(err, &noRef):
		AbortWithErrorDetails(c, http.StatusUnprocessableEntity, ErrCodeNoReferencePrice, err.Error(),
			map[string]string{"symbol": noRef.Symbol})
	case errors.Is(err, models.ErrNoReferencePrice):
		AbortWithError(c, http.StatusUnprocessableEntity, ErrCodeNoReferencePrice, err.Error())
	case errors.Is(err, engine.ErrOrderNotFound):
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, oracle.ErrUnknownSymbol):
		AbortWithError(c, http.StatusNotFound, ErrCodeInvalidSymbol, err.Error())
	case errors.Is(err, oracle.ErrInvalidPrice):
		AbortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	default:
		AbortWithError(c, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// parseIntOrDefault parses a query integer, clamping it to [1, ceiling]. A
// missing or malformed value yields def.
func parseIntOrDefault(s string, def, ceiling int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	if ceiling > 0 && v > ceiling {
		return ceiling
	}
	return v
}
