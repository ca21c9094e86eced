package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	providerspricing "github.com/meterline/meterline/internal/providers/pricing"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrNotFound           = errors.New("not_found")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware translates the last gin error into the JSON error
// envelope. Handlers push domain errors via AbortWithError and never write
// error bodies themselves.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isInvalidRequestError(err):
		return http.StatusBadRequest, payloadFor(err, "validation_error")
	case errors.Is(err, balancedomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, payloadFor(err, "insufficient_balance")
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	case errors.Is(err, syncdomain.ErrSyncInProgress),
		errors.Is(err, syncdomain.ErrChangeResolved):
		return http.StatusConflict, payloadFor(err, "conflict")
	case errors.Is(err, pricingdomain.ErrNoPricing):
		return http.StatusUnprocessableEntity, payloadFor(err, "no_pricing")
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, syncdomain.ErrNoProviders):
		return http.StatusServiceUnavailable, payloadFor(err, "service_unavailable")
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func payloadFor(err error, typ string) errorPayload {
	return errorPayload{Type: typ, Message: err.Error()}
}

func isInvalidRequestError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, usagedomain.ErrInvalidUsage) ||
		errors.Is(err, usagedomain.ErrInvalidUser) ||
		errors.Is(err, balancedomain.ErrInvalidUser) ||
		errors.Is(err, balancedomain.ErrInvalidAmount) ||
		errors.Is(err, balancedomain.ErrInvalidRequestID) ||
		errors.Is(err, balancedomain.ErrNotRefundable) ||
		errors.Is(err, balancedomain.ErrRefundExceedsOriginal) ||
		errors.Is(err, pricingdomain.ErrInvalidPrice) ||
		errors.Is(err, providerspricing.ErrProviderNotFound)
}

func isNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, balancedomain.ErrTransactionNotFound) ||
		errors.Is(err, pricingdomain.ErrPricingMissing) ||
		errors.Is(err, syncdomain.ErrChangeNotFound) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}

// classifyErrorForLog feeds the request logger; it never exposes messages.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal", payload.Type
	}
	return "client", payload.Type
}
