package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/middleware"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// statusFor maps a domain error to the HTTP status callers should see
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	}

	switch models.KindOf(err) {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindExpiry:
		return http.StatusGone
	case models.KindIntegrity:
		return http.StatusUnprocessableEntity
	case models.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as JSON. Internal errors are logged and masked.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:   string(models.KindOf(err)),
		Message: err.Error(),
		Code:    models.CodeOf(err),
	}

	var conflict *models.SeatConflictError
	if errors.As(err, &conflict) {
		resp.Details = gin.H{"seats": conflict.Seats}
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": middleware.GetRequestID(c),
		}).Error("Request failed")
		if status == http.StatusInternalServerError {
			resp.Message = "Something went wrong, please try again"
		}
	}

	c.JSON(status, resp)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "validation_error",
		Message: message,
		Code:    "INVALID_REQUEST",
	})
}
