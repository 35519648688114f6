package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/middleware"
	"github.com/smarttransit/ticketing-engine/internal/models"
	"github.com/smarttransit/ticketing-engine/internal/services"
	"github.com/smarttransit/ticketing-engine/internal/utils"
)

// SignatureHeader carries the provider's HMAC over the callback fields
const SignatureHeader = "X-Payment-Signature"

// maxWebhookBody bounds what we read from the provider
const maxWebhookBody = 64 << 10

// PaymentHandler handles the provider webhook and payment lookups
type PaymentHandler struct {
	reconciliation *services.ReconciliationService
	logger         *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(reconciliation *services.ReconciliationService, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		reconciliation: reconciliation,
		logger:         logger,
	}
}

// PaymentWebhook applies a provider callback. Only a bad signature is
// refused; every other outcome is acknowledged with 200 so the provider
// stops retrying, and the audit trail records what happened.
// POST /api/v1/payments/webhook
func (h *PaymentHandler) PaymentWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "failed to read request body",
			Code:    "INVALID_REQUEST",
		})
		return
	}

	userAgent := utils.GetUserAgent(c)
	meta := services.CallbackMeta{
		IPAddress:     utils.GetRealIP(c),
		UserAgent:     userAgent,
		DeviceType:    utils.ParseUserAgent(userAgent).DeviceType,
		CorrelationID: middleware.GetRequestID(c),
	}

	result, err := h.reconciliation.HandleCallback(c.Request.Context(), body, c.GetHeader(SignatureHeader), meta)
	switch {
	case errors.Is(err, models.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "invalid callback signature",
			Code:    models.CodeOf(err),
		})
		return
	case err != nil:
		h.logger.WithError(err).WithField("code", models.CodeOf(err)).Warn("Webhook acknowledged without settlement")
		c.JSON(http.StatusOK, gin.H{
			"acknowledged": true,
			"applied":      false,
			"code":         models.CodeOf(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"acknowledged": true,
		"applied":      result.Result != "" && result.Result != models.SettlementDuplicate,
		"result":       result,
	})
}

// GetPaymentStatus returns a payment with its reservation. refresh=true asks
// the provider first when the payment is still pending.
// GET /api/v1/payments/:transaction_id/status
func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))

	view, err := h.reconciliation.PaymentStatus(c.Request.Context(), c.Param("transaction_id"), refresh)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	user, _ := middleware.GetUserContext(c)
	if !ownsReservation(user, view.Reservation) && !user.HasRole(staffRoles...) {
		// hide other people's payments behind a 404
		respondError(c, h.logger, models.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetPaymentAudit returns the audit trail of a transaction
// GET /api/v1/admin/payments/:transaction_id/audit
func (h *PaymentHandler) GetPaymentAudit(c *gin.Context) {
	audits, err := h.reconciliation.AuditTrail(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": c.Param("transaction_id"),
		"count":          len(audits),
		"audits":         audits,
	})
}
