package handlers

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/middleware"
	"github.com/smarttransit/ticketing-engine/internal/models"
	"github.com/smarttransit/ticketing-engine/internal/services"
	"github.com/smarttransit/ticketing-engine/internal/utils"
	"github.com/smarttransit/ticketing-engine/pkg/validator"
)

// TicketHandler handles boarding validation and printable tickets
type TicketHandler struct {
	tickets *services.TicketService
	logger  *logrus.Logger
}

// NewTicketHandler creates a new TicketHandler
func NewTicketHandler(tickets *services.TicketService, logger *logrus.Logger) *TicketHandler {
	return &TicketHandler{tickets: tickets, logger: logger}
}

// ValidateTicketRequest is the body of POST /tickets/validate
type ValidateTicketRequest struct {
	// Code is the scanned QR payload: TICKETNUMBER.code
	Code string `json:"code" binding:"required,max=256"`
}

// ValidateTicket checks a scanned ticket and marks it used
// POST /api/v1/tickets/validate
func (h *TicketHandler) ValidateTicket(c *gin.Context) {
	var req ValidateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, validator.Describe(err))
		return
	}

	user, _ := middleware.GetUserContext(c)
	client := utils.ParseUserAgent(utils.GetUserAgent(c))

	result, err := h.tickets.Validate(c.Request.Context(), req.Code, user.UserID.String())

	h.logger.WithFields(logrus.Fields{
		"validator_id": user.UserID.String(),
		"device_type":  client.DeviceType,
		"os":           client.OS,
		"ip":           utils.GetRealIP(c),
		"valid":        err == nil,
	}).Info("Ticket scanned")

	if result == nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		if errors.Is(err, models.ErrAlreadyUsed) {
			status = http.StatusConflict
		}
	}

	body := gin.H{"result": result}
	if err != nil {
		body["code"] = models.CodeOf(err)
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}

// DownloadTicket renders a printable ticket
// GET /api/v1/tickets/:number/pdf
func (h *TicketHandler) DownloadTicket(c *gin.Context) {
	number := c.Param("number")

	var buf bytes.Buffer
	if err := h.tickets.RenderPDF(c.Request.Context(), number, &buf); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+number+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", buf.Bytes())
}
