package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/middleware"
	"github.com/smarttransit/ticketing-engine/internal/models"
	"github.com/smarttransit/ticketing-engine/internal/services"
	"github.com/smarttransit/ticketing-engine/pkg/jwt"
	"github.com/smarttransit/ticketing-engine/pkg/validator"
)

// staffRoles may act on any reservation
var staffRoles = []string{jwt.RoleCashier, jwt.RoleManager, jwt.RoleOwner, jwt.RoleAdmin}

// ReservationHandler handles reservation, cash sale and ticket list endpoints
type ReservationHandler struct {
	reservations *services.ReservationService
	tickets      *services.TicketService
	logger       *logrus.Logger
}

// NewReservationHandler creates a new ReservationHandler
func NewReservationHandler(reservations *services.ReservationService, tickets *services.TicketService, logger *logrus.Logger) *ReservationHandler {
	return &ReservationHandler{
		reservations: reservations,
		tickets:      tickets,
		logger:       logger,
	}
}

// CreateReservationRequest is the body of POST /reservations
type CreateReservationRequest struct {
	TripID         string  `json:"trip_id" binding:"required"`
	Seats          []int64 `json:"seats" binding:"required,min=1,seatnumbers"`
	PaymentMethod  string  `json:"payment_method" binding:"required,oneof=card mobile_money"`
	PassengerName  string  `json:"passenger_name" binding:"required,max=120"`
	PassengerPhone string  `json:"passenger_phone" binding:"required,lkphone"`
	PassengerEmail *string `json:"passenger_email" binding:"omitempty,email"`
}

// CashSaleRequest is the body of POST /cash-sales
type CashSaleRequest struct {
	TripID          string   `json:"trip_id" binding:"required"`
	Seats           []int64  `json:"seats" binding:"required,min=1,seatnumbers"`
	PassengerName   string   `json:"passenger_name" binding:"required,max=120"`
	PassengerPhone  string   `json:"passenger_phone" binding:"required,lkphone"`
	PassengerEmail  *string  `json:"passenger_email" binding:"omitempty,email"`
	CollectedAmount *float64 `json:"collected_amount" binding:"omitempty,gte=0"`
}

// CancelReservationRequest is the optional body of POST /reservations/:ref/cancel
type CancelReservationRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// ConfirmReservationRequest is the body of POST /reservations/:ref/confirm
type ConfirmReservationRequest struct {
	PaymentReference string `json:"payment_reference" binding:"required,max=120"`
}

// CreateReservation holds seats and starts the payment
// POST /api/v1/reservations
func (h *ReservationHandler) CreateReservation(c *gin.Context) {
	var req CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, validator.Describe(err))
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	in := services.CreateReservationRequest{
		TripID:         req.TripID,
		Seats:          req.Seats,
		PaymentMethod:  models.PaymentMethod(req.PaymentMethod),
		PassengerName:  strings.TrimSpace(req.PassengerName),
		PassengerPhone: req.PassengerPhone,
		PassengerEmail: req.PassengerEmail,
		IdempotencyKey: key,
	}
	if user, ok := middleware.GetUserContext(c); ok {
		id := user.UserID.String()
		in.UserID = &id
	}

	result, err := h.reservations.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// CreateCashSale sells seats at the counter, confirmed and ticketed at once
// POST /api/v1/cash-sales
func (h *ReservationHandler) CreateCashSale(c *gin.Context) {
	var req CashSaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, validator.Describe(err))
		return
	}
	key, ok := idempotencyKey(c)
	if !ok {
		return
	}

	in := services.CreateReservationRequest{
		TripID:          req.TripID,
		Seats:           req.Seats,
		PaymentMethod:   models.PaymentMethodCash,
		PassengerName:   strings.TrimSpace(req.PassengerName),
		PassengerPhone:  req.PassengerPhone,
		PassengerEmail:  req.PassengerEmail,
		IdempotencyKey:  key,
		CollectedAmount: req.CollectedAmount,
	}
	if user, ok := middleware.GetUserContext(c); ok {
		id := user.UserID.String()
		in.UserID = &id
	}

	result, err := h.reservations.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// GetReservation returns a reservation by number or id
// GET /api/v1/reservations/:ref
func (h *ReservationHandler) GetReservation(c *gin.Context) {
	res, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res)
}

// CancelReservation releases the seats of an active reservation
// POST /api/v1/reservations/:ref/cancel
func (h *ReservationHandler) CancelReservation(c *gin.Context) {
	var req CancelReservationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, validator.Describe(err))
			return
		}
	}

	res, ok := h.load(c)
	if !ok {
		return
	}

	user, _ := middleware.GetUserContext(c)
	if !ownsReservation(user, res) && !user.HasRole(staffRoles...) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "forbidden",
			Message: "You can only cancel your own reservations",
			Code:    "NOT_OWNER",
		})
		return
	}

	cancelled, err := h.reservations.Cancel(c.Request.Context(), res.ID, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

// ConfirmReservation takes counter payment for a pending reservation
// POST /api/v1/reservations/:ref/confirm
func (h *ReservationHandler) ConfirmReservation(c *gin.Context) {
	var req ConfirmReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, validator.Describe(err))
		return
	}

	res, ok := h.load(c)
	if !ok {
		return
	}

	confirmed, tickets, err := h.reservations.Confirm(c.Request.Context(), res.ID, req.PaymentReference)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservation": confirmed,
		"tickets":     tickets,
	})
}

// ListTickets returns the tickets of a reservation
// GET /api/v1/reservations/:ref/tickets
func (h *ReservationHandler) ListTickets(c *gin.Context) {
	res, ok := h.load(c)
	if !ok {
		return
	}

	tickets, err := h.tickets.ListByReservation(c.Request.Context(), res.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	payloads := make([]gin.H, 0, len(tickets))
	for i := range tickets {
		payloads = append(payloads, gin.H{
			"ticket":       tickets[i],
			"scan_payload": tickets[i].ScanPayload(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"reservation_number": res.ReservationNumber,
		"tickets":            payloads,
	})
}

// load resolves the :ref path parameter, which may be a reservation number or id
func (h *ReservationHandler) load(c *gin.Context) (*models.Reservation, bool) {
	ref := strings.TrimSpace(c.Param("ref"))
	if ref == "" {
		badRequest(c, "Reservation reference is required")
		return nil, false
	}

	var (
		res *models.Reservation
		err error
	)
	switch {
	case strings.HasPrefix(ref, "RSV-"):
		res, err = h.reservations.GetByNumber(c.Request.Context(), ref)
	case isUUID(ref):
		res, err = h.reservations.Get(c.Request.Context(), ref)
	default:
		err = models.ErrNotFound
	}
	if err != nil {
		respondError(c, h.logger, err)
		return nil, false
	}
	return res, true
}

func ownsReservation(user middleware.UserContext, res *models.Reservation) bool {
	if res.UserID != nil && *res.UserID == user.UserID.String() {
		return true
	}
	return user.Phone != "" && user.Phone == res.PassengerPhone
}

const maxIdempotencyKey = 128

// idempotencyKey reads the Idempotency-Key header. An oversized key answers
// 400; cutting it down would let distinct keys collide.
func idempotencyKey(c *gin.Context) (string, bool) {
	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > maxIdempotencyKey {
		badRequest(c, fmt.Sprintf("Idempotency-Key must be at most %d bytes", maxIdempotencyKey))
		return "", false
	}
	return key, true
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
