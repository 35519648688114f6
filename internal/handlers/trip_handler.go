package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/events"
	"github.com/smarttransit/ticketing-engine/internal/services"
)

// TripHandler handles seat inventory, manual completion and live updates
type TripHandler struct {
	reservations *services.ReservationService
	lifecycle    *services.TripLifecycleService
	hub          *events.Hub
	logger       *logrus.Logger
}

// NewTripHandler creates a new TripHandler. hub may be nil, which disables
// the websocket endpoint.
func NewTripHandler(reservations *services.ReservationService, lifecycle *services.TripLifecycleService, hub *events.Hub, logger *logrus.Logger) *TripHandler {
	return &TripHandler{
		reservations: reservations,
		lifecycle:    lifecycle,
		hub:          hub,
		logger:       logger,
	}
}

// GetInventory compares the seat counter with the seats actually held
// GET /api/v1/trips/:id/inventory
func (h *TripHandler) GetInventory(c *gin.Context) {
	snapshot, err := h.reservations.Inventory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// CompleteTrip finalizes an arrived trip and releases its seats
// POST /api/v1/trips/:id/complete
func (h *TripHandler) CompleteTrip(c *gin.Context) {
	trip, err := h.lifecycle.CompleteTrip(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, trip)
}

// Subscribe upgrades to a websocket streaming the trip's events
// GET /ws/trips/:id
func (h *TripHandler) Subscribe(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "unavailable",
			Message: "live updates are disabled",
			Code:    "REALTIME_DISABLED",
		})
		return
	}

	if err := h.hub.Serve(c.Writer, c.Request, c.Param("id")); err != nil {
		// the upgrader has already written the response
		h.logger.WithError(err).WithField("trip_id", c.Param("id")).Debug("Websocket upgrade failed")
	}
}
