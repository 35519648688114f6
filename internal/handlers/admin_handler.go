package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/services"
)

// jobAliases maps the short trigger names to cron job names
var jobAliases = map[string]string{
	"expire":    services.JobExpireReservations,
	"lifecycle": services.JobTripLifecycle,
	"departure": services.JobDepartureFastPath,
	"payments":  services.JobPaymentReconcile,
	"tickets":   services.JobTicketRepair,
}

// EventStats reports event delivery counters
type EventStats interface {
	Stats() map[string]int64
}

// AdminHandler handles background job control
type AdminHandler struct {
	cron   *services.CronService
	events EventStats
	logger *logrus.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(cron *services.CronService, events EventStats, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{cron: cron, events: events, logger: logger}
}

// GetJobStatus returns the schedule and last outcome of every job
// GET /api/v1/admin/jobs/status
func (h *AdminHandler) GetJobStatus(c *gin.Context) {
	status := h.cron.GetJobStatus()
	if h.events != nil {
		status["events"] = h.events.Stats()
	}
	c.JSON(http.StatusOK, status)
}

// RunJob runs a job now under its lock
// POST /api/v1/admin/jobs/:job
func (h *AdminHandler) RunJob(c *gin.Context) {
	job, ok := jobAliases[c.Param("job")]
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "unknown job " + c.Param("job"),
			Code:    "UNKNOWN_JOB",
		})
		return
	}

	ran, err := h.cron.RunNow(c.Request.Context(), job)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !ran {
		c.JSON(http.StatusAccepted, gin.H{
			"job":     job,
			"ran":     false,
			"message": "job is already running on another instance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job":    job,
		"ran":    true,
		"report": h.cron.GetJobStatus(),
	})
}
