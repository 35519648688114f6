package events

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a log sink
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink
func (s *LogSink) Deliver(_ context.Context, e models.Event) error {
	s.logger.WithFields(logrus.Fields{
		"event_id":       e.ID,
		"event_type":     e.Type,
		"trip_id":        e.TripID,
		"reservation_id": e.ReservationID,
		"from":           e.FromStatus,
		"to":             e.ToStatus,
	}).Info("event")
	return nil
}
