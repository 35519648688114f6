package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle event published to the real-time channel
type EventType string

const (
	EventTripStatusChanged     EventType = "trip.status_changed"
	EventPassengerTripUpdate   EventType = "passenger.trip_update"
	EventReservationCreated    EventType = "reservation.created"
	EventReservationConfirmed  EventType = "reservation.confirmed"
	EventReservationExpired    EventType = "reservation.expired"
	EventReservationCancelled  EventType = "reservation.cancelled"
	EventPaymentPaid           EventType = "payment.paid"
	EventPaymentFailed         EventType = "payment.failed"
	EventPaymentRefundRequired EventType = "payment.refund_required"
	EventTicketsIssued         EventType = "tickets.issued"
	EventTicketUsed            EventType = "ticket.used"
	EventTicketRejected        EventType = "ticket.rejected"
)

// Event is one fire-and-forget notification
type Event struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	TripID         string                 `json:"trip_id,omitempty"`
	ReservationID  string                 `json:"reservation_id,omitempty"`
	PassengerPhone string                 `json:"passenger_phone,omitempty"`
	FromStatus     string                 `json:"from_status,omitempty"`
	ToStatus       string                 `json:"to_status,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// NewEvent creates an event stamped with a fresh id and the current time
func NewEvent(eventType EventType, tripID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TripID:     tripID,
		OccurredAt: time.Now(),
	}
}

// ReservationEvent creates an event scoped to a reservation
func ReservationEvent(eventType EventType, r *Reservation) Event {
	e := NewEvent(eventType, r.TripID)
	e.ReservationID = r.ID
	e.PassengerPhone = r.PassengerPhone
	e.ToStatus = string(r.Status)
	e.Data = map[string]interface{}{
		"reservation_number": r.ReservationNumber,
		"seats":              []int64(r.Seats),
	}
	return e
}
