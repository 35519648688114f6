package models

import (
	"time"
)

// TicketStatus represents the status of a ticket
type TicketStatus string

const (
	TicketStatusReserved  TicketStatus = "reserved"
	TicketStatusValid     TicketStatus = "valid"
	TicketStatusUsed      TicketStatus = "used"
	TicketStatusCancelled TicketStatus = "cancelled"
)

// Ticket is issued per seat once a reservation is confirmed
type Ticket struct {
	ID             string       `json:"id" db:"id"`
	TicketNumber   string       `json:"ticket_number" db:"ticket_number"`
	ReservationID  string       `json:"reservation_id" db:"reservation_id"`
	TripID         string       `json:"trip_id" db:"trip_id"`
	SeatNumber     int64        `json:"seat_number" db:"seat_number"`
	PassengerName  string       `json:"passenger_name" db:"passenger_name"`
	PassengerPhone string       `json:"passenger_phone" db:"passenger_phone"`
	Code           string       `json:"code" db:"code"`
	Status         TicketStatus `json:"status" db:"status"`
	UsedAt         *time.Time   `json:"used_at,omitempty" db:"used_at"`
	UsedBy         *string      `json:"used_by,omitempty" db:"used_by"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at" db:"updated_at"`
}

// ScanPayload is the value printed in the ticket QR code
func (t *Ticket) ScanPayload() string {
	return t.TicketNumber + "." + t.Code
}

// ValidationOutcome tells boarding staff how to react to a scan
type ValidationOutcome string

const (
	ValidationValid       ValidationOutcome = "valid"
	ValidationAlreadyUsed ValidationOutcome = "already_used"
	ValidationTampered    ValidationOutcome = "tampered"
	ValidationCancelled   ValidationOutcome = "cancelled"
)

// ValidationResult carries the boarding-relevant fields of a scanned ticket
type ValidationResult struct {
	Outcome       ValidationOutcome `json:"outcome"`
	TicketNumber  string            `json:"ticket_number"`
	ReservationID string            `json:"reservation_id,omitempty"`
	TripID        string            `json:"trip_id,omitempty"`
	SeatNumber    int64             `json:"seat_number,omitempty"`
	PassengerName string            `json:"passenger_name,omitempty"`
	UsedAt        *time.Time        `json:"used_at,omitempty"`
	UsedBy        *string           `json:"used_by,omitempty"`
}

// TicketUse is the input of the atomic USED transition
type TicketUse struct {
	TicketID    string
	ValidatorID string
	At          time.Time
}
