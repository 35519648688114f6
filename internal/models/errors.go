package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind groups domain errors by how callers are expected to react.
type ErrorKind string

const (
	KindConflict   ErrorKind = "conflict"
	KindExpiry     ErrorKind = "expiry"
	KindExternal   ErrorKind = "external"
	KindIntegrity  ErrorKind = "integrity"
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

// DomainError is a sentinel error with a stable machine code.
type DomainError struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

func newDomainError(code string, kind ErrorKind, message string) *DomainError {
	return &DomainError{Code: code, Kind: kind, Message: message}
}

var (
	ErrSeatConflict         = newDomainError("SEAT_CONFLICT", KindConflict, "one or more seats are already held, pick another seat")
	ErrCapacityExceeded     = newDomainError("CAPACITY_EXCEEDED", KindConflict, "not enough seats left on this trip")
	ErrTripNotBookable      = newDomainError("TRIP_NOT_BOOKABLE", KindConflict, "trip is not open for booking")
	ErrReservationExpired   = newDomainError("RESERVATION_EXPIRED", KindExpiry, "reservation has expired, restart the booking")
	ErrInvalidSignature     = newDomainError("INVALID_SIGNATURE", KindIntegrity, "callback signature is invalid")
	ErrUnknownTransaction   = newDomainError("UNKNOWN_TRANSACTION", KindNotFound, "transaction id does not match any payment")
	ErrTamperedTicket       = newDomainError("TAMPERED_TICKET", KindIntegrity, "ticket code does not match, ticket may be forged")
	ErrAlreadyUsed          = newDomainError("ALREADY_USED", KindIntegrity, "ticket has already been used")
	ErrTicketCancelled      = newDomainError("TICKET_CANCELLED", KindConflict, "ticket has been cancelled")
	ErrInvalidSeatSelection = newDomainError("INVALID_SEATS", KindValidation, "invalid seat selection")
	ErrInvalidTransition    = newDomainError("INVALID_TRANSITION", KindConflict, "status transition not allowed")
	ErrAmountMismatch       = newDomainError("AMOUNT_MISMATCH", KindExternal, "paid amount does not match the reservation total")
	ErrNotConfirmed         = newDomainError("NOT_CONFIRMED", KindConflict, "reservation is not confirmed")
	ErrGatewayUnavailable   = newDomainError("GATEWAY_UNAVAILABLE", KindExternal, "payment provider is unavailable, try again shortly")
	ErrNotFound             = newDomainError("NOT_FOUND", KindNotFound, "resource not found")
)

// KindOf returns the kind of the first DomainError in the chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the machine code of the first DomainError in the chain.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL_ERROR"
}

// SeatConflictError lists the seats that were already held.
type SeatConflictError struct {
	TripID string
	Seats  []int64
}

func (e *SeatConflictError) Error() string {
	parts := make([]string, len(e.Seats))
	for i, s := range e.Seats {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return fmt.Sprintf("seats already held: %s", strings.Join(parts, ", "))
}

func (e *SeatConflictError) Unwrap() error { return ErrSeatConflict }

// TicketUsedError reports when and by whom a ticket was first used.
type TicketUsedError struct {
	TicketNumber string
	UsedAt       time.Time
	UsedBy       string
}

func (e *TicketUsedError) Error() string {
	return fmt.Sprintf("ticket %s already used at %s", e.TicketNumber, e.UsedAt.Format(time.RFC3339))
}

func (e *TicketUsedError) Unwrap() error { return ErrAlreadyUsed }

// SeatSelectionError explains why a seat list was rejected.
type SeatSelectionError struct {
	Reason string
}

func (e *SeatSelectionError) Error() string { return e.Reason }

func (e *SeatSelectionError) Unwrap() error { return ErrInvalidSeatSelection }
