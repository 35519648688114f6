package models

import (
	"time"
)

// ReservationStatus represents the lifecycle status of a reservation
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
	ReservationStatusExpired   ReservationStatus = "expired"
	ReservationStatusCheckedIn ReservationStatus = "checked_in"
	ReservationStatusCompleted ReservationStatus = "completed"
)

// ActiveReservationStatuses are the statuses whose seats count against the trip
var ActiveReservationStatuses = []ReservationStatus{
	ReservationStatusPending,
	ReservationStatusConfirmed,
	ReservationStatusCheckedIn,
}

// PaymentMethod is how a reservation is settled
type PaymentMethod string

const (
	PaymentMethodCash        PaymentMethod = "cash"
	PaymentMethodCard        PaymentMethod = "card"
	PaymentMethodMobileMoney PaymentMethod = "mobile_money"
)

// IsValid checks the payment method is known
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodCard, PaymentMethodMobileMoney:
		return true
	}
	return false
}

// RequiresGateway reports whether the method settles through the payment provider
func (m PaymentMethod) RequiresGateway() bool {
	return m != PaymentMethodCash
}

// Reservation is one booking transaction holding 1..n seats on a trip
type Reservation struct {
	ID                string            `json:"id" db:"id"`
	ReservationNumber string            `json:"reservation_number" db:"reservation_number"`
	TripID            string            `json:"trip_id" db:"trip_id"`
	UserID            *string           `json:"user_id,omitempty" db:"user_id"`
	Seats             SeatNumbers       `json:"seats" db:"seats"`
	TotalAmount       float64           `json:"total_amount" db:"total_amount"`
	Currency          string            `json:"currency" db:"currency"`
	PaymentMethod     PaymentMethod     `json:"payment_method" db:"payment_method"`
	Status            ReservationStatus `json:"status" db:"status"`
	PaymentStatus     PaymentStatus     `json:"payment_status" db:"payment_status"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	PassengerName     string            `json:"passenger_name" db:"passenger_name"`
	PassengerPhone    string            `json:"passenger_phone" db:"passenger_phone"`
	PassengerEmail    *string           `json:"passenger_email,omitempty" db:"passenger_email"`
	IdempotencyKey    *string           `json:"-" db:"idempotency_key"`
	IdempotencyOwner  *string           `json:"-" db:"idempotency_owner"`
	CancelReason      *string           `json:"cancel_reason,omitempty" db:"cancel_reason"`
	ConfirmedAt       *time.Time        `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the reservation still holds its seats
func (r *Reservation) IsActive() bool {
	for _, s := range ActiveReservationStatuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// IsPastHold reports whether a pending reservation has run out of time
func (r *Reservation) IsPastHold(now time.Time) bool {
	return r.Status == ReservationStatusPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// SeatCount returns the number of seats held
func (r *Reservation) SeatCount() int {
	return len(r.Seats)
}

// NewReservation bundles everything written by the atomic create unit
type NewReservation struct {
	Reservation *Reservation
	Payment     *Payment
}

// IdempotencyOwner scopes an Idempotency-Key to its caller: the signed-in
// user, or the passenger phone for guests
func IdempotencyOwner(userID *string, phone string) string {
	if userID != nil && *userID != "" {
		return "user:" + *userID
	}
	return "phone:" + phone
}
