package models

import (
	"time"
)

// PaymentStatus represents the settlement status of a payment
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusFailed
}

// Payment is one settlement attempt for a reservation
type Payment struct {
	ID               string        `json:"id" db:"id"`
	ReservationID    string        `json:"reservation_id" db:"reservation_id"`
	TransactionID    string        `json:"transaction_id" db:"transaction_id"`
	Amount           float64       `json:"amount" db:"amount"`
	Currency         string        `json:"currency" db:"currency"`
	Method           PaymentMethod `json:"method" db:"method"`
	Status           PaymentStatus `json:"status" db:"status"`
	GatewayReference *string       `json:"gateway_reference,omitempty" db:"gateway_reference"`
	FailureReason    *string       `json:"failure_reason,omitempty" db:"failure_reason"`
	RefundRequired   bool          `json:"refund_required" db:"refund_required"`
	GatewaySettled   bool          `json:"gateway_settled" db:"gateway_settled"`
	PaymentURL       *string       `json:"payment_url,omitempty" db:"payment_url"`
	PaidAt           *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// SettledFor reports whether a provider outcome is a repeat to ignore. A payment
// failed locally by hold expiry or cancellation still takes a success outcome,
// which lands as a late payment flagged for refund.
func (p *Payment) SettledFor(success bool) bool {
	switch p.Status {
	case PaymentStatusPaid:
		return true
	case PaymentStatusFailed:
		return p.GatewaySettled || !success
	}
	return false
}

// GatewayOutcome is the normalized result reported by the payment provider
type GatewayOutcome string

const (
	GatewayOutcomeSuccess   GatewayOutcome = "SUCCESS"
	GatewayOutcomeFailed    GatewayOutcome = "FAILED"
	GatewayOutcomeCancelled GatewayOutcome = "CANCELLED"
	GatewayOutcomePending   GatewayOutcome = "PENDING"
)

// IsFinal reports whether the provider considers the payment settled either way
func (o GatewayOutcome) IsFinal() bool {
	return o == GatewayOutcomeSuccess || o == GatewayOutcomeFailed || o == GatewayOutcomeCancelled
}

// Settlement is the input of the atomic payment settlement unit
type Settlement struct {
	TransactionID    string
	Success          bool
	GatewayReference string
	FailureReason    string
	At               time.Time
}

// SettlementResult describes what the settlement unit did
type SettlementResult string

const (
	// SettlementConfirmed: payment paid and reservation confirmed
	SettlementConfirmed SettlementResult = "confirmed"
	// SettlementCancelled: payment failed and reservation cancelled
	SettlementCancelled SettlementResult = "cancelled"
	// SettlementDuplicate: payment was already terminal, nothing changed
	SettlementDuplicate SettlementResult = "duplicate"
	// SettlementLatePayment: money arrived after the hold expired, refund required
	SettlementLatePayment SettlementResult = "late_payment"
)

// SettlementOutcome is returned by the settlement unit
type SettlementOutcome struct {
	Result      SettlementResult
	Payment     *Payment
	Reservation *Reservation
	// HoldExpired is set when the settlement itself expired a lapsed hold
	HoldExpired bool
}
