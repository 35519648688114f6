package services

import (
	"context"
	"time"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// TripStore is the trip side of the seat ledger
type TripStore interface {
	GetByID(ctx context.Context, id string) (*models.Trip, error)
	ListLifecycleDue(ctx context.Context, now time.Time, timing models.LifecycleTiming, limit int) ([]models.Trip, error)
	ListDepartureDue(ctx context.Context, now time.Time, window time.Duration, limit int) ([]models.Trip, error)
	TransitionStatus(ctx context.Context, id string, from []models.TripStatus, to models.TripStatus) (bool, error)
	OccupiedSeats(ctx context.Context, tripID string) ([]int64, error)
}

// ReservationStore runs the atomic reservation units. Each mutation commits
// entirely or not at all.
type ReservationStore interface {
	Create(ctx context.Context, nr *models.NewReservation) error
	GetByID(ctx context.Context, id string) (*models.Reservation, error)
	GetByNumber(ctx context.Context, number string) (*models.Reservation, error)
	GetByIdempotencyKey(ctx context.Context, owner, key string) (*models.Reservation, error)
	ListStale(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	ListActiveByTrip(ctx context.Context, tripID string) ([]models.Reservation, error)
	ListConfirmedWithoutTickets(ctx context.Context, limit int) ([]models.Reservation, error)
	Expire(ctx context.Context, id string, now time.Time) (*models.Reservation, bool, error)
	Confirm(ctx context.Context, id, paymentRef string, at time.Time) (*models.Reservation, error)
	Cancel(ctx context.Context, id, reason string, at time.Time) (*models.Reservation, error)
	Settle(ctx context.Context, s models.Settlement) (*models.SettlementOutcome, error)
	CompleteTrip(ctx context.Context, tripID string, at time.Time) ([]models.Reservation, bool, error)
}

// PaymentStore reads payments; status writes go through ReservationStore
type PaymentStore interface {
	GetByTransactionID(ctx context.Context, txnID string) (*models.Payment, error)
	GetByReservationID(ctx context.Context, reservationID string) (*models.Payment, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error)
	SetPaymentURL(ctx context.Context, id, url string) error
}

// TicketStore persists tickets and runs the single-use transition
type TicketStore interface {
	CreateForReservation(ctx context.Context, reservationID string, tickets []models.Ticket) ([]models.Ticket, bool, error)
	GetByNumber(ctx context.Context, number string) (*models.Ticket, error)
	ListByReservation(ctx context.Context, reservationID string) ([]models.Ticket, error)
	MarkUsed(ctx context.Context, use models.TicketUse) (*models.Ticket, error)
}

// PaymentAuditStore appends to the payment audit trail
type PaymentAuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	ListByTransactionID(ctx context.Context, txnID string) ([]models.PaymentAudit, error)
}

// EventPublisher accepts lifecycle events. Publish never blocks and never
// fails the caller; undeliverable events are dropped.
type EventPublisher interface {
	Publish(event models.Event)
}

// ExpiryScheduler arranges a one-off expiry check at the hold deadline.
// The periodic sweep remains the safety net when scheduling fails.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, reservationID string, at time.Time) error
}

// Gateway is the payment provider as seen by the engine
type Gateway interface {
	NewTransactionID() string
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	Verify(ctx context.Context, transactionID string) (*VerifyResponse, error)
	ValidateSignature(p *WebhookPayload, signature string) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(models.Event) {}

// SweepOnlyExpiry is used when no task queue is configured; the periodic
// sweep alone expires holds
type SweepOnlyExpiry struct{}

// ScheduleExpiry does nothing
func (SweepOnlyExpiry) ScheduleExpiry(context.Context, string, time.Time) error { return nil }
