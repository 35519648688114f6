package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/models"
	"github.com/smarttransit/ticketing-engine/pkg/validator"
)

// TicketIssuer issues tickets for a confirmed reservation
type TicketIssuer interface {
	Issue(ctx context.Context, res *models.Reservation) ([]models.Ticket, error)
}

// CreateReservationRequest is the input of Create
type CreateReservationRequest struct {
	TripID         string
	Seats          []int64
	PaymentMethod  models.PaymentMethod
	PassengerName  string
	PassengerPhone string
	PassengerEmail *string
	UserID         *string
	IdempotencyKey string
	// CollectedAmount is what the cashier took for a cash sale
	CollectedAmount *float64
}

// CreateReservationResult is what Create hands back to the caller
type CreateReservationResult struct {
	Reservation *models.Reservation `json:"reservation"`
	Payment     *models.Payment     `json:"payment"`
	PaymentURL  string              `json:"payment_url,omitempty"`
	Tickets     []models.Ticket     `json:"tickets,omitempty"`
	Replayed    bool                `json:"replayed"`
}

// ReservationService is the only writer of the seat ledger
type ReservationService struct {
	cfg          *config.ReservationConfig
	currency     string
	trips        TripStore
	reservations ReservationStore
	payments     PaymentStore
	gateway      Gateway
	tickets      TicketIssuer
	expiry       ExpiryScheduler
	events       EventPublisher
	phones       *validator.PhoneValidator
	logger       *logrus.Logger
	now          func() time.Time
}

// NewReservationService creates a reservation service
func NewReservationService(
	cfg *config.ReservationConfig,
	currency string,
	trips TripStore,
	reservations ReservationStore,
	payments PaymentStore,
	gateway Gateway,
	tickets TicketIssuer,
	expiry ExpiryScheduler,
	events EventPublisher,
	logger *logrus.Logger,
) *ReservationService {
	if events == nil {
		events = noopPublisher{}
	}
	return &ReservationService{
		cfg:          cfg,
		currency:     currency,
		trips:        trips,
		reservations: reservations,
		payments:     payments,
		gateway:      gateway,
		tickets:      tickets,
		expiry:       expiry,
		events:       events,
		phones:       validator.NewPhoneValidator(),
		logger:       logger,
		now:          time.Now,
	}
}

// Create reserves seats on a trip. Cash sales are confirmed, paid and
// ticketed immediately; other methods hold the seats until the payment
// settles or the hold window runs out.
func (s *ReservationService) Create(ctx context.Context, req CreateReservationRequest) (*CreateReservationResult, error) {
	phone, err := s.phones.Validate(req.PassengerPhone)
	if err != nil {
		return nil, &models.SeatSelectionError{Reason: err.Error()}
	}

	owner := models.IdempotencyOwner(req.UserID, phone)
	if req.IdempotencyKey != "" {
		if replay, err := s.replay(ctx, owner, req.IdempotencyKey); replay != nil || err != nil {
			return replay, err
		}
	}

	seats, err := s.validateSeats(req.Seats)
	if err != nil {
		return nil, err
	}
	if !req.PaymentMethod.IsValid() {
		return nil, &models.SeatSelectionError{Reason: fmt.Sprintf("unsupported payment method %q", req.PaymentMethod)}
	}

	trip, err := s.trips.GetByID(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	if !trip.IsBookable() {
		return nil, fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, models.ErrTripNotBookable)
	}

	now := s.now()
	total := trip.EffectivePrice() * float64(len(seats))
	if req.PaymentMethod == models.PaymentMethodCash && req.CollectedAmount != nil && !models.AmountsMatch(total, *req.CollectedAmount) {
		return nil, fmt.Errorf("collected %.2f, expected %.2f: %w", *req.CollectedAmount, total, models.ErrAmountMismatch)
	}

	res := &models.Reservation{
		ID:                uuid.NewString(),
		ReservationNumber: NewReservationNumber(now),
		TripID:            trip.ID,
		UserID:            req.UserID,
		Seats:             seats,
		TotalAmount:       total,
		Currency:          s.currency,
		PaymentMethod:     req.PaymentMethod,
		PassengerName:     req.PassengerName,
		PassengerPhone:    phone,
		PassengerEmail:    req.PassengerEmail,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		res.IdempotencyKey = &key
		res.IdempotencyOwner = &owner
	}

	payment := &models.Payment{
		ID:            uuid.NewString(),
		ReservationID: res.ID,
		Amount:        total,
		Currency:      s.currency,
		Method:        req.PaymentMethod,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.PaymentMethod.RequiresGateway() {
		expiresAt := now.Add(s.cfg.HoldWindow)
		res.Status = models.ReservationStatusPending
		res.PaymentStatus = models.PaymentStatusPending
		res.ExpiresAt = &expiresAt
		payment.Status = models.PaymentStatusPending
		payment.TransactionID = s.gateway.NewTransactionID()
	} else {
		res.Status = models.ReservationStatusConfirmed
		res.PaymentStatus = models.PaymentStatusPaid
		res.ConfirmedAt = &now
		payment.Status = models.PaymentStatusPaid
		payment.TransactionID = "CASH-" + res.ReservationNumber
		payment.PaidAt = &now
	}

	if err := s.reservations.Create(ctx, &models.NewReservation{Reservation: res, Payment: payment}); err != nil {
		if req.IdempotencyKey != "" {
			// a concurrent request with the same key may have won the insert
			if replay, lookupErr := s.replay(ctx, owner, req.IdempotencyKey); replay != nil && lookupErr == nil {
				return replay, nil
			}
		}
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"reservation_id": res.ID,
		"trip_id":        res.TripID,
		"seats":          []int64(res.Seats),
		"method":         res.PaymentMethod,
	})
	log.Info("Reservation created")

	result := &CreateReservationResult{Reservation: res, Payment: payment}

	if !req.PaymentMethod.RequiresGateway() {
		s.events.Publish(models.ReservationEvent(models.EventReservationConfirmed, res))
		tickets, err := s.tickets.Issue(ctx, res)
		if err != nil {
			// the reservation is committed; the ticket repair job will issue later
			log.WithError(err).Error("Ticket issue failed after cash sale")
		}
		result.Tickets = tickets
		return result, nil
	}

	if err := s.expiry.ScheduleExpiry(ctx, res.ID, *res.ExpiresAt); err != nil {
		log.WithError(err).Warn("Failed to schedule expiry task, relying on sweep")
	}

	initiated, err := s.gateway.Initiate(ctx, InitiateRequest{
		TransactionID: payment.TransactionID,
		Amount:        total,
		Currency:      s.currency,
		Metadata: PaymentMetadata{
			ReservationID:     res.ID,
			ReservationNumber: res.ReservationNumber,
			CustomerName:      res.PassengerName,
			CustomerPhone:     res.PassengerPhone,
			CustomerEmail:     stringValue(res.PassengerEmail),
			Description:       fmt.Sprintf("Bus reservation %s, seats %v", res.ReservationNumber, []int64(res.Seats)),
		},
	})
	if err != nil {
		if _, cancelErr := s.reservations.Cancel(ctx, res.ID, "payment initiation failed", s.now()); cancelErr != nil {
			log.WithError(cancelErr).Error("Failed to release seats after payment initiation failure")
		}
		if !errors.Is(err, models.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
		}
		return nil, err
	}

	result.PaymentURL = initiated.PaymentURL
	if err := s.payments.SetPaymentURL(ctx, payment.ID, initiated.PaymentURL); err != nil {
		log.WithError(err).Warn("Failed to store payment url")
	} else {
		url := initiated.PaymentURL
		payment.PaymentURL = &url
	}
	s.events.Publish(models.ReservationEvent(models.EventReservationCreated, res))
	return result, nil
}

// ExpireStale moves every pending reservation past its hold to expired,
// one atomic unit per reservation, and returns how many it expired
func (s *ReservationService) ExpireStale(ctx context.Context) (int, error) {
	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 100
	}

	expired := 0
	for {
		now := s.now()
		stale, err := s.reservations.ListStale(ctx, now, batch)
		if err != nil {
			return expired, err
		}

		progressed := false
		for i := range stale {
			ok, err := s.ExpireOne(ctx, stale[i].ID)
			if err != nil {
				s.logger.WithError(err).WithField("reservation_id", stale[i].ID).Error("Failed to expire reservation")
				continue
			}
			if ok {
				expired++
				progressed = true
			}
		}

		if len(stale) < batch || !progressed {
			return expired, nil
		}
	}
}

// ExpireOne expires a single reservation if it is still pending past its
// hold. Already expired or settled reservations are left alone.
func (s *ReservationService) ExpireOne(ctx context.Context, id string) (bool, error) {
	res, ok, err := s.reservations.Expire(ctx, id, s.now())
	if err != nil || !ok {
		return false, err
	}

	s.logger.WithFields(logrus.Fields{
		"reservation_id": res.ID,
		"trip_id":        res.TripID,
		"seats":          []int64(res.Seats),
	}).Info("Reservation expired")
	s.events.Publish(models.ReservationEvent(models.EventReservationExpired, res))
	return true, nil
}

// Confirm settles a pending reservation out of band, e.g. a cashier taking
// payment for an online hold. It loses to a concurrent expiry.
func (s *ReservationService) Confirm(ctx context.Context, id, paymentRef string) (*models.Reservation, []models.Ticket, error) {
	res, err := s.reservations.Confirm(ctx, id, paymentRef, s.now())
	if errors.Is(err, models.ErrReservationExpired) {
		if expired, getErr := s.reservations.GetByID(ctx, id); getErr == nil {
			s.events.Publish(models.ReservationEvent(models.EventReservationExpired, expired))
		}
		return nil, nil, err
	}
	if err != nil {
		return nil, nil, err
	}

	s.events.Publish(models.ReservationEvent(models.EventReservationConfirmed, res))
	tickets, err := s.tickets.Issue(ctx, res)
	if err != nil {
		s.logger.WithError(err).WithField("reservation_id", id).Error("Ticket issue failed after confirmation")
	}
	return res, tickets, nil
}

// Cancel releases a reservation's seats and fails its open payment
func (s *ReservationService) Cancel(ctx context.Context, id, reason string) (*models.Reservation, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	res, err := s.reservations.Cancel(ctx, id, reason, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"reservation_id": res.ID,
		"reason":         reason,
	}).Info("Reservation cancelled")
	s.events.Publish(models.ReservationEvent(models.EventReservationCancelled, res))
	return res, nil
}

// SettlePayment applies a provider outcome atomically and runs the follow-up
// side effects: ticket issue on confirmation and notifications
func (s *ReservationService) SettlePayment(ctx context.Context, settlement models.Settlement) (*models.SettlementOutcome, []models.Ticket, error) {
	if settlement.At.IsZero() {
		settlement.At = s.now()
	}

	outcome, err := s.reservations.Settle(ctx, settlement)
	if err != nil {
		return nil, nil, err
	}

	res := outcome.Reservation
	var tickets []models.Ticket

	switch outcome.Result {
	case models.SettlementConfirmed:
		s.events.Publish(models.ReservationEvent(models.EventReservationConfirmed, res))
		s.events.Publish(paymentEvent(models.EventPaymentPaid, outcome.Payment, res))
		tickets, err = s.tickets.Issue(ctx, res)
		if err != nil {
			s.logger.WithError(err).WithField("reservation_id", res.ID).Error("Ticket issue failed after payment")
		}

	case models.SettlementDuplicate:
		// replays re-run the idempotent issue so a crash after settle still ends with tickets
		if res.Status == models.ReservationStatusConfirmed || res.Status == models.ReservationStatusCheckedIn {
			tickets, err = s.tickets.Issue(ctx, res)
			if err != nil {
				s.logger.WithError(err).WithField("reservation_id", res.ID).Warn("Ticket repair on replay failed")
			}
		}

	case models.SettlementLatePayment:
		s.logger.WithFields(logrus.Fields{
			"reservation_id": res.ID,
			"transaction_id": outcome.Payment.TransactionID,
			"status":         res.Status,
		}).Warn("Payment arrived after hold closed, refund required")
		if outcome.HoldExpired {
			s.events.Publish(models.ReservationEvent(models.EventReservationExpired, res))
		}
		s.events.Publish(paymentEvent(models.EventPaymentRefundRequired, outcome.Payment, res))

	case models.SettlementCancelled:
		s.events.Publish(models.ReservationEvent(models.EventReservationCancelled, res))
		s.events.Publish(paymentEvent(models.EventPaymentFailed, outcome.Payment, res))
	}

	return outcome, tickets, nil
}

// Get returns a reservation by id
func (s *ReservationService) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return s.reservations.GetByID(ctx, id)
}

// GetByNumber returns a reservation by its public number
func (s *ReservationService) GetByNumber(ctx context.Context, number string) (*models.Reservation, error) {
	return s.reservations.GetByNumber(ctx, number)
}

// Inventory compares the trip counter with the seats derived from active
// reservations. The counter stays authoritative; a mismatch is only reported.
func (s *ReservationService) Inventory(ctx context.Context, tripID string) (*models.InventorySnapshot, error) {
	trip, err := s.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	occupied, err := s.trips.OccupiedSeats(ctx, tripID)
	if err != nil {
		return nil, err
	}

	snapshot := models.NewInventorySnapshot(trip, occupied)
	if !snapshot.Consistent {
		s.logger.WithFields(logrus.Fields{
			"trip_id":         tripID,
			"capacity":        snapshot.Capacity,
			"available_seats": snapshot.AvailableSeats,
			"occupied":        len(occupied),
		}).Error("Seat ledger inconsistent")
	}
	return snapshot, nil
}

func (s *ReservationService) validateSeats(seats []int64) (models.SeatNumbers, error) {
	maxSeats := s.cfg.MaxSeatsPerBooking
	if len(seats) == 0 {
		return nil, &models.SeatSelectionError{Reason: "at least one seat is required"}
	}
	if len(seats) > maxSeats {
		return nil, &models.SeatSelectionError{Reason: fmt.Sprintf("at most %d seats per booking", maxSeats)}
	}

	seen := make(map[int64]struct{}, len(seats))
	out := make(models.SeatNumbers, 0, len(seats))
	for _, seat := range seats {
		if seat < 1 {
			return nil, &models.SeatSelectionError{Reason: fmt.Sprintf("seat %d is not a valid seat number", seat)}
		}
		if _, dup := seen[seat]; dup {
			return nil, &models.SeatSelectionError{Reason: fmt.Sprintf("seat %d is repeated", seat)}
		}
		seen[seat] = struct{}{}
		out = append(out, seat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *ReservationService) replay(ctx context.Context, owner, key string) (*CreateReservationResult, error) {
	existing, err := s.reservations.GetByIdempotencyKey(ctx, owner, key)
	if err != nil || existing == nil {
		return nil, err
	}
	payment, err := s.payments.GetByReservationID(ctx, existing.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	result := &CreateReservationResult{Reservation: existing, Payment: payment, Replayed: true}
	if payment != nil && existing.Status == models.ReservationStatusPending {
		result.PaymentURL = stringValue(payment.PaymentURL)
	}
	return result, nil
}

func paymentEvent(eventType models.EventType, p *models.Payment, res *models.Reservation) models.Event {
	e := models.ReservationEvent(eventType, res)
	e.Data["transaction_id"] = p.TransactionID
	e.Data["amount"] = p.Amount
	e.Data["refund_required"] = p.RefundRequired
	return e
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
