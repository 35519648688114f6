package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

// memStore is an in-memory seat ledger. One mutex serializes every unit,
// standing in for the row locks of the SQL repositories.
type memStore struct {
	mu           sync.Mutex
	trips        map[string]*models.Trip
	reservations map[string]*models.Reservation
	payments     map[string]*models.Payment
	tickets      map[string]*models.Ticket
	audits       []models.PaymentAudit
	createErr    error
}

func newMemStore() *memStore {
	return &memStore{
		trips:        make(map[string]*models.Trip),
		reservations: make(map[string]*models.Reservation),
		payments:     make(map[string]*models.Payment),
		tickets:      make(map[string]*models.Ticket),
	}
}

func (m *memStore) addTrip(t models.Trip) *models.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.trips[t.ID] = &cp
	return &cp
}

func (m *memStore) trip(id string) models.Trip {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.trips[id]
}

func (m *memStore) reservation(id string) models.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyReservation(m.reservations[id])
}

func (m *memStore) paymentFor(reservationID string) models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ReservationID == reservationID {
			return *p
		}
	}
	return models.Payment{}
}

func (m *memStore) ticketsOf(reservationID string) []models.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticketsOfLocked(reservationID)
}

func (m *memStore) auditTypes() []models.PaymentEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PaymentEventType, len(m.audits))
	for i, a := range m.audits {
		out[i] = a.EventType
	}
	return out
}

// occupiedLocked derives held seats from active reservations
func (m *memStore) occupiedLocked(tripID string) []int64 {
	var seats []int64
	for _, r := range m.reservations {
		if r.TripID == tripID && r.IsActive() {
			seats = append(seats, r.Seats...)
		}
	}
	sort.Slice(seats, func(i, j int) bool { return seats[i] < seats[j] })
	return seats
}

func (m *memStore) ticketsOfLocked(reservationID string) []models.Ticket {
	var out []models.Ticket
	for _, t := range m.tickets {
		if t.ReservationID == reservationID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatNumber < out[j].SeatNumber })
	return out
}

func (m *memStore) returnSeatsLocked(tripID string, seats int) error {
	trip, ok := m.trips[tripID]
	if !ok {
		return fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if trip.AvailableSeats+seats > trip.Capacity {
		return fmt.Errorf("seat ledger for trip %s would exceed capacity", tripID)
	}
	trip.AvailableSeats += seats
	return nil
}

func (m *memStore) releaseLocked(res *models.Reservation, reason string, at time.Time) error {
	if err := m.returnSeatsLocked(res.TripID, res.SeatCount()); err != nil {
		return err
	}
	for _, p := range m.payments {
		if p.ReservationID == res.ID && p.Status == models.PaymentStatusPending {
			p.Status = models.PaymentStatusFailed
			r := reason
			p.FailureReason = &r
			p.UpdatedAt = at
		}
	}
	for _, t := range m.tickets {
		if t.ReservationID == res.ID && (t.Status == models.TicketStatusReserved || t.Status == models.TicketStatusValid) {
			t.Status = models.TicketStatusCancelled
			t.UpdatedAt = at
		}
	}
	return nil
}

func (m *memStore) expireLocked(id string, now time.Time) (*models.Reservation, error) {
	res, ok := m.reservations[id]
	if !ok || res.Status != models.ReservationStatusPending || res.ExpiresAt == nil || res.ExpiresAt.After(now) {
		return nil, nil
	}
	res.Status = models.ReservationStatusExpired
	if res.PaymentStatus == models.PaymentStatusPending {
		res.PaymentStatus = models.PaymentStatusFailed
	}
	res.UpdatedAt = now
	if err := m.releaseLocked(res, "hold expired", now); err != nil {
		return nil, err
	}
	out := copyReservation(res)
	return &out, nil
}

func (m *memStore) cancelLocked(id, reason string, at time.Time) (*models.Reservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation: %w", models.ErrNotFound)
	}
	if res.Status != models.ReservationStatusPending && res.Status != models.ReservationStatusConfirmed {
		return nil, fmt.Errorf("cannot cancel %s reservation: %w", res.Status, models.ErrInvalidTransition)
	}
	res.Status = models.ReservationStatusCancelled
	r := reason
	res.CancelReason = &r
	if res.PaymentStatus == models.PaymentStatusPending {
		res.PaymentStatus = models.PaymentStatusFailed
	}
	res.UpdatedAt = at
	if err := m.releaseLocked(res, reason, at); err != nil {
		return nil, err
	}
	out := copyReservation(res)
	return &out, nil
}

func (m *memStore) confirmLocked(id string, at time.Time) (*models.Reservation, error) {
	res, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation: %w", models.ErrNotFound)
	}
	switch {
	case res.Status == models.ReservationStatusPending && (res.ExpiresAt == nil || res.ExpiresAt.After(at)):
		res.Status = models.ReservationStatusConfirmed
		res.PaymentStatus = models.PaymentStatusPaid
		res.ConfirmedAt = &at
		res.UpdatedAt = at
		out := copyReservation(res)
		return &out, nil
	case res.Status == models.ReservationStatusPending:
		return nil, errLapsed
	case res.Status == models.ReservationStatusExpired:
		return nil, models.ErrReservationExpired
	default:
		return nil, fmt.Errorf("cannot confirm %s reservation: %w", res.Status, models.ErrInvalidTransition)
	}
}

func (m *memStore) validateReservedLocked(reservationID string, at time.Time) {
	for _, t := range m.tickets {
		if t.ReservationID == reservationID && t.Status == models.TicketStatusReserved {
			t.Status = models.TicketStatusValid
			t.UpdatedAt = at
		}
	}
}

var errLapsed = errors.New("hold lapsed")

func copyReservation(r *models.Reservation) models.Reservation {
	out := *r
	out.Seats = append(models.SeatNumbers(nil), r.Seats...)
	return out
}

// memTrips implements TripStore
type memTrips struct{ *memStore }

func (s memTrips) GetByID(_ context.Context, id string) (*models.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip: %w", models.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s memTrips) ListLifecycleDue(_ context.Context, now time.Time, timing models.LifecycleTiming, limit int) ([]models.Trip, error) {
	return s.listTrips(limit, func(t *models.Trip) bool {
		_, due := t.NextLifecycleStatus(now, timing)
		return due
	}), nil
}

func (s memTrips) ListDepartureDue(_ context.Context, now time.Time, window time.Duration, limit int) ([]models.Trip, error) {
	timing := models.LifecycleTiming{DepartingSoonWindow: window}
	return s.listTrips(limit, func(t *models.Trip) bool {
		_, due := t.FastPathStatus(now, timing)
		return due
	}), nil
}

func (s memTrips) listTrips(limit int, keep func(t *models.Trip) bool) []models.Trip {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trip
	for _, t := range s.trips {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureTime.Before(out[j].DepartureTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s memTrips) TransitionStatus(_ context.Context, id string, from []models.TripStatus, to models.TripStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trips[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s memTrips) OccupiedSeats(_ context.Context, tripID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupiedLocked(tripID), nil
}

// memReservations implements ReservationStore
type memReservations struct{ *memStore }

func (s memReservations) Create(_ context.Context, nr *models.NewReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	res := nr.Reservation

	trip, ok := s.trips[res.TripID]
	if !ok {
		return fmt.Errorf("trip: %w", models.ErrNotFound)
	}
	if !trip.IsBookable() {
		return fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, models.ErrTripNotBookable)
	}
	for _, seat := range res.Seats {
		if !trip.SeatInRange(seat) {
			return &models.SeatSelectionError{Reason: fmt.Sprintf("seat %d is outside 1..%d", seat, trip.Capacity)}
		}
	}
	if conflict := res.Seats.Intersect(s.occupiedLocked(trip.ID)); len(conflict) > 0 {
		return &models.SeatConflictError{TripID: trip.ID, Seats: conflict}
	}
	if trip.AvailableSeats < len(res.Seats) {
		return models.ErrCapacityExceeded
	}
	if res.IdempotencyKey != nil {
		for _, other := range s.reservations {
			if other.IdempotencyKey != nil && *other.IdempotencyKey == *res.IdempotencyKey &&
				stringValue(other.IdempotencyOwner) == stringValue(res.IdempotencyOwner) {
				return errors.New("duplicate idempotency key")
			}
		}
	}

	trip.AvailableSeats -= len(res.Seats)
	stored := copyReservation(res)
	s.reservations[res.ID] = &stored
	if nr.Payment != nil {
		p := *nr.Payment
		s.payments[p.ID] = &p
	}
	return nil
}

func (s memReservations) GetByID(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation: %w", models.ErrNotFound)
	}
	out := copyReservation(r)
	return &out, nil
}

func (s memReservations) GetByNumber(_ context.Context, number string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.ReservationNumber == number {
			out := copyReservation(r)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("reservation: %w", models.ErrNotFound)
}

func (s memReservations) GetByIdempotencyKey(_ context.Context, owner, key string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.IdempotencyKey != nil && *r.IdempotencyKey == key && stringValue(r.IdempotencyOwner) == owner {
			out := copyReservation(r)
			return &out, nil
		}
	}
	return nil, nil
}

func (s memReservations) ListStale(_ context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationStatusPending && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memReservations) ListActiveByTrip(_ context.Context, tripID string) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.TripID == tripID && r.IsActive() {
			out = append(out, copyReservation(r))
		}
	}
	return out, nil
}

func (s memReservations) ListConfirmedWithoutTickets(_ context.Context, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status != models.ReservationStatusConfirmed && r.Status != models.ReservationStatusCheckedIn {
			continue
		}
		if len(s.ticketsOfLocked(r.ID)) == 0 {
			out = append(out, copyReservation(r))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memReservations) Expire(_ context.Context, id string, now time.Time) (*models.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.expireLocked(id, now)
	if err != nil {
		return nil, false, err
	}
	return res, res != nil, nil
}

func (s memReservations) Confirm(_ context.Context, id, paymentRef string, at time.Time) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.confirmLocked(id, at)
	if errors.Is(err, errLapsed) {
		if _, err := s.expireLocked(id, at); err != nil {
			return nil, err
		}
		return nil, models.ErrReservationExpired
	}
	if err != nil {
		return nil, err
	}
	for _, p := range s.payments {
		if p.ReservationID == id && p.Status == models.PaymentStatusPending {
			p.Status = models.PaymentStatusPaid
			p.PaidAt = &at
			if paymentRef != "" {
				ref := paymentRef
				p.GatewayReference = &ref
			}
		}
	}
	s.validateReservedLocked(id, at)
	return res, nil
}

func (s memReservations) Cancel(_ context.Context, id, reason string, at time.Time) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id, reason, at)
}

func (s memReservations) Settle(_ context.Context, st models.Settlement) (*models.SettlementOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payment *models.Payment
	for _, p := range s.payments {
		if p.TransactionID == st.TransactionID {
			payment = p
		}
	}
	if payment == nil {
		return nil, models.ErrUnknownTransaction
	}
	res := s.reservations[payment.ReservationID]

	if payment.SettledFor(st.Success) {
		p, r := *payment, copyReservation(res)
		return &models.SettlementOutcome{Result: models.SettlementDuplicate, Payment: &p, Reservation: &r}, nil
	}

	setPayment := func(status models.PaymentStatus, reason string, refund bool) {
		payment.Status = status
		if st.GatewayReference != "" {
			ref := st.GatewayReference
			payment.GatewayReference = &ref
		}
		payment.FailureReason = nil
		if reason != "" {
			r := reason
			payment.FailureReason = &r
		}
		payment.RefundRequired = refund
		payment.GatewaySettled = true
		if status == models.PaymentStatusPaid {
			at := st.At
			payment.PaidAt = &at
		}
		payment.UpdatedAt = st.At
	}

	if st.Success {
		if res.Status == models.ReservationStatusPending && !res.IsPastHold(st.At) {
			confirmed, err := s.confirmLocked(res.ID, st.At)
			if err != nil {
				return nil, err
			}
			setPayment(models.PaymentStatusPaid, "", false)
			s.validateReservedLocked(res.ID, st.At)
			p := *payment
			return &models.SettlementOutcome{Result: models.SettlementConfirmed, Payment: &p, Reservation: confirmed}, nil
		}

		current, holdExpired := copyReservation(res), false
		if res.Status == models.ReservationStatusPending {
			expired, err := s.expireLocked(res.ID, st.At)
			if err != nil {
				return nil, err
			}
			if expired != nil {
				current, holdExpired = *expired, true
			}
		}
		setPayment(models.PaymentStatusPaid, "reservation no longer payable", true)
		p := *payment
		return &models.SettlementOutcome{Result: models.SettlementLatePayment, Payment: &p, Reservation: &current, HoldExpired: holdExpired}, nil
	}

	reason := st.FailureReason
	if reason == "" {
		reason = "payment failed"
	}
	current := copyReservation(res)
	if res.Status == models.ReservationStatusPending {
		cancelled, err := s.cancelLocked(res.ID, reason, st.At)
		if err != nil {
			return nil, err
		}
		current = *cancelled
	}
	setPayment(models.PaymentStatusFailed, reason, false)
	p := *payment
	return &models.SettlementOutcome{Result: models.SettlementCancelled, Payment: &p, Reservation: &current}, nil
}

func (s memReservations) CompleteTrip(_ context.Context, tripID string, at time.Time) ([]models.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trip, ok := s.trips[tripID]
	if !ok || trip.Status != models.TripStatusArrived {
		return nil, false, nil
	}
	trip.Status = models.TripStatusCompleted

	var completed []models.Reservation
	released := 0
	for _, r := range s.reservations {
		if r.TripID == tripID && (r.Status == models.ReservationStatusConfirmed || r.Status == models.ReservationStatusCheckedIn) {
			r.Status = models.ReservationStatusCompleted
			r.UpdatedAt = at
			completed = append(completed, copyReservation(r))
			released += r.SeatCount()
		}
	}
	if released > 0 {
		if err := s.returnSeatsLocked(tripID, released); err != nil {
			return nil, false, err
		}
	}
	return completed, true, nil
}

// memPayments implements PaymentStore
type memPayments struct{ *memStore }

func (s memPayments) GetByTransactionID(_ context.Context, txnID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.TransactionID == txnID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment: %w", models.ErrNotFound)
}

func (s memPayments) GetByReservationID(_ context.Context, reservationID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ReservationID == reservationID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment: %w", models.ErrNotFound)
}

func (s memPayments) ListStalePending(_ context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Payment
	for _, p := range s.payments {
		if p.Status == models.PaymentStatusPending && p.Method.RequiresGateway() && !p.CreatedAt.After(cutoff) {
			out = append(out, *p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memPayments) SetPaymentURL(_ context.Context, id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment: %w", models.ErrNotFound)
	}
	u := url
	p.PaymentURL = &u
	return nil
}

// memTickets implements TicketStore
type memTickets struct{ *memStore }

func (s memTickets) CreateForReservation(_ context.Context, reservationID string, tickets []models.Ticket) ([]models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[reservationID]
	if !ok {
		return nil, false, fmt.Errorf("reservation: %w", models.ErrNotFound)
	}
	if res.Status != models.ReservationStatusConfirmed && res.Status != models.ReservationStatusCheckedIn {
		return nil, false, fmt.Errorf("reservation is %s: %w", res.Status, models.ErrNotConfirmed)
	}
	if existing := s.ticketsOfLocked(reservationID); len(existing) > 0 {
		return existing, false, nil
	}
	for _, t := range tickets {
		cp := t
		s.tickets[t.ID] = &cp
	}
	return tickets, true, nil
}

func (s memTickets) GetByNumber(_ context.Context, number string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tickets {
		if t.TicketNumber == number {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("ticket: %w", models.ErrNotFound)
}

func (s memTickets) ListByReservation(_ context.Context, reservationID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticketsOfLocked(reservationID), nil
}

func (s memTickets) MarkUsed(_ context.Context, use models.TicketUse) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[use.TicketID]
	if !ok {
		return nil, fmt.Errorf("ticket: %w", models.ErrNotFound)
	}
	switch t.Status {
	case models.TicketStatusValid:
	case models.TicketStatusUsed:
		return nil, &models.TicketUsedError{TicketNumber: t.TicketNumber, UsedAt: *t.UsedAt, UsedBy: *t.UsedBy}
	case models.TicketStatusCancelled:
		return nil, models.ErrTicketCancelled
	default:
		return nil, fmt.Errorf("ticket is %s: %w", t.Status, models.ErrNotConfirmed)
	}

	at, by := use.At, use.ValidatorID
	t.Status = models.TicketStatusUsed
	t.UsedAt = &at
	t.UsedBy = &by
	t.UpdatedAt = at
	if res := s.reservations[t.ReservationID]; res.Status == models.ReservationStatusConfirmed {
		res.Status = models.ReservationStatusCheckedIn
		res.UpdatedAt = at
	}
	cp := *t
	return &cp, nil
}

// memAudits implements PaymentAuditStore
type memAudits struct{ *memStore }

func (s memAudits) Log(_ context.Context, audit *models.PaymentAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *audit)
	return nil
}

func (s memAudits) ListByTransactionID(_ context.Context, txnID string) ([]models.PaymentAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentAudit
	for _, a := range s.audits {
		if a.TransactionID != nil && *a.TransactionID == txnID {
			out = append(out, a)
		}
	}
	return out, nil
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(e models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(t models.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// fakeGateway signs and verifies callbacks with the real adapter but never
// leaves the process
type fakeGateway struct {
	*PaymentGatewayService
	mu          sync.Mutex
	initiateErr error
	verify      map[string]*VerifyResponse
	initiated   []InitiateRequest
}

func newFakeGateway(logger *logrus.Logger) *fakeGateway {
	adapter := NewPaymentGatewayService(&config.PaymentConfig{
		WebhookSecret: testWebhookSecret,
		Environment:   "sandbox",
	}, nil, logger)
	return &fakeGateway{PaymentGatewayService: adapter, verify: make(map[string]*VerifyResponse)}
}

func (g *fakeGateway) Initiate(_ context.Context, req InitiateRequest) (*InitiateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	g.initiated = append(g.initiated, req)
	return &InitiateResponse{PaymentURL: "https://pay.example/" + req.TransactionID}, nil
}

func (g *fakeGateway) Verify(_ context.Context, transactionID string) (*VerifyResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.verify[transactionID]; ok {
		return v, nil
	}
	return &VerifyResponse{TransactionID: transactionID, Outcome: models.GatewayOutcomePending}, nil
}

type recordingExpiry struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
}

func (e *recordingExpiry) ScheduleExpiry(_ context.Context, id string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduled == nil {
		e.scheduled = make(map[string]time.Time)
	}
	e.scheduled[id] = at
	return nil
}

const (
	testWebhookSecret = "whsec-test"
	testTicketSecret  = "ticket-secret-for-tests"
	testPhone         = "0771234567"
)

var testStart = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

// testClock is a settable clock shared by every service of an engine
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// engine wires the services over one memStore
type engine struct {
	store          *memStore
	clock          *testClock
	gateway        *fakeGateway
	events         *recordingPublisher
	expiry         *recordingExpiry
	reservations   *ReservationService
	tickets        *TicketService
	reconciliation *ReconciliationService
	lifecycle      *TripLifecycleService
	logger         *logrus.Logger
	hook           *test.Hook
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	store := newMemStore()
	clock := &testClock{now: testStart}
	gateway := newFakeGateway(logger)
	events := &recordingPublisher{}
	expiry := &recordingExpiry{}

	tickets := NewTicketService(memTickets{store}, memReservations{store}, memTrips{store}, testTicketSecret, "TKT", events, logger)
	tickets.now = clock.Now

	reservations := NewReservationService(
		&config.ReservationConfig{HoldWindow: 15 * time.Minute, MaxSeatsPerBooking: 2, SweepBatchSize: 10},
		"LKR",
		memTrips{store},
		memReservations{store},
		memPayments{store},
		gateway,
		tickets,
		expiry,
		events,
		logger,
	)
	reservations.now = clock.Now

	reconciliation := NewReconciliationService(gateway, memPayments{store}, reservations, memAudits{store}, 10*time.Minute, 50, logger)
	reconciliation.now = clock.Now

	lifecycle := NewTripLifecycleService(memTrips{store}, memReservations{store}, models.DefaultLifecycleTiming(), 50, events, logger)
	lifecycle.now = clock.Now

	return &engine{
		store:          store,
		clock:          clock,
		gateway:        gateway,
		events:         events,
		expiry:         expiry,
		reservations:   reservations,
		tickets:        tickets,
		reconciliation: reconciliation,
		lifecycle:      lifecycle,
		logger:         logger,
		hook:           hook,
	}
}

// addTrip creates a scheduled trip departing in three hours
func (e *engine) addTrip(id string, capacity int) *models.Trip {
	departure := testStart.Add(3 * time.Hour)
	return e.store.addTrip(models.Trip{
		ID:             id,
		RouteID:        "route-colombo-kandy",
		BusID:          "bus-1",
		CompanyID:      "company-1",
		DepartureTime:  departure,
		ArrivalTime:    departure.Add(3 * time.Hour),
		BasePrice:      1500,
		Capacity:       capacity,
		AvailableSeats: capacity,
		Status:         models.TripStatusScheduled,
	})
}

func (e *engine) book(t *testing.T, tripID string, method models.PaymentMethod, seats ...int64) *CreateReservationResult {
	t.Helper()
	result, err := e.reservations.Create(context.Background(), CreateReservationRequest{
		TripID:         tripID,
		Seats:          seats,
		PaymentMethod:  method,
		PassengerName:  "Nimal Perera",
		PassengerPhone: testPhone,
	})
	require.NoError(t, err)
	return result
}

// callback builds a signed provider callback body for a transaction
func (e *engine) callback(t *testing.T, txnID, status, amount string) ([]byte, string) {
	t.Helper()
	payload := &WebhookPayload{
		InvoiceID:     txnID,
		UID:           "uid-" + txnID,
		Amount:        amount,
		CurrencyCode:  "LKR",
		PaymentStatus: status,
	}
	body := fmt.Sprintf(`{"invoiceId":%q,"uid":%q,"amount":%q,"currencyCode":"LKR","paymentStatus":%q}`,
		payload.InvoiceID, payload.UID, payload.Amount, payload.PaymentStatus)
	return []byte(body), e.gateway.SignWebhook(payload)
}

// requireLedger asserts the counter equals capacity minus held seats
func requireLedger(t *testing.T, store *memStore, tripID string) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	trip := store.trips[tripID]
	held := store.occupiedLocked(tripID)
	require.Equal(t, trip.Capacity-len(held), trip.AvailableSeats, "seat ledger out of balance")

	seen := make(map[int64]bool)
	for _, seat := range held {
		require.False(t, seen[seat], "seat %d held twice", seat)
		seen[seat] = true
	}
}
