package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

const reservationColumns = `id, reservation_number, trip_id, user_id, seats, total_amount, currency,
	payment_method, status, payment_status, expires_at, passenger_name, passenger_phone,
	passenger_email, idempotency_key, idempotency_owner, cancel_reason, confirmed_at, created_at, updated_at`

// errHoldLapsed marks a reservation that is still pending but past its hold window
var errHoldLapsed = errors.New("reservation hold lapsed")

// ReservationRepository owns every write to the seat ledger. Each exported
// mutation runs as one transaction and is retried as a whole on transient errors.
type ReservationRepository struct {
	db    *sqlx.DB
	retry *Retrier
}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository(db *sqlx.DB, retry *Retrier) *ReservationRepository {
	return &ReservationRepository{db: db, retry: retry}
}

// Create locks the trip row, re-reads occupied seats, decrements the counter
// and inserts the reservation and its payment in one transaction
func (r *ReservationRepository) Create(ctx context.Context, nr *models.NewReservation) error {
	res := nr.Reservation

	return r.retry.Do(ctx, "create_reservation", func(ctx context.Context) error {
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var trip models.Trip
			err := tx.GetContext(ctx, &trip, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, res.TripID)
			if err != nil {
				return notFound(err, "trip")
			}

			if !trip.IsBookable() {
				return fmt.Errorf("trip %s is %s: %w", trip.ID, trip.Status, models.ErrTripNotBookable)
			}

			for _, seat := range res.Seats {
				if !trip.SeatInRange(seat) {
					return &models.SeatSelectionError{Reason: fmt.Sprintf("seat %d is outside 1..%d", seat, trip.Capacity)}
				}
			}

			var occupied []int64
			err = tx.SelectContext(ctx, &occupied, occupiedSeatsQuery, trip.ID, pq.Array(reservationStatusStrings(models.ActiveReservationStatuses)))
			if err != nil {
				return fmt.Errorf("failed to read occupied seats: %w", err)
			}
			if conflict := res.Seats.Intersect(occupied); len(conflict) > 0 {
				return &models.SeatConflictError{TripID: trip.ID, Seats: conflict}
			}

			seatCount := len(res.Seats)
			if trip.AvailableSeats < seatCount {
				return models.ErrCapacityExceeded
			}

			result, err := tx.ExecContext(ctx, `
				UPDATE trips
				SET available_seats = available_seats - $1, updated_at = NOW()
				WHERE id = $2 AND available_seats >= $1`,
				seatCount, trip.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to decrement seats: %w", err)
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return models.ErrCapacityExceeded
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO reservations (
					id, reservation_number, trip_id, user_id, seats, total_amount, currency,
					payment_method, status, payment_status, expires_at, passenger_name,
					passenger_phone, passenger_email, idempotency_key, idempotency_owner,
					confirmed_at, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`,
				res.ID, res.ReservationNumber, res.TripID, res.UserID, res.Seats, res.TotalAmount, res.Currency,
				res.PaymentMethod, res.Status, res.PaymentStatus, res.ExpiresAt, res.PassengerName,
				res.PassengerPhone, res.PassengerEmail, res.IdempotencyKey, res.IdempotencyOwner,
				res.ConfirmedAt, res.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert reservation: %w", err)
			}

			if nr.Payment != nil {
				if err := insertPaymentTx(ctx, tx, nr.Payment); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetByID retrieves a reservation by ID
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	if err := r.db.GetContext(ctx, &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "reservation")
	}
	return &res, nil
}

// GetByNumber retrieves a reservation by its public reservation number
func (r *ReservationRepository) GetByNumber(ctx context.Context, number string) (*models.Reservation, error) {
	var res models.Reservation
	if err := r.db.GetContext(ctx, &res, `SELECT `+reservationColumns+` FROM reservations WHERE reservation_number = $1`, number); err != nil {
		return nil, notFound(err, "reservation")
	}
	return &res, nil
}

// GetByIdempotencyKey returns the reservation the owner created with the key, or nil
func (r *ReservationRepository) GetByIdempotencyKey(ctx context.Context, owner, key string) (*models.Reservation, error) {
	var res models.Reservation
	err := r.db.GetContext(ctx, &res, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE idempotency_owner = $1 AND idempotency_key = $2`, owner, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation by idempotency key: %w", err)
	}
	return &res, nil
}

// ListStale returns pending reservations whose hold has run out
func (r *ReservationRepository) ListStale(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var list []models.Reservation
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale reservations: %w", err)
	}
	return list, nil
}

// ListActiveByTrip returns reservations still holding seats on the trip
func (r *ReservationRepository) ListActiveByTrip(ctx context.Context, tripID string) ([]models.Reservation, error) {
	var list []models.Reservation
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE trip_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC`, tripID, pq.Array(reservationStatusStrings(models.ActiveReservationStatuses)))
	if err != nil {
		return nil, fmt.Errorf("failed to list trip reservations: %w", err)
	}
	return list, nil
}

// ListConfirmedWithoutTickets finds confirmed reservations whose ticket issue never landed
func (r *ReservationRepository) ListConfirmedWithoutTickets(ctx context.Context, limit int) ([]models.Reservation, error) {
	var list []models.Reservation
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+reservationColumns+`
		FROM reservations r
		WHERE r.status IN ('confirmed', 'checked_in')
		  AND NOT EXISTS (SELECT 1 FROM tickets t WHERE t.reservation_id = r.id)
		ORDER BY r.confirmed_at ASC NULLS LAST
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations without tickets: %w", err)
	}
	return list, nil
}

// Expire moves a pending reservation past its hold to expired and returns its
// seats. Returns false if the reservation was no longer pending or not yet due.
func (r *ReservationRepository) Expire(ctx context.Context, id string, now time.Time) (*models.Reservation, bool, error) {
	var expired *models.Reservation
	err := r.retry.Do(ctx, "expire_reservation", func(ctx context.Context) error {
		expired = nil
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			res, err := expireTx(ctx, tx, id, now)
			if err != nil {
				return err
			}
			expired = res
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to expire reservation: %w", err)
	}
	return expired, expired != nil, nil
}

// Confirm moves a pending reservation inside its hold window to confirmed and
// marks its pending payment paid. A pending reservation found past its hold is
// expired in the same transaction and ErrReservationExpired is returned.
func (r *ReservationRepository) Confirm(ctx context.Context, id, paymentRef string, at time.Time) (*models.Reservation, error) {
	var (
		confirmed *models.Reservation
		outcome   error
	)

	err := r.retry.Do(ctx, "confirm_reservation", func(ctx context.Context) error {
		confirmed, outcome = nil, nil
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			res, err := confirmTx(ctx, tx, id, at)
			if errors.Is(err, errHoldLapsed) {
				if _, err := expireTx(ctx, tx, id, at); err != nil {
					return err
				}
				outcome = models.ErrReservationExpired
				return nil
			}
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE payments
				SET status = 'paid', paid_at = $2, updated_at = $2,
				    gateway_reference = COALESCE(NULLIF($3, ''), gateway_reference)
				WHERE reservation_id = $1 AND status = 'pending'`,
				id, at, paymentRef,
			)
			if err != nil {
				return fmt.Errorf("failed to mark payment paid: %w", err)
			}

			if err := validateReservedTicketsTx(ctx, tx, id, at); err != nil {
				return err
			}
			confirmed = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return confirmed, nil
}

// Cancel moves a pending or confirmed reservation to cancelled, returns its
// seats, fails any pending payment and cancels its tickets
func (r *ReservationRepository) Cancel(ctx context.Context, id, reason string, at time.Time) (*models.Reservation, error) {
	var cancelled *models.Reservation
	err := r.retry.Do(ctx, "cancel_reservation", func(ctx context.Context) error {
		cancelled = nil
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			res, err := cancelTx(ctx, tx, id, reason, at)
			if err != nil {
				return err
			}
			cancelled = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// Settle applies a gateway outcome to a payment and its reservation in one
// transaction. A payment the provider already settled is left untouched.
func (r *ReservationRepository) Settle(ctx context.Context, s models.Settlement) (*models.SettlementOutcome, error) {
	var out *models.SettlementOutcome

	err := r.retry.Do(ctx, "settle_payment", func(ctx context.Context) error {
		out = nil
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var reservationID string
			err := tx.GetContext(ctx, &reservationID, `SELECT reservation_id FROM payments WHERE transaction_id = $1`, s.TransactionID)
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrUnknownTransaction
			}
			if err != nil {
				return fmt.Errorf("failed to look up payment: %w", err)
			}

			// reservation before payment, the same order expiry and cancel use
			var res models.Reservation
			err = tx.GetContext(ctx, &res, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, reservationID)
			if err != nil {
				return notFound(err, "reservation")
			}

			var payment models.Payment
			err = tx.GetContext(ctx, &payment, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1 FOR UPDATE`, s.TransactionID)
			if err != nil {
				return notFound(err, "payment")
			}

			if payment.SettledFor(s.Success) {
				out = &models.SettlementOutcome{Result: models.SettlementDuplicate, Payment: &payment, Reservation: &res}
				return nil
			}

			if s.Success {
				return settleSuccessTx(ctx, tx, s, &res, &payment, &out)
			}
			return settleFailureTx(ctx, tx, s, &res, &payment, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteTrip finalizes an arrived trip: confirmed and checked-in reservations
// become completed and their seats return to the counter
func (r *ReservationRepository) CompleteTrip(ctx context.Context, tripID string, at time.Time) ([]models.Reservation, bool, error) {
	var (
		completed []models.Reservation
		moved     bool
	)

	err := r.retry.Do(ctx, "complete_trip", func(ctx context.Context) error {
		completed, moved = nil, false
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			result, err := tx.ExecContext(ctx, `
				UPDATE trips SET status = 'completed', updated_at = $2
				WHERE id = $1 AND status = 'arrived'`, tripID, at)
			if err != nil {
				return fmt.Errorf("failed to complete trip: %w", err)
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return nil
			}
			moved = true

			err = tx.SelectContext(ctx, &completed, `
				UPDATE reservations SET status = 'completed', updated_at = $2
				WHERE trip_id = $1 AND status IN ('confirmed', 'checked_in')
				RETURNING `+reservationColumns, tripID, at)
			if err != nil {
				return fmt.Errorf("failed to complete reservations: %w", err)
			}

			released := 0
			for _, res := range completed {
				released += res.SeatCount()
			}
			if released == 0 {
				return nil
			}
			return returnSeatsTx(ctx, tx, tripID, released)
		})
	})
	if err != nil {
		return nil, false, err
	}
	return completed, moved, nil
}

func settleSuccessTx(ctx context.Context, tx *sqlx.Tx, s models.Settlement, res *models.Reservation, payment *models.Payment, out **models.SettlementOutcome) error {
	if res.Status == models.ReservationStatusPending && !res.IsPastHold(s.At) {
		confirmed, err := confirmTx(ctx, tx, res.ID, s.At)
		if err != nil {
			return err
		}
		paid, err := updatePaymentTx(ctx, tx, payment.ID, models.PaymentStatusPaid, s.GatewayReference, "", false, s.At)
		if err != nil {
			return err
		}
		if err := validateReservedTicketsTx(ctx, tx, res.ID, s.At); err != nil {
			return err
		}
		*out = &models.SettlementOutcome{Result: models.SettlementConfirmed, Payment: paid, Reservation: confirmed}
		return nil
	}

	// Money arrived for a hold that lapsed or was closed by another path:
	// keep the reservation closed and flag the payment for refund
	current, holdExpired := res, false
	if res.Status == models.ReservationStatusPending {
		expired, err := expireTx(ctx, tx, res.ID, s.At)
		if err != nil {
			return err
		}
		if expired != nil {
			current, holdExpired = expired, true
		}
	}

	paid, err := updatePaymentTx(ctx, tx, payment.ID, models.PaymentStatusPaid, s.GatewayReference, "reservation no longer payable", true, s.At)
	if err != nil {
		return err
	}
	*out = &models.SettlementOutcome{Result: models.SettlementLatePayment, Payment: paid, Reservation: current, HoldExpired: holdExpired}
	return nil
}

func settleFailureTx(ctx context.Context, tx *sqlx.Tx, s models.Settlement, res *models.Reservation, payment *models.Payment, out **models.SettlementOutcome) error {
	reason := s.FailureReason
	if reason == "" {
		reason = "payment failed"
	}

	current := res
	if res.Status == models.ReservationStatusPending {
		cancelled, err := cancelTx(ctx, tx, res.ID, reason, s.At)
		if err != nil {
			return err
		}
		current = cancelled
	}

	failed, err := updatePaymentTx(ctx, tx, payment.ID, models.PaymentStatusFailed, s.GatewayReference, reason, false, s.At)
	if err != nil {
		return err
	}
	*out = &models.SettlementOutcome{Result: models.SettlementCancelled, Payment: failed, Reservation: current}
	return nil
}

// confirmTx is the pending -> confirmed compare-and-set
func confirmTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.GetContext(ctx, &res, `
		UPDATE reservations
		SET status = 'confirmed', payment_status = 'paid', confirmed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending' AND (expires_at IS NULL OR expires_at > $2)
		RETURNING `+reservationColumns, id, at)
	if err == nil {
		return &res, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to confirm reservation: %w", err)
	}

	var current models.Reservation
	if err := tx.GetContext(ctx, &current, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, notFound(err, "reservation")
	}

	switch current.Status {
	case models.ReservationStatusPending:
		return &current, errHoldLapsed
	case models.ReservationStatusExpired:
		return nil, models.ErrReservationExpired
	default:
		return nil, fmt.Errorf("cannot confirm %s reservation: %w", current.Status, models.ErrInvalidTransition)
	}
}

// expireTx is the pending -> expired compare-and-set plus seat release.
// Returns nil without error when the reservation is not due.
func expireTx(ctx context.Context, tx *sqlx.Tx, id string, now time.Time) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.GetContext(ctx, &res, `
		UPDATE reservations
		SET status = 'expired',
		    payment_status = CASE WHEN payment_status = 'pending' THEN 'failed' ELSE payment_status END,
		    updated_at = $2
		WHERE id = $1 AND status = 'pending' AND expires_at <= $2
		RETURNING `+reservationColumns, id, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expire reservation: %w", err)
	}

	if err := releaseTx(ctx, tx, &res, "hold expired", now); err != nil {
		return nil, err
	}
	return &res, nil
}

// cancelTx is the pending|confirmed -> cancelled compare-and-set plus seat release
func cancelTx(ctx context.Context, tx *sqlx.Tx, id, reason string, at time.Time) (*models.Reservation, error) {
	var res models.Reservation
	err := tx.GetContext(ctx, &res, `
		UPDATE reservations
		SET status = 'cancelled', cancel_reason = $2,
		    payment_status = CASE WHEN payment_status = 'pending' THEN 'failed' ELSE payment_status END,
		    updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'confirmed')
		RETURNING `+reservationColumns, id, reason, at)
	if errors.Is(err, sql.ErrNoRows) {
		var status models.ReservationStatus
		if err := tx.GetContext(ctx, &status, `SELECT status FROM reservations WHERE id = $1`, id); err != nil {
			return nil, notFound(err, "reservation")
		}
		return nil, fmt.Errorf("cannot cancel %s reservation: %w", status, models.ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel reservation: %w", err)
	}

	if err := releaseTx(ctx, tx, &res, reason, at); err != nil {
		return nil, err
	}
	return &res, nil
}

// releaseTx returns a closed reservation's seats and closes its payment and tickets
func releaseTx(ctx context.Context, tx *sqlx.Tx, res *models.Reservation, reason string, at time.Time) error {
	if err := returnSeatsTx(ctx, tx, res.TripID, res.SeatCount()); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE payments SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE reservation_id = $1 AND status = 'pending'`, res.ID, reason, at)
	if err != nil {
		return fmt.Errorf("failed to close payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'cancelled', updated_at = $2
		WHERE reservation_id = $1 AND status IN ('reserved', 'valid')`, res.ID, at)
	if err != nil {
		return fmt.Errorf("failed to cancel tickets: %w", err)
	}
	return nil
}

// returnSeatsTx increments the counter, refusing to exceed capacity
func returnSeatsTx(ctx context.Context, tx *sqlx.Tx, tripID string, seats int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE trips
		SET available_seats = available_seats + $1, updated_at = NOW()
		WHERE id = $2 AND available_seats + $1 <= capacity`, seats, tripID)
	if err != nil {
		return fmt.Errorf("failed to release seats: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("seat ledger for trip %s would exceed capacity", tripID)
	}
	return nil
}

func validateReservedTicketsTx(ctx context.Context, tx *sqlx.Tx, reservationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tickets SET status = 'valid', updated_at = $2
		WHERE reservation_id = $1 AND status = 'reserved'`, reservationID, at)
	if err != nil {
		return fmt.Errorf("failed to validate reserved tickets: %w", err)
	}
	return nil
}
