package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

const ticketColumns = `id, ticket_number, reservation_id, trip_id, seat_number, passenger_name,
	passenger_phone, code, status, used_at, used_by, created_at, updated_at`

// TicketRepository handles ticket persistence
type TicketRepository struct {
	db    *sqlx.DB
	retry *Retrier
}

// NewTicketRepository creates a new ticket repository
func NewTicketRepository(db *sqlx.DB, retry *Retrier) *TicketRepository {
	return &TicketRepository{db: db, retry: retry}
}

// CreateForReservation inserts the tickets of a confirmed reservation. If the
// reservation already has tickets they are returned unchanged and created is false.
func (r *TicketRepository) CreateForReservation(ctx context.Context, reservationID string, tickets []models.Ticket) ([]models.Ticket, bool, error) {
	var (
		out     []models.Ticket
		created bool
	)

	err := r.retry.Do(ctx, "issue_tickets", func(ctx context.Context) error {
		out, created = nil, false
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			// Row lock serializes concurrent issuers for the same reservation
			var status models.ReservationStatus
			err := tx.GetContext(ctx, &status, `SELECT status FROM reservations WHERE id = $1 FOR UPDATE`, reservationID)
			if err != nil {
				return notFound(err, "reservation")
			}
			if status != models.ReservationStatusConfirmed && status != models.ReservationStatusCheckedIn {
				return fmt.Errorf("reservation is %s: %w", status, models.ErrNotConfirmed)
			}

			var existing []models.Ticket
			err = tx.SelectContext(ctx, &existing, `SELECT `+ticketColumns+` FROM tickets WHERE reservation_id = $1 ORDER BY seat_number`, reservationID)
			if err != nil {
				return fmt.Errorf("failed to read tickets: %w", err)
			}
			if len(existing) > 0 {
				out = existing
				return nil
			}

			for _, t := range tickets {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO tickets (
						id, ticket_number, reservation_id, trip_id, seat_number, passenger_name,
						passenger_phone, code, status, created_at, updated_at
					) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
					t.ID, t.TicketNumber, t.ReservationID, t.TripID, t.SeatNumber, t.PassengerName,
					t.PassengerPhone, t.Code, t.Status, t.CreatedAt,
				)
				if err != nil {
					return fmt.Errorf("failed to insert ticket: %w", err)
				}
			}
			out = tickets
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetByNumber retrieves a ticket by its ticket number
func (r *TicketRepository) GetByNumber(ctx context.Context, number string) (*models.Ticket, error) {
	var t models.Ticket
	if err := r.db.GetContext(ctx, &t, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_number = $1`, number); err != nil {
		return nil, notFound(err, "ticket")
	}
	return &t, nil
}

// ListByReservation returns the tickets of a reservation ordered by seat
func (r *TicketRepository) ListByReservation(ctx context.Context, reservationID string) ([]models.Ticket, error) {
	var list []models.Ticket
	err := r.db.SelectContext(ctx, &list, `SELECT `+ticketColumns+` FROM tickets WHERE reservation_id = $1 ORDER BY seat_number`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return list, nil
}

// MarkUsed flips a valid ticket to used. Only one concurrent caller can win;
// the others get a TicketUsedError carrying the first use.
func (r *TicketRepository) MarkUsed(ctx context.Context, use models.TicketUse) (*models.Ticket, error) {
	var used *models.Ticket

	err := r.retry.Do(ctx, "use_ticket", func(ctx context.Context) error {
		used = nil
		return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
			var reservationID string
			err := tx.GetContext(ctx, &reservationID, `SELECT reservation_id FROM tickets WHERE id = $1`, use.TicketID)
			if err != nil {
				return notFound(err, "ticket")
			}

			// reservation first, matching the lock order of cancel and expiry
			if _, err := tx.ExecContext(ctx, `SELECT 1 FROM reservations WHERE id = $1 FOR UPDATE`, reservationID); err != nil {
				return fmt.Errorf("failed to lock reservation: %w", err)
			}

			var t models.Ticket
			err = tx.GetContext(ctx, &t, `
				UPDATE tickets
				SET status = 'used', used_at = $2, used_by = $3, updated_at = $2
				WHERE id = $1 AND status = 'valid'
				RETURNING `+ticketColumns, use.TicketID, use.At, use.ValidatorID)
			if errors.Is(err, sql.ErrNoRows) {
				return rejectUseTx(ctx, tx, use.TicketID)
			}
			if err != nil {
				return fmt.Errorf("failed to mark ticket used: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE reservations SET status = 'checked_in', updated_at = $2
				WHERE id = $1 AND status = 'confirmed'`, reservationID, use.At)
			if err != nil {
				return fmt.Errorf("failed to check in reservation: %w", err)
			}

			used = &t
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return used, nil
}

// rejectUseTx explains why a ticket could not be flipped to used
func rejectUseTx(ctx context.Context, tx *sqlx.Tx, ticketID string) error {
	var current models.Ticket
	if err := tx.GetContext(ctx, &current, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, ticketID); err != nil {
		return notFound(err, "ticket")
	}

	switch current.Status {
	case models.TicketStatusUsed:
		usedErr := &models.TicketUsedError{TicketNumber: current.TicketNumber}
		if current.UsedAt != nil {
			usedErr.UsedAt = *current.UsedAt
		}
		if current.UsedBy != nil {
			usedErr.UsedBy = *current.UsedBy
		}
		return usedErr
	case models.TicketStatusCancelled:
		return models.ErrTicketCancelled
	default:
		return fmt.Errorf("ticket is %s: %w", current.Status, models.ErrNotConfirmed)
	}
}
