package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

const tripColumns = `id, route_id, bus_id, company_id, departure_time, arrival_time,
	base_price, current_price, capacity, available_seats, status, created_at, updated_at`

// TripRepository handles trip reads and status compare-and-set
type TripRepository struct {
	db    *sqlx.DB
	retry *Retrier
}

// NewTripRepository creates a new trip repository
func NewTripRepository(db *sqlx.DB, retry *Retrier) *TripRepository {
	return &TripRepository{db: db, retry: retry}
}

// GetByID retrieves a trip by ID
func (r *TripRepository) GetByID(ctx context.Context, id string) (*models.Trip, error) {
	var trip models.Trip
	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1`
	if err := r.db.GetContext(ctx, &trip, query, id); err != nil {
		return nil, notFound(err, "trip")
	}
	return &trip, nil
}

// ListLifecycleDue returns trips whose next full-path step is already due,
// oldest departure first. Trips with nothing due are never selected, so a
// long-running trip cannot hold a batch slot another trip needs.
func (r *TripRepository) ListLifecycleDue(ctx context.Context, now time.Time, timing models.LifecycleTiming, limit int) ([]models.Trip, error) {
	var trips []models.Trip
	query := `
		SELECT ` + tripColumns + `
		FROM trips
		WHERE (status IN ('scheduled', 'departing_soon') AND departure_time <= $2)
		   OR (status = 'boarding' AND departure_time <= $1)
		   OR (status = 'departed' AND departure_time <= $3)
		   OR (status = 'in_transit' AND arrival_time <= $1)
		   OR (status = 'arrived' AND arrival_time <= $4)
		ORDER BY departure_time ASC
		LIMIT $5`
	err := r.db.SelectContext(ctx, &trips, query,
		now,
		now.Add(timing.BoardingLead),
		now.Add(-timing.TransitGrace),
		now.Add(-timing.CompletionGrace),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle trips: %w", err)
	}
	return trips, nil
}

// ListDepartureDue returns pre-departure trips the fast path has work for:
// departure passed, or a scheduled trip inside the departing-soon window
func (r *TripRepository) ListDepartureDue(ctx context.Context, now time.Time, window time.Duration, limit int) ([]models.Trip, error) {
	var trips []models.Trip
	query := `
		SELECT ` + tripColumns + `
		FROM trips
		WHERE (status = ANY($1) AND departure_time <= $2)
		   OR (status = 'scheduled' AND departure_time <= $3)
		ORDER BY departure_time ASC
		LIMIT $4`
	err := r.db.SelectContext(ctx, &trips, query,
		pq.Array(tripStatusStrings(models.PreDepartureStatuses)), now, now.Add(window), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list departing trips: %w", err)
	}
	return trips, nil
}

// TransitionStatus moves a trip to `to` only if its current status is one of `from`.
// Returns false when another writer already moved it.
func (r *TripRepository) TransitionStatus(ctx context.Context, id string, from []models.TripStatus, to models.TripStatus) (bool, error) {
	var moved bool
	err := r.retry.Do(ctx, "trip_transition", func(ctx context.Context) error {
		result, err := r.db.ExecContext(ctx, `
			UPDATE trips
			SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = ANY($3)`,
			to, id, pq.Array(tripStatusStrings(from)),
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		moved = rows > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update trip status: %w", err)
	}
	return moved, nil
}

// OccupiedSeats derives the held seat numbers from active reservations
func (r *TripRepository) OccupiedSeats(ctx context.Context, tripID string) ([]int64, error) {
	var seats []int64
	err := r.db.SelectContext(ctx, &seats, occupiedSeatsQuery, tripID, pq.Array(reservationStatusStrings(models.ActiveReservationStatuses)))
	if err != nil {
		return nil, fmt.Errorf("failed to read occupied seats: %w", err)
	}
	return seats, nil
}

const occupiedSeatsQuery = `
	SELECT unnest(seats) AS seat
	FROM reservations
	WHERE trip_id = $1 AND status = ANY($2)
	ORDER BY seat`

func tripStatusStrings(statuses []models.TripStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func reservationStatusStrings(statuses []models.ReservationStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// LedgerRow is one trip whose counter disagrees with its active reservations
type LedgerRow struct {
	TripID         string `db:"trip_id"`
	Status         string `db:"status"`
	Capacity       int    `db:"capacity"`
	AvailableSeats int    `db:"available_seats"`
	HeldSeats      int    `db:"held_seats"`
}

// ListLedgerMismatches scans every trip for available_seats != capacity - held seats
func (r *TripRepository) ListLedgerMismatches(ctx context.Context, limit int) ([]LedgerRow, error) {
	var rows []LedgerRow
	query := `
		SELECT t.id AS trip_id, t.status, t.capacity, t.available_seats,
			COALESCE(SUM(cardinality(r.seats)), 0) AS held_seats
		FROM trips t
		LEFT JOIN reservations r ON r.trip_id = t.id AND r.status = ANY($1)
		GROUP BY t.id
		HAVING t.available_seats <> t.capacity - COALESCE(SUM(cardinality(r.seats)), 0)
		ORDER BY t.departure_time DESC
		LIMIT $2`
	err := r.db.SelectContext(ctx, &rows, query, pq.Array(reservationStatusStrings(models.ActiveReservationStatuses)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan seat ledger: %w", err)
	}
	return rows, nil
}
