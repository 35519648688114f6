package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

var errNotFound = models.ErrNotFound

// transientCodes are SQLSTATEs worth retrying with a fresh transaction
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"57P01": true, // admin_shutdown
}

// Retrier re-runs an atomic unit a bounded number of times on transient storage errors
type Retrier struct {
	Attempts int
	Backoff  time.Duration
	Logger   *logrus.Logger
}

// NewRetrier creates a retrier; attempts below 1 are treated as 1
func NewRetrier(attempts int, backoff time.Duration, logger *logrus.Logger) *Retrier {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrier{Attempts: attempts, Backoff: backoff, Logger: logger}
}

// Do runs fn until it succeeds, fails permanently, or attempts are exhausted.
// Each attempt must be a complete transaction so a retry never sees partial writes.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if r == nil {
		return fn(ctx)
	}

	var err error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == r.Attempts {
			return err
		}

		wait := r.Backoff << (attempt - 1)
		if r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"operation": op,
				"attempt":   attempt,
				"wait_ms":   wait.Milliseconds(),
				"error":     err.Error(),
			}).Warn("Transient storage error, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// IsTransient reports whether err is a storage failure that a new transaction may not hit
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var domainErr *models.DomainError
	if errors.As(err, &domainErr) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientCodes[string(pqErr.Code)]
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientCodes[pgErr.Code]
	}

	return errors.Is(err, driver.ErrBadConn)
}

// IsUniqueViolation reports a unique constraint violation (23505)
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
