package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

const paymentColumns = `id, reservation_id, transaction_id, amount, currency, method, status,
	gateway_reference, failure_reason, refund_required, gateway_settled, payment_url, paid_at, created_at, updated_at`

// PaymentRepository handles payment reads. Status writes happen inside the
// reservation transactions so payment and reservation never disagree.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// GetByTransactionID retrieves a payment by its gateway transaction id
func (r *PaymentRepository) GetByTransactionID(ctx context.Context, txnID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.GetContext(ctx, &p, `SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, txnID); err != nil {
		return nil, notFound(err, "payment")
	}
	return &p, nil
}

// GetByReservationID retrieves the latest payment of a reservation
func (r *PaymentRepository) GetByReservationID(ctx context.Context, reservationID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.GetContext(ctx, &p, `
		SELECT `+paymentColumns+` FROM payments
		WHERE reservation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, reservationID)
	if err != nil {
		return nil, notFound(err, "payment")
	}
	return &p, nil
}

// ListStalePending returns gateway payments still pending since before cutoff
func (r *PaymentRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Payment, error) {
	var list []models.Payment
	err := r.db.SelectContext(ctx, &list, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' AND method <> 'cash' AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	return list, nil
}

// SetPaymentURL stores the checkout URL so a retried create can resume payment
func (r *PaymentRepository) SetPaymentURL(ctx context.Context, id, url string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE payments SET payment_url = $2, updated_at = NOW() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("failed to store payment url: %w", err)
	}
	return nil
}

func insertPaymentTx(ctx context.Context, tx *sqlx.Tx, p *models.Payment) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payments (
			id, reservation_id, transaction_id, amount, currency, method, status,
			gateway_reference, refund_required, paid_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		p.ID, p.ReservationID, p.TransactionID, p.Amount, p.Currency, p.Method, p.Status,
		p.GatewayReference, p.RefundRequired, p.PaidAt, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// updatePaymentTx applies a provider outcome to a payment row already locked by the caller
func updatePaymentTx(ctx context.Context, tx *sqlx.Tx, id string, status models.PaymentStatus, gatewayRef, reason string, refund bool, at time.Time) (*models.Payment, error) {
	var p models.Payment
	err := tx.GetContext(ctx, &p, `
		UPDATE payments
		SET status = $2,
		    gateway_reference = COALESCE(NULLIF($3, ''), gateway_reference),
		    failure_reason = NULLIF($4, ''),
		    refund_required = $5,
		    gateway_settled = TRUE,
		    paid_at = CASE WHEN $2 = 'paid' THEN $6 ELSE paid_at END,
		    updated_at = $6
		WHERE id = $1
		RETURNING `+paymentColumns, id, status, gatewayRef, reason, refund, at)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	return &p, nil
}
