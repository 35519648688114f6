package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

const paymentAuditColumns = `id, reservation_id, payment_id, transaction_id, event_type, event_source,
	expected_amount, received_amount, currency, amounts_match, gateway_status, gateway_reference,
	signature_valid, request_payload, response_payload, raw_body, http_status_code, http_method,
	endpoint_url, error_message, error_code, processing_time_ms, is_duplicate, ip_address,
	user_agent, device_type, correlation_id, created_at, processed_at`

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db *sqlx.DB, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log creates a new payment audit entry
// Payment events must never be dropped silently; failures are logged at error level
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}

	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (` + paymentAuditColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24,
			$25, $26, $27, $28, $29
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.ReservationID, audit.PaymentID, audit.TransactionID, audit.EventType, audit.EventSource,
		audit.ExpectedAmount, audit.ReceivedAmount, audit.Currency, audit.AmountsMatch, audit.GatewayStatus, audit.GatewayReference,
		audit.SignatureValid, audit.RequestPayload, audit.ResponsePayload, audit.RawBody, audit.HTTPStatusCode, audit.HTTPMethod,
		audit.EndpointURL, audit.ErrorMessage, audit.ErrorCode, audit.ProcessingTimeMs, audit.IsDuplicate, audit.IPAddress,
		audit.UserAgent, audit.DeviceType, audit.CorrelationID, audit.CreatedAt, audit.ProcessedAt,
	)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event_type":     audit.EventType,
			"transaction_id": audit.TransactionID,
		}).Error("CRITICAL: Failed to log payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":       audit.ID,
		"event_type":     audit.EventType,
		"transaction_id": audit.TransactionID,
	}).Debug("Payment audit logged")

	return nil
}

// ListByTransactionID retrieves all audit entries for a transaction
func (r *PaymentAuditRepository) ListByTransactionID(ctx context.Context, txnID string) ([]models.PaymentAudit, error) {
	var audits []models.PaymentAudit
	query := `
		SELECT ` + paymentAuditColumns + ` FROM payment_audits
		WHERE transaction_id = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, txnID); err != nil {
		return nil, fmt.Errorf("failed to get audits by transaction: %w", err)
	}
	return audits, nil
}
