package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// CallbackMeta describes the HTTP request that delivered a callback
type CallbackMeta struct {
	IPAddress     string
	UserAgent     string
	DeviceType    string
	CorrelationID string
}

// CallbackResult summarizes what a callback or poll did
type CallbackResult struct {
	TransactionID     string                   `json:"transaction_id"`
	Result            models.SettlementResult  `json:"result,omitempty"`
	Outcome           models.GatewayOutcome    `json:"outcome"`
	PaymentStatus     models.PaymentStatus     `json:"payment_status,omitempty"`
	ReservationStatus models.ReservationStatus `json:"reservation_status,omitempty"`
	TicketCount       int                      `json:"ticket_count"`
}

// PaymentView is a payment together with its reservation
type PaymentView struct {
	Payment     *models.Payment     `json:"payment"`
	Reservation *models.Reservation `json:"reservation"`
}

// ReconciliationService turns provider callbacks and status polls into
// exactly-once settlements
type ReconciliationService struct {
	gateway      Gateway
	payments     PaymentStore
	reservations *ReservationService
	audits       PaymentAuditStore
	pollAfter    time.Duration
	batchSize    int
	logger       *logrus.Logger
	now          func() time.Time
}

// NewReconciliationService creates a reconciliation service
func NewReconciliationService(gateway Gateway, payments PaymentStore, reservations *ReservationService, audits PaymentAuditStore, pollAfter time.Duration, batchSize int, logger *logrus.Logger) *ReconciliationService {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReconciliationService{
		gateway:      gateway,
		payments:     payments,
		reservations: reservations,
		audits:       audits,
		pollAfter:    pollAfter,
		batchSize:    batchSize,
		logger:       logger,
		now:          time.Now,
	}
}

// HandleCallback authenticates and applies one provider callback. The
// signature must validate before anything else is read from the payload.
func (s *ReconciliationService) HandleCallback(ctx context.Context, rawBody []byte, signature string, meta CallbackMeta) (*CallbackResult, error) {
	start := time.Now()
	audit := models.NewPaymentAudit(models.PaymentEventWebhookReceived, models.PaymentSourceWebhook).
		SetRawBody(string(rawBody)).
		SetMetadata(meta.IPAddress, meta.UserAgent, meta.DeviceType, meta.CorrelationID)
	defer func() {
		audit.SetProcessingTime(start)
		s.recordAudit(ctx, audit)
	}()

	var payload WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		audit.SetEventType(models.PaymentEventSignatureInvalid).SetSignatureValid(false).SetError("malformed payload: "+err.Error(), models.CodeOf(models.ErrInvalidSignature))
		s.logger.WithField("ip", meta.IPAddress).Warn("Rejected malformed payment callback")
		return nil, fmt.Errorf("malformed callback payload: %w", models.ErrInvalidSignature)
	}
	audit.SetTransactionID(payload.InvoiceID).SetGateway(payload.PaymentStatus, payload.UID)

	if err := s.gateway.ValidateSignature(&payload, signature); err != nil {
		audit.SetEventType(models.PaymentEventSignatureInvalid).SetSignatureValid(false).SetError(err.Error(), models.CodeOf(err))
		s.logger.WithFields(logrus.Fields{
			"security_event": true,
			"transaction_id": payload.InvoiceID,
			"ip":             meta.IPAddress,
		}).Warn("Rejected payment callback with invalid signature")
		return nil, err
	}
	audit.SetSignatureValid(true)

	return s.apply(ctx, audit, payload.InvoiceID, payload.Outcome(), payload.AmountValue(), payload.UID, payload.StatusMessage)
}

// ReconcilePending verifies payments still pending after the poll delay with
// the provider, recovering settlements whose callback never arrived
func (s *ReconciliationService) ReconcilePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pollAfter)
	stale, err := s.payments.ListStalePending(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range stale {
		result, err := s.Poll(ctx, stale[i].TransactionID)
		if err != nil {
			s.logger.WithError(err).WithField("transaction_id", stale[i].TransactionID).Warn("Payment status poll failed")
			continue
		}
		if result.Result != "" && result.Result != models.SettlementDuplicate {
			settled++
		}
	}
	return settled, nil
}

// Poll asks the provider for a transaction's status and applies a final outcome
func (s *ReconciliationService) Poll(ctx context.Context, transactionID string) (*CallbackResult, error) {
	verified, err := s.gateway.Verify(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	audit := models.NewPaymentAudit(models.PaymentEventStatusCheck, models.PaymentSourceSystem).
		SetTransactionID(transactionID).
		SetGateway(string(verified.Outcome), verified.GatewayReference)
	defer s.recordAudit(ctx, audit)

	return s.apply(ctx, audit, transactionID, verified.Outcome, verified.Amount, verified.GatewayReference, verified.Message)
}

// PaymentStatus returns a payment and its reservation. With refresh set, a
// pending payment is first verified with the provider.
func (s *ReconciliationService) PaymentStatus(ctx context.Context, transactionID string, refresh bool) (*PaymentView, error) {
	payment, err := s.payments.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	if refresh && payment.Status == models.PaymentStatusPending && payment.Method.RequiresGateway() {
		if _, err := s.Poll(ctx, transactionID); err != nil {
			s.logger.WithError(err).WithField("transaction_id", transactionID).Warn("Status refresh failed")
		} else if payment, err = s.payments.GetByTransactionID(ctx, transactionID); err != nil {
			return nil, err
		}
	}

	res, err := s.reservations.Get(ctx, payment.ReservationID)
	if err != nil {
		return nil, err
	}
	return &PaymentView{Payment: payment, Reservation: res}, nil
}

// AuditTrail returns the audit entries of a transaction, oldest first
func (s *ReconciliationService) AuditTrail(ctx context.Context, transactionID string) ([]models.PaymentAudit, error) {
	if s.audits == nil {
		return nil, nil
	}
	return s.audits.ListByTransactionID(ctx, transactionID)
}

// apply resolves the transaction and runs the settlement unit
func (s *ReconciliationService) apply(ctx context.Context, audit *models.PaymentAudit, transactionID string, outcome models.GatewayOutcome, amount float64, gatewayRef, message string) (*CallbackResult, error) {
	result := &CallbackResult{TransactionID: transactionID, Outcome: outcome}
	log := s.logger.WithFields(logrus.Fields{
		"transaction_id": transactionID,
		"outcome":        outcome,
	})

	payment, err := s.payments.GetByTransactionID(ctx, transactionID)
	if errors.Is(err, models.ErrNotFound) {
		audit.SetEventType(models.PaymentEventUnknownTransaction).SetError("unknown transaction", models.CodeOf(models.ErrUnknownTransaction))
		log.Warn("Payment outcome for unknown transaction")
		return nil, models.ErrUnknownTransaction
	}
	if err != nil {
		audit.SetEventType(models.PaymentEventError).SetError(err.Error(), "")
		return nil, err
	}
	audit.SetPayment(payment)

	if !outcome.IsFinal() {
		result.PaymentStatus = payment.Status
		return result, nil
	}

	success := outcome == models.GatewayOutcomeSuccess
	if success && !payment.SettledFor(success) {
		if !audit.SetAmounts(payment.Amount, amount, payment.Currency) {
			audit.SetEventType(models.PaymentEventAmountMismatch).SetError(
				fmt.Sprintf("expected %.2f, received %.2f", payment.Amount, amount),
				models.CodeOf(models.ErrAmountMismatch),
			)
			log.WithFields(logrus.Fields{
				"security_event": true,
				"expected":       payment.Amount,
				"received":       amount,
			}).Error("Payment amount mismatch, leaving payment pending for review")
			return nil, models.ErrAmountMismatch
		}
	}

	reason := message
	if !success && reason == "" {
		reason = fmt.Sprintf("payment %s by provider", outcome)
	}

	settled, tickets, err := s.reservations.SettlePayment(ctx, models.Settlement{
		TransactionID:    transactionID,
		Success:          success,
		GatewayReference: gatewayRef,
		FailureReason:    reason,
		At:               s.now(),
	})
	if err != nil {
		audit.SetEventType(models.PaymentEventError).SetError(err.Error(), models.CodeOf(err))
		log.WithError(err).Error("Payment settlement failed")
		return nil, err
	}

	result.Result = settled.Result
	result.PaymentStatus = settled.Payment.Status
	result.ReservationStatus = settled.Reservation.Status
	result.TicketCount = len(tickets)

	switch settled.Result {
	case models.SettlementConfirmed:
		audit.SetEventType(models.PaymentEventSuccess)
	case models.SettlementCancelled:
		audit.SetEventType(models.PaymentEventFailed).SetError(reason, "")
	case models.SettlementLatePayment:
		audit.SetEventType(models.PaymentEventLatePayment)
	case models.SettlementDuplicate:
		audit.MarkAsDuplicate()
	}

	log.WithFields(logrus.Fields{
		"result":             settled.Result,
		"reservation_id":     settled.Reservation.ID,
		"reservation_status": settled.Reservation.Status,
	}).Info("Payment outcome applied")
	return result, nil
}

func (s *ReconciliationService) recordAudit(ctx context.Context, audit *models.PaymentAudit) {
	if s.audits == nil {
		return
	}
	// the audit must land even when the request context was cancelled
	if err := s.audits.Log(context.WithoutCancel(ctx), audit); err != nil {
		s.logger.WithError(err).Warn("Failed to record payment audit")
	}
}
