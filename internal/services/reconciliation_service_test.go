package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

func TestHandleCallback_SuccessConfirmsAndIssues(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-d", 10)
	held := e.book(t, "trip-d", models.PaymentMethodMobileMoney, 3, 4)

	body, sig := e.callback(t, held.Payment.TransactionID, "SUCCESS", "3000.00")
	meta := CallbackMeta{IPAddress: "203.0.113.7", UserAgent: "provider/1.0", CorrelationID: "req-1"}

	result, err := e.reconciliation.HandleCallback(ctx, body, sig, meta)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementConfirmed, result.Result)
	assert.Equal(t, models.PaymentStatusPaid, result.PaymentStatus)
	assert.Equal(t, models.ReservationStatusConfirmed, result.ReservationStatus)
	assert.Equal(t, 2, result.TicketCount)

	res := e.store.reservation(held.Reservation.ID)
	assert.Equal(t, models.ReservationStatusConfirmed, res.Status)
	payment := e.store.paymentFor(held.Reservation.ID)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	require.NotNil(t, payment.GatewayReference)
	assert.Equal(t, "uid-"+held.Payment.TransactionID, *payment.GatewayReference)

	tickets := e.store.ticketsOf(held.Reservation.ID)
	require.Len(t, tickets, 2)
	for _, ticket := range tickets {
		assert.Equal(t, models.TicketStatusValid, ticket.Status)
	}

	// identical replay: no new tickets, no state change
	replay, err := e.reconciliation.HandleCallback(ctx, body, sig, meta)
	require.NoError(t, err)
	assert.Equal(t, models.SettlementDuplicate, replay.Result)
	assert.Equal(t, 2, replay.TicketCount)
	assert.Len(t, e.store.ticketsOf(held.Reservation.ID), 2)
	assert.Equal(t, res, e.store.reservation(held.Reservation.ID))
	assert.Equal(t, 8, e.store.trip("trip-d").AvailableSeats)

	assert.Equal(t, 1, e.events.count(models.EventPaymentPaid))
	assert.Equal(t, 1, e.events.count(models.EventTicketsIssued))
	assert.Equal(t, []models.PaymentEventType{models.PaymentEventSuccess, models.PaymentEventWebhookReceived}, e.store.auditTypes())

	audits, err := e.reconciliation.AuditTrail(ctx, held.Payment.TransactionID)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.False(t, audits[0].IsDuplicate)
	assert.True(t, audits[1].IsDuplicate)
	require.NotNil(t, audits[0].IPAddress)
	assert.Equal(t, "203.0.113.7", *audits[0].IPAddress)
}

func TestHandleCallback_ConcurrentReplaysSettleOnce(t *testing.T) {
	e := newEngine(t)
	e.addTrip("trip-once", 10)
	held := e.book(t, "trip-once", models.PaymentMethodCard, 1, 2)
	body, sig := e.callback(t, held.Payment.TransactionID, "SUCCESS", "3000.00")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[models.SettlementResult]int{}
	)
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, err := e.reconciliation.HandleCallback(context.Background(), body, sig, CallbackMeta{})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results[result.Result]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, results[models.SettlementConfirmed])
	assert.Equal(t, 7, results[models.SettlementDuplicate])
	assert.Len(t, e.store.ticketsOf(held.Reservation.ID), 2)
	assert.Equal(t, 1, e.events.count(models.EventPaymentPaid))
	assert.Equal(t, 1, e.events.count(models.EventTicketsIssued))
}

func TestHandleCallback_InvalidSignature(t *testing.T) {
	e := newEngine(t)
	e.addTrip("trip-sig", 4)
	held := e.book(t, "trip-sig", models.PaymentMethodCard, 1)
	body, _ := e.callback(t, held.Payment.TransactionID, "SUCCESS", "1500.00")

	tests := []struct {
		name      string
		body      []byte
		signature string
	}{
		{"missing signature", body, ""},
		{"not hex", body, "zz-not-hex"},
		{"wrong key", body, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"},
		{"malformed body", []byte(`{"invoiceId":`), "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.reconciliation.HandleCallback(context.Background(), tt.body, tt.signature, CallbackMeta{IPAddress: "198.51.100.1"})
			assert.ErrorIs(t, err, models.ErrInvalidSignature)
		})
	}

	// a tampered amount breaks the signature computed over the original
	_, sig := e.callback(t, held.Payment.TransactionID, "SUCCESS", "1500.00")
	tampered, _ := e.callback(t, held.Payment.TransactionID, "SUCCESS", "1.00")
	_, err := e.reconciliation.HandleCallback(context.Background(), tampered, sig, CallbackMeta{})
	assert.ErrorIs(t, err, models.ErrInvalidSignature)

	assert.Equal(t, models.ReservationStatusPending, e.store.reservation(held.Reservation.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, e.store.paymentFor(held.Reservation.ID).Status)
	for _, eventType := range e.store.auditTypes() {
		assert.Equal(t, models.PaymentEventSignatureInvalid, eventType)
	}
	assert.True(t, e.hook.LastEntry().Data["security_event"].(bool))
}

func TestHandleCallback_UnknownTransaction(t *testing.T) {
	e := newEngine(t)
	body, sig := e.callback(t, "TXN-1-DEADBEEF", "SUCCESS", "1500.00")

	_, err := e.reconciliation.HandleCallback(context.Background(), body, sig, CallbackMeta{})
	assert.ErrorIs(t, err, models.ErrUnknownTransaction)
	assert.Equal(t, []models.PaymentEventType{models.PaymentEventUnknownTransaction}, e.store.auditTypes())
}

func TestHandleCallback_FailureCancels(t *testing.T) {
	e := newEngine(t)
	e.addTrip("trip-fail", 4)
	held := e.book(t, "trip-fail", models.PaymentMethodCard, 1, 2)
	body, sig := e.callback(t, held.Payment.TransactionID, "FAILED", "3000.00")

	result, err := e.reconciliation.HandleCallback(context.Background(), body, sig, CallbackMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.SettlementCancelled, result.Result)

	res := e.store.reservation(held.Reservation.ID)
	assert.Equal(t, models.ReservationStatusCancelled, res.Status)
	payment := e.store.paymentFor(held.Reservation.ID)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, "payment FAILED by provider", *payment.FailureReason)
	assert.Equal(t, 4, e.store.trip("trip-fail").AvailableSeats)
	assert.Empty(t, e.store.ticketsOf(held.Reservation.ID))
	assert.Equal(t, 1, e.events.count(models.EventPaymentFailed))
}

func TestHandleCallback_PendingOutcomeChangesNothing(t *testing.T) {
	e := newEngine(t)
	e.addTrip("trip-pend", 4)
	held := e.book(t, "trip-pend", models.PaymentMethodCard, 1)
	body, sig := e.callback(t, held.Payment.TransactionID, "PENDING", "1500.00")

	result, err := e.reconciliation.HandleCallback(context.Background(), body, sig, CallbackMeta{})
	require.NoError(t, err)
	assert.Empty(t, result.Result)
	assert.Equal(t, models.PaymentStatusPending, result.PaymentStatus)
	assert.Equal(t, models.ReservationStatusPending, e.store.reservation(held.Reservation.ID).Status)
}

func TestHandleCallback_AmountMismatchLeavesPending(t *testing.T) {
	e := newEngine(t)
	e.addTrip("trip-amount", 4)
	held := e.book(t, "trip-amount", models.PaymentMethodCard, 1)
	body, sig := e.callback(t, held.Payment.TransactionID, "SUCCESS", "15.00")

	_, err := e.reconciliation.HandleCallback(context.Background(), body, sig, CallbackMeta{})
	assert.ErrorIs(t, err, models.ErrAmountMismatch)
	assert.Equal(t, models.ReservationStatusPending, e.store.reservation(held.Reservation.ID).Status)
	assert.Equal(t, models.PaymentStatusPending, e.store.paymentFor(held.Reservation.ID).Status)
	assert.Equal(t, []models.PaymentEventType{models.PaymentEventAmountMismatch}, e.store.auditTypes())
}

func TestHandleCallback_LatePaymentFlagsRefund(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-lp", 4)
	held := e.book(t, "trip-lp", models.PaymentMethodCard, 1)

	// the sweep has not run yet: the callback itself closes the lapsed hold
	e.clock.Advance(30 * time.Minute)
	body, sig := e.callback(t, held.Payment.TransactionID, "SUCCESS", "1500.00")

	result, err := e.reconciliation.HandleCallback(ctx, body, sig, CallbackMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.SettlementLatePayment, result.Result)
	assert.Equal(t, models.ReservationStatusExpired, result.ReservationStatus)

	payment := e.store.paymentFor(held.Reservation.ID)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	assert.True(t, payment.RefundRequired)
	require.NotNil(t, payment.FailureReason)
	assert.Equal(t, "reservation no longer payable", *payment.FailureReason)
	assert.Empty(t, e.store.ticketsOf(held.Reservation.ID))
	assert.Equal(t, 4, e.store.trip("trip-lp").AvailableSeats)
	assert.Equal(t, 1, e.events.count(models.EventPaymentRefundRequired))
	assert.Equal(t, 1, e.events.count(models.EventReservationExpired))
}

func TestHandleCallback_AfterSweepExpired(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-swept", 4)
	held := e.book(t, "trip-swept", models.PaymentMethodCard, 1)

	e.clock.Advance(16 * time.Minute)
	n, err := e.reservations.ExpireStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, models.PaymentStatusFailed, e.store.paymentFor(held.Reservation.ID).Status)

	// the sweep failed the payment locally; the provider still took the money
	body, sig := e.callback(t, held.Payment.TransactionID, "SUCCESS", "1500.00")
	result, err := e.reconciliation.HandleCallback(ctx, body, sig, CallbackMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.SettlementLatePayment, result.Result)
	assert.Equal(t, models.PaymentStatusPaid, result.PaymentStatus)
	assert.Equal(t, models.ReservationStatusExpired, result.ReservationStatus)

	payment := e.store.paymentFor(held.Reservation.ID)
	assert.True(t, payment.RefundRequired)
	assert.True(t, payment.GatewaySettled)
	assert.Empty(t, e.store.ticketsOf(held.Reservation.ID))
	assert.Equal(t, 4, e.store.trip("trip-swept").AvailableSeats)
	assert.Equal(t, 1, e.events.count(models.EventPaymentRefundRequired))
	assert.Equal(t, 1, e.events.count(models.EventReservationExpired))

	// provider retries of the same callback are duplicates
	replay, err := e.reconciliation.HandleCallback(ctx, body, sig, CallbackMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.SettlementDuplicate, replay.Result)
	assert.Equal(t, 1, e.events.count(models.EventPaymentRefundRequired))
}

func TestHandleCallback_FailureAfterCancelChangesNothing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-cx", 4)
	held := e.book(t, "trip-cx", models.PaymentMethodCard, 2)

	_, err := e.reservations.Cancel(ctx, held.Reservation.ID, "changed plans")
	require.NoError(t, err)

	body, sig := e.callback(t, held.Payment.TransactionID, "FAILED", "1500.00")
	result, err := e.reconciliation.HandleCallback(ctx, body, sig, CallbackMeta{})
	require.NoError(t, err)
	assert.Equal(t, models.SettlementDuplicate, result.Result)

	payment := e.store.paymentFor(held.Reservation.ID)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.False(t, payment.RefundRequired)
	assert.Equal(t, 4, e.store.trip("trip-cx").AvailableSeats)
}

func TestReconcilePending(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-poll", 6)
	paid := e.book(t, "trip-poll", models.PaymentMethodCard, 1)
	waiting := e.book(t, "trip-poll", models.PaymentMethodCard, 2)

	e.gateway.verify[paid.Payment.TransactionID] = &VerifyResponse{
		TransactionID:    paid.Payment.TransactionID,
		GatewayReference: "uid-poll",
		Outcome:          models.GatewayOutcomeSuccess,
		Amount:           1500,
	}

	// too fresh to poll
	n, err := e.reconciliation.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock.Advance(11 * time.Minute)
	n, err = e.reconciliation.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, models.ReservationStatusConfirmed, e.store.reservation(paid.Reservation.ID).Status)
	assert.Len(t, e.store.ticketsOf(paid.Reservation.ID), 1)
	assert.Equal(t, models.ReservationStatusPending, e.store.reservation(waiting.Reservation.ID).Status)
}

func TestPaymentStatus_Refresh(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-status", 4)
	held := e.book(t, "trip-status", models.PaymentMethodCard, 1)

	view, err := e.reconciliation.PaymentStatus(ctx, held.Payment.TransactionID, false)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, view.Payment.Status)
	assert.Equal(t, held.Reservation.ID, view.Reservation.ID)

	e.gateway.verify[held.Payment.TransactionID] = &VerifyResponse{
		TransactionID: held.Payment.TransactionID,
		Outcome:       models.GatewayOutcomeCancelled,
	}
	view, err = e.reconciliation.PaymentStatus(ctx, held.Payment.TransactionID, true)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, view.Payment.Status)
	assert.Equal(t, models.ReservationStatusCancelled, view.Reservation.Status)

	_, err = e.reconciliation.PaymentStatus(ctx, "TXN-0-00000000", false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
