package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventInitiated          PaymentEventType = "payment_initiated"
	PaymentEventInitiateFailed     PaymentEventType = "payment_initiate_failed"
	PaymentEventWebhookReceived    PaymentEventType = "webhook_received"
	PaymentEventSignatureInvalid   PaymentEventType = "signature_invalid"
	PaymentEventUnknownTransaction PaymentEventType = "unknown_transaction"
	PaymentEventStatusCheck        PaymentEventType = "status_check"
	PaymentEventSuccess            PaymentEventType = "payment_success"
	PaymentEventFailed             PaymentEventType = "payment_failed"
	PaymentEventAmountMismatch     PaymentEventType = "amount_mismatch"
	PaymentEventLatePayment        PaymentEventType = "late_payment"
	PaymentEventError              PaymentEventType = "error"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceBackend PaymentEventSource = "backend"
	PaymentSourceWebhook PaymentEventSource = "gateway_webhook"
	PaymentSourceAPI     PaymentEventSource = "gateway_api"
	PaymentSourceCashier PaymentEventSource = "cashier"
	PaymentSourceSystem  PaymentEventSource = "system"
)

// PaymentAudit is an immutable audit log entry for payment events
type PaymentAudit struct {
	ID            uuid.UUID `json:"id" db:"id"`
	ReservationID *string   `json:"reservation_id,omitempty" db:"reservation_id"`
	PaymentID     *string   `json:"payment_id,omitempty" db:"payment_id"`
	TransactionID *string   `json:"transaction_id,omitempty" db:"transaction_id"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	ExpectedAmount *float64 `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *float64 `json:"received_amount,omitempty" db:"received_amount"`
	Currency       *string  `json:"currency,omitempty" db:"currency"`
	AmountsMatch   *bool    `json:"amounts_match,omitempty" db:"amounts_match"`

	GatewayStatus    *string `json:"gateway_status,omitempty" db:"gateway_status"`
	GatewayReference *string `json:"gateway_reference,omitempty" db:"gateway_reference"`
	SignatureValid   *bool   `json:"signature_valid,omitempty" db:"signature_valid"`

	RequestPayload  JSONB   `json:"request_payload,omitempty" db:"request_payload"`
	ResponsePayload JSONB   `json:"response_payload,omitempty" db:"response_payload"`
	RawBody         *string `json:"raw_body,omitempty" db:"raw_body"`

	HTTPStatusCode *int    `json:"http_status_code,omitempty" db:"http_status_code"`
	HTTPMethod     *string `json:"http_method,omitempty" db:"http_method"`
	EndpointURL    *string `json:"endpoint_url,omitempty" db:"endpoint_url"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`
	ErrorCode    *string `json:"error_code,omitempty" db:"error_code"`

	ProcessingTimeMs *int `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	IsDuplicate      bool `json:"is_duplicate" db:"is_duplicate"`

	IPAddress     *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent     *string `json:"user_agent,omitempty" db:"user_agent"`
	DeviceType    *string `json:"device_type,omitempty" db:"device_type"`
	CorrelationID *string `json:"correlation_id,omitempty" db:"correlation_id"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetEventType changes the event type once the outcome is known
func (pa *PaymentAudit) SetEventType(eventType PaymentEventType) *PaymentAudit {
	pa.EventType = eventType
	return pa
}

// SetPayment links the audit to a payment and its reservation
func (pa *PaymentAudit) SetPayment(p *Payment) *PaymentAudit {
	if p == nil {
		return pa
	}
	pa.PaymentID = &p.ID
	pa.ReservationID = &p.ReservationID
	pa.TransactionID = &p.TransactionID
	return pa
}

// SetTransactionID sets the transaction id reported by the caller
func (pa *PaymentAudit) SetTransactionID(txnID string) *PaymentAudit {
	if txnID != "" {
		pa.TransactionID = &txnID
	}
	return pa
}

// SetAmounts sets and verifies amounts - returns whether they match
func (pa *PaymentAudit) SetAmounts(expected, received float64, currency string) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received
	pa.Currency = &currency

	match := AmountsMatch(expected, received)
	pa.AmountsMatch = &match
	return match
}

// SetGateway records the status and reference reported by the provider
func (pa *PaymentAudit) SetGateway(status, reference string) *PaymentAudit {
	if status != "" {
		pa.GatewayStatus = &status
	}
	if reference != "" {
		pa.GatewayReference = &reference
	}
	return pa
}

// SetSignatureValid records the signature check result
func (pa *PaymentAudit) SetSignatureValid(valid bool) *PaymentAudit {
	pa.SignatureValid = &valid
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(message, code string) *PaymentAudit {
	pa.ErrorMessage = &message
	if code != "" {
		pa.ErrorCode = &code
	}
	return pa
}

// SetRawBody stores the raw body before parsing
func (pa *PaymentAudit) SetRawBody(body string) *PaymentAudit {
	pa.RawBody = &body
	return pa
}

// SetHTTPDetails sets HTTP request/response details
func (pa *PaymentAudit) SetHTTPDetails(method string, url string, statusCode int) *PaymentAudit {
	pa.HTTPMethod = &method
	pa.EndpointURL = &url
	pa.HTTPStatusCode = &statusCode
	return pa
}

// SetRequestPayload sets the request payload sent
func (pa *PaymentAudit) SetRequestPayload(payload map[string]interface{}) *PaymentAudit {
	pa.RequestPayload = JSONB(payload)
	return pa
}

// SetResponsePayload sets the response payload received
func (pa *PaymentAudit) SetResponsePayload(payload map[string]interface{}) *PaymentAudit {
	pa.ResponsePayload = JSONB(payload)
	return pa
}

// SetMetadata sets request metadata
func (pa *PaymentAudit) SetMetadata(ip, userAgent, deviceType, correlationID string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	if deviceType != "" {
		pa.DeviceType = &deviceType
	}
	if correlationID != "" {
		pa.CorrelationID = &correlationID
	}
	return pa
}

// SetProcessingTime calculates and sets processing time
func (pa *PaymentAudit) SetProcessingTime(startTime time.Time) *PaymentAudit {
	durationMs := int(time.Since(startTime).Milliseconds())
	pa.ProcessingTimeMs = &durationMs
	now := time.Now()
	pa.ProcessedAt = &now
	return pa
}

// MarkAsDuplicate marks this event as a duplicate
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}

// AmountsMatch compares two money amounts with a one-cent tolerance
func AmountsMatch(expected, received float64) bool {
	const tolerance = 0.01
	return abs(expected-received) < tolerance
}

// abs returns absolute value of float64
func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
