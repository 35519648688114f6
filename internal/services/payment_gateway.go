package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

// GatewayEnvironmentURLs maps environment names to their IPG base URLs
var GatewayEnvironmentURLs = map[string]string{
	"dev":        "https://payable-ipg-dev.web.app/ipg/dev",
	"sandbox":    "https://sandboxipgpayment.payable.lk/ipg/sandbox",
	"production": "https://ipgpayment.payable.lk/ipg/pro",
}

// PaymentGatewayService is a stateless adapter over the hosted payment page API.
// The only thing it generates locally is the transaction id.
type PaymentGatewayService struct {
	config *config.PaymentConfig
	logger *logrus.Logger
	client *circuit.HTTPClient
	audits PaymentAuditStore
}

// InitiateRequest describes a payment to open on the provider
type InitiateRequest struct {
	TransactionID string
	Amount        float64
	Currency      string
	Metadata      PaymentMetadata
}

// PaymentMetadata carries customer details required by the provider
type PaymentMetadata struct {
	ReservationID     string
	ReservationNumber string
	CustomerName      string
	CustomerPhone     string
	CustomerEmail     string
	Description       string
}

// InitiateResponse is the provider's answer to an initiate call
type InitiateResponse struct {
	PaymentURL       string
	GatewayReference string
}

// VerifyResponse is the provider's view of a transaction
type VerifyResponse struct {
	TransactionID    string
	GatewayReference string
	Outcome          models.GatewayOutcome
	Amount           float64
	Currency         string
	Message          string
}

// WebhookPayload is the body the provider posts to the webhook endpoint.
// InvoiceID carries our transaction id, UID the provider's own reference.
type WebhookPayload struct {
	InvoiceID     string `json:"invoiceId"`
	UID           string `json:"uid"`
	Amount        string `json:"amount"`
	CurrencyCode  string `json:"currencyCode"`
	PaymentStatus string `json:"paymentStatus"` // SUCCESS, FAILED, CANCELLED
	StatusMessage string `json:"statusMessage,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

// Outcome normalizes the provider status
func (p *WebhookPayload) Outcome() models.GatewayOutcome {
	return normalizeOutcome(p.PaymentStatus)
}

// AmountValue parses the decimal amount, returning -1 when malformed
func (p *WebhookPayload) AmountValue() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.Amount), 64)
	if err != nil {
		return -1
	}
	return v
}

type gatewayInitiateRequest struct {
	MerchantKey         string `json:"merchantKey"`
	LogoURL             string `json:"logoUrl,omitempty"`
	ReturnURL           string `json:"returnUrl"`
	WebhookURL          string `json:"webhookUrl,omitempty"`
	PaymentType         int    `json:"paymentType"`
	InvoiceID           string `json:"invoiceId"`
	Amount              string `json:"amount"`
	CurrencyCode        string `json:"currencyCode"`
	OrderDescription    string `json:"orderDescription,omitempty"`
	CustomerFirstName   string `json:"customerFirstName"`
	CustomerLastName    string `json:"customerLastName"`
	CustomerEmail       string `json:"customerEmail"`
	CustomerMobilePhone string `json:"customerMobilePhone"`
	CheckValue          string `json:"checkValue"`
	IntegrationType     string `json:"integrationType"`
	IntegrationVersion  string `json:"integrationVersion"`
}

type gatewayInitiateResponse struct {
	Status      string `json:"status"`
	UID         string `json:"uid"`
	PaymentPage string `json:"paymentPage"`
	Message     string `json:"message,omitempty"`
}

type gatewayStatusRequest struct {
	MerchantKey string `json:"merchantKey"`
	InvoiceID   string `json:"invoiceId"`
	CheckValue  string `json:"checkValue"`
}

type gatewayStatusResponse struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Amount        string `json:"amount"`
	CurrencyCode  string `json:"currencyCode"`
	InvoiceID     string `json:"invoiceId"`
	UID           string `json:"uid"`
	Message       string `json:"message,omitempty"`
}

// errRetryable marks a gateway failure worth another attempt
var errRetryable = errors.New("retryable gateway failure")

// NewPaymentGatewayService creates the adapter. Configuration is passed explicitly.
func NewPaymentGatewayService(cfg *config.PaymentConfig, audits PaymentAuditStore, logger *logrus.Logger) *PaymentGatewayService {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}

	return &PaymentGatewayService{
		config: cfg,
		logger: logger,
		client: circuit.NewHTTPClient(timeout, threshold, &http.Client{Timeout: timeout}),
		audits: audits,
	}
}

// NewTransactionID returns a collision-resistant id of the form TXN-<unix ms>-<random hex>
func (s *PaymentGatewayService) NewTransactionID() string {
	return NewTransactionID(time.Now())
}

// IsConfigured returns true if merchant credentials are present
func (s *PaymentGatewayService) IsConfigured() bool {
	return s.config.MerchantKey != "" && s.config.MerchantToken != ""
}

// GenerateCheckValue creates the SHA-512 merchant check value for outbound calls
// hash1 = SHA512(merchantToken), hash2 = SHA512("merchantKey|invoiceId|amount|currency|hash1")
func (s *PaymentGatewayService) GenerateCheckValue(invoiceID, amount, currencyCode string) string {
	hash1 := sha512.Sum512([]byte(s.config.MerchantToken))
	hash1Hex := strings.ToUpper(hex.EncodeToString(hash1[:]))

	data := fmt.Sprintf("%s|%s|%s|%s|%s", s.config.MerchantKey, invoiceID, amount, currencyCode, hash1Hex)
	hash2 := sha512.Sum512([]byte(data))
	return strings.ToUpper(hex.EncodeToString(hash2[:]))
}

// SignWebhook computes the callback signature: hex HMAC-SHA256 over
// invoiceId|uid|amount|currencyCode|paymentStatus keyed with the webhook secret
func (s *PaymentGatewayService) SignWebhook(p *WebhookPayload) string {
	mac := hmac.New(sha256.New, []byte(s.config.WebhookSecret))
	mac.Write([]byte(strings.Join([]string{
		p.InvoiceID,
		p.UID,
		p.Amount,
		p.CurrencyCode,
		strings.ToUpper(p.PaymentStatus),
	}, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateSignature recomputes the callback signature and compares it in
// constant time. Any mismatch is ErrInvalidSignature.
func (s *PaymentGatewayService) ValidateSignature(p *WebhookPayload, signature string) error {
	if s.config.WebhookSecret == "" || signature == "" {
		return models.ErrInvalidSignature
	}

	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return models.ErrInvalidSignature
	}
	expected, _ := hex.DecodeString(s.SignWebhook(p))

	if !hmac.Equal(given, expected) {
		return models.ErrInvalidSignature
	}
	return nil
}

// Initiate opens a hosted payment page and returns its URL
func (s *PaymentGatewayService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	amount := formatAmount(req.Amount)

	if !s.IsConfigured() {
		// Development fallback: no merchant credentials, hand back a local placeholder
		placeholder := fmt.Sprintf("%s/dev-payment?invoiceId=%s&amount=%s", strings.TrimRight(s.baseURL(), "/"), req.TransactionID, amount)
		s.logger.WithFields(logrus.Fields{
			"transaction_id": req.TransactionID,
			"payment_url":    placeholder,
		}).Warn("Payment gateway not configured, returning placeholder URL")
		return &InitiateResponse{PaymentURL: placeholder}, nil
	}

	firstName, lastName := splitName(req.Metadata.CustomerName)
	email := req.Metadata.CustomerEmail
	if email == "" {
		email = "customer@smarttransit.lk"
	}

	body := &gatewayInitiateRequest{
		MerchantKey:         s.config.MerchantKey,
		LogoURL:             s.config.LogoURL,
		ReturnURL:           s.config.ReturnURL,
		WebhookURL:          s.config.WebhookURL,
		PaymentType:         1,
		InvoiceID:           req.TransactionID,
		Amount:              amount,
		CurrencyCode:        req.Currency,
		OrderDescription:    req.Metadata.Description,
		CustomerFirstName:   firstName,
		CustomerLastName:    lastName,
		CustomerEmail:       email,
		CustomerMobilePhone: req.Metadata.CustomerPhone,
		CheckValue:          s.GenerateCheckValue(req.TransactionID, amount, req.Currency),
		IntegrationType:     "SmartTransit",
		IntegrationVersion:  "2.0.0",
	}

	endpoint := s.baseURL()
	audit := models.NewPaymentAudit(models.PaymentEventInitiated, models.PaymentSourceAPI).
		SetTransactionID(req.TransactionID)
	start := time.Now()

	var parsed gatewayInitiateResponse
	status, raw, err := s.postWithRetry(ctx, endpoint, body, &parsed)
	audit.SetHTTPDetails(http.MethodPost, endpoint, status).SetRawBody(string(raw)).SetProcessingTime(start)

	if err == nil && parsed.Status != "success" && parsed.Status != "PENDING" {
		err = fmt.Errorf("payment initiation failed: %s", parsed.Message)
	}
	if err == nil && parsed.PaymentPage == "" {
		err = fmt.Errorf("payment initiation failed: no payment page URL returned")
	}
	if err != nil {
		audit.SetEventType(models.PaymentEventInitiateFailed).SetError(err.Error(), "")
		s.recordAudit(ctx, audit)
		s.logger.WithError(err).WithField("transaction_id", req.TransactionID).Error("Payment initiation failed")
		return nil, err
	}

	audit.SetGateway(parsed.Status, parsed.UID)
	s.recordAudit(ctx, audit)

	s.logger.WithFields(logrus.Fields{
		"transaction_id": req.TransactionID,
		"uid":            parsed.UID,
	}).Info("Payment initiated")

	return &InitiateResponse{PaymentURL: parsed.PaymentPage, GatewayReference: parsed.UID}, nil
}

// Verify asks the provider for the current status of a transaction
func (s *PaymentGatewayService) Verify(ctx context.Context, transactionID string) (*VerifyResponse, error) {
	if !s.IsConfigured() {
		return &VerifyResponse{TransactionID: transactionID, Outcome: models.GatewayOutcomePending}, nil
	}

	statusURL := strings.Replace(s.baseURL(), "/ipg/", "/check-status/", 1)
	body := &gatewayStatusRequest{
		MerchantKey: s.config.MerchantKey,
		InvoiceID:   transactionID,
		CheckValue:  s.GenerateCheckValue(transactionID, "", ""),
	}

	audit := models.NewPaymentAudit(models.PaymentEventStatusCheck, models.PaymentSourceAPI).
		SetTransactionID(transactionID)
	start := time.Now()

	var parsed gatewayStatusResponse
	status, raw, err := s.postWithRetry(ctx, statusURL, body, &parsed)
	audit.SetHTTPDetails(http.MethodPost, statusURL, status).SetRawBody(string(raw)).SetProcessingTime(start)
	if err != nil {
		audit.SetError(err.Error(), "")
		s.recordAudit(ctx, audit)
		return nil, err
	}

	audit.SetGateway(parsed.PaymentStatus, parsed.UID)
	s.recordAudit(ctx, audit)

	amount, _ := strconv.ParseFloat(parsed.Amount, 64)
	return &VerifyResponse{
		TransactionID:    transactionID,
		GatewayReference: parsed.UID,
		Outcome:          normalizeOutcome(parsed.PaymentStatus),
		Amount:           amount,
		Currency:         parsed.CurrencyCode,
		Message:          parsed.Message,
	}, nil
}

// postWithRetry posts JSON and decodes the answer, retrying network errors and
// 5xx responses within the configured budget
func (s *PaymentGatewayService) postWithRetry(ctx context.Context, url string, payload interface{}, out interface{}) (int, []byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var (
		status int
		raw    []byte
	)
	attempts := s.config.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		status, raw, err = s.post(ctx, url, jsonBody)
		if err == nil {
			break
		}
		if errors.Is(err, circuit.ErrBreakerOpen) {
			return status, raw, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
		}
		if !errors.Is(err, errRetryable) || attempt == attempts {
			break
		}

		wait := time.Duration(attempt) * 200 * time.Millisecond
		s.logger.WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Payment gateway call failed, retrying")

		select {
		case <-ctx.Done():
			return status, raw, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		if errors.Is(err, errRetryable) {
			return status, raw, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
		}
		return status, raw, err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return status, raw, fmt.Errorf("failed to parse response: %w", err)
	}
	return status, raw, nil
}

func (s *PaymentGatewayService) post(ctx context.Context, url string, jsonBody []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, circuit.ErrBreakerOpen) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: failed to read response: %v", errRetryable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, body, fmt.Errorf("%w: gateway returned status %d", errRetryable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, body, fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp.StatusCode, body, nil
}

func (s *PaymentGatewayService) baseURL() string {
	if s.config.BaseURL != "" {
		return s.config.BaseURL
	}
	if url, ok := GatewayEnvironmentURLs[s.config.Environment]; ok {
		return url
	}
	return GatewayEnvironmentURLs["sandbox"]
}

func (s *PaymentGatewayService) recordAudit(ctx context.Context, audit *models.PaymentAudit) {
	if s.audits == nil {
		return
	}
	if err := s.audits.Log(ctx, audit); err != nil {
		s.logger.WithError(err).Warn("Failed to record gateway audit")
	}
}

func normalizeOutcome(status string) models.GatewayOutcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "PAID", "COMPLETED":
		return models.GatewayOutcomeSuccess
	case "FAILED", "REJECTED", "DECLINED":
		return models.GatewayOutcomeFailed
	case "CANCELLED", "CANCELED":
		return models.GatewayOutcomeCancelled
	default:
		return models.GatewayOutcomePending
	}
}

func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

// splitName splits a full name into first and last name
func splitName(fullName string) (firstName, lastName string) {
	parts := strings.Fields(fullName)
	if len(parts) == 0 {
		return "Customer", "."
	}
	if len(parts) == 1 {
		return parts[0], "."
	}
	return parts[0], strings.Join(parts[1:], " ")
}
