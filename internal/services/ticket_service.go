package services

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phpdave11/gofpdf"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// TicketService issues tickets for confirmed reservations and validates them at boarding
type TicketService struct {
	tickets      TicketStore
	reservations ReservationStore
	trips        TripStore
	key          []byte
	prefix       string
	events       EventPublisher
	logger       *logrus.Logger
	now          func() time.Time
}

// NewTicketService creates a ticket service. The secret keys the ticket code;
// secrets longer than a BLAKE2b key are hashed down first.
func NewTicketService(tickets TicketStore, reservations ReservationStore, trips TripStore, secret, prefix string, events EventPublisher, logger *logrus.Logger) *TicketService {
	key := []byte(secret)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	if events == nil {
		events = noopPublisher{}
	}

	return &TicketService{
		tickets:      tickets,
		reservations: reservations,
		trips:        trips,
		key:          key,
		prefix:       prefix,
		events:       events,
		logger:       logger,
		now:          time.Now,
	}
}

// ComputeCode derives the tamper-evident code from the ticket identity
func (s *TicketService) ComputeCode(t *models.Ticket) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// only possible with a key over 64 bytes, which the constructor prevents
		panic(fmt.Sprintf("ticket code hash: %v", err))
	}
	for _, part := range []string{
		t.ID,
		t.TicketNumber,
		t.PassengerPhone,
		strconv.FormatInt(t.SeatNumber, 10),
		t.TripID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Issue materializes one ticket per seat of a confirmed reservation.
// Calling it again returns the tickets already issued.
func (s *TicketService) Issue(ctx context.Context, res *models.Reservation) ([]models.Ticket, error) {
	if res.Status != models.ReservationStatusConfirmed && res.Status != models.ReservationStatusCheckedIn {
		return nil, fmt.Errorf("cannot issue tickets for %s reservation: %w", res.Status, models.ErrNotConfirmed)
	}

	now := s.now()
	tickets := make([]models.Ticket, 0, len(res.Seats))
	for _, seat := range res.Seats.Sorted() {
		t := models.Ticket{
			ID:             uuid.NewString(),
			TicketNumber:   NewTicketNumber(s.prefix, now),
			ReservationID:  res.ID,
			TripID:         res.TripID,
			SeatNumber:     seat,
			PassengerName:  res.PassengerName,
			PassengerPhone: res.PassengerPhone,
			Status:         models.TicketStatusValid,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		t.Code = s.ComputeCode(&t)
		tickets = append(tickets, t)
	}

	issued, created, err := s.tickets.CreateForReservation(ctx, res.ID, tickets)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tickets: %w", err)
	}

	if created {
		s.logger.WithFields(logrus.Fields{
			"reservation_id": res.ID,
			"tickets":        len(issued),
		}).Info("Tickets issued")

		event := models.ReservationEvent(models.EventTicketsIssued, res)
		numbers := make([]string, len(issued))
		for i := range issued {
			numbers[i] = issued[i].TicketNumber
		}
		event.Data["ticket_numbers"] = numbers
		s.events.Publish(event)
	}
	return issued, nil
}

// Validate checks a scanned ticket and flips it to used. The returned result
// is always populated so boarding staff can tell the failure kinds apart.
func (s *TicketService) Validate(ctx context.Context, scanned, validatorID string) (*models.ValidationResult, error) {
	number, code := splitScanPayload(scanned)
	result := &models.ValidationResult{Outcome: models.ValidationTampered, TicketNumber: number}

	if number == "" || code == "" {
		s.rejected(result, "malformed ticket code", validatorID)
		return result, models.ErrTamperedTicket
	}

	ticket, err := s.tickets.GetByNumber(ctx, number)
	if errors.Is(err, models.ErrNotFound) {
		s.rejected(result, "unknown ticket number", validatorID)
		return result, models.ErrTamperedTicket
	}
	if err != nil {
		return nil, err
	}
	fillResult(result, ticket)

	expected := []byte(s.ComputeCode(ticket))
	givenOK := subtle.ConstantTimeCompare([]byte(code), expected) == 1
	storedOK := subtle.ConstantTimeCompare([]byte(ticket.Code), expected) == 1
	if !givenOK || !storedOK {
		result.Outcome = models.ValidationTampered
		s.rejected(result, "code mismatch", validatorID)
		return result, models.ErrTamperedTicket
	}

	used, err := s.tickets.MarkUsed(ctx, models.TicketUse{
		TicketID:    ticket.ID,
		ValidatorID: validatorID,
		At:          s.now(),
	})
	if err != nil {
		var usedErr *models.TicketUsedError
		switch {
		case errors.As(err, &usedErr):
			result.Outcome = models.ValidationAlreadyUsed
			usedAt, usedBy := usedErr.UsedAt, usedErr.UsedBy
			result.UsedAt, result.UsedBy = &usedAt, &usedBy
			s.rejected(result, "already used", validatorID)
		case errors.Is(err, models.ErrTicketCancelled):
			result.Outcome = models.ValidationCancelled
			s.rejected(result, "cancelled", validatorID)
		case errors.Is(err, models.ErrNotConfirmed):
			// reserved tickets are never boarded
			result.Outcome = models.ValidationCancelled
			s.rejected(result, "not yet paid", validatorID)
		default:
			return nil, err
		}
		return result, err
	}

	fillResult(result, used)
	result.Outcome = models.ValidationValid

	event := models.NewEvent(models.EventTicketUsed, used.TripID)
	event.ReservationID = used.ReservationID
	event.PassengerPhone = used.PassengerPhone
	event.Data = map[string]interface{}{
		"ticket_number": used.TicketNumber,
		"seat_number":   used.SeatNumber,
		"validator_id":  validatorID,
	}
	s.events.Publish(event)

	return result, nil
}

// ListByReservation returns the tickets of a reservation
func (s *TicketService) ListByReservation(ctx context.Context, reservationID string) ([]models.Ticket, error) {
	return s.tickets.ListByReservation(ctx, reservationID)
}

// RepairMissing issues tickets for confirmed reservations left without any,
// e.g. after a crash between confirmation and issue
func (s *TicketService) RepairMissing(ctx context.Context, limit int) (int, error) {
	pending, err := s.reservations.ListConfirmedWithoutTickets(ctx, limit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for i := range pending {
		if _, err := s.Issue(ctx, &pending[i]); err != nil {
			s.logger.WithError(err).WithField("reservation_id", pending[i].ID).Warn("Ticket repair failed")
			continue
		}
		repaired++
	}
	return repaired, nil
}

// RenderPDF writes a printable ticket
func (s *TicketService) RenderPDF(ctx context.Context, number string, w io.Writer) error {
	ticket, err := s.tickets.GetByNumber(ctx, number)
	if err != nil {
		return err
	}
	trip, err := s.trips.GetByID(ctx, ticket.TripID)
	if err != nil {
		return err
	}

	pdf := gofpdf.New("P", "mm", "A5", "")
	pdf.SetTitle("Ticket "+ticket.TicketNumber, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "SmartTransit Bus Ticket", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	rows := [][2]string{
		{"Ticket", ticket.TicketNumber},
		{"Passenger", ticket.PassengerName},
		{"Phone", ticket.PassengerPhone},
		{"Seat", strconv.FormatInt(ticket.SeatNumber, 10)},
		{"Departure", trip.DepartureTime.Format("2006-01-02 15:04")},
		{"Arrival", trip.ArrivalTime.Format("2006-01-02 15:04")},
		{"Status", strings.ToUpper(string(ticket.Status))},
	}
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(28, 7, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, row[1], "", 1, "L", false, 0, "")
	}

	pdf.Ln(4)
	pdf.SetFont("Courier", "", 7)
	pdf.MultiCell(0, 4, ticket.ScanPayload(), "1", "C", false)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("failed to render ticket pdf: %w", err)
	}
	return nil
}

func (s *TicketService) rejected(result *models.ValidationResult, reason, validatorID string) {
	s.logger.WithFields(logrus.Fields{
		"security_event": true,
		"ticket_number":  result.TicketNumber,
		"outcome":        result.Outcome,
		"reason":         reason,
		"validator_id":   validatorID,
	}).Warn("Ticket rejected")

	event := models.NewEvent(models.EventTicketRejected, result.TripID)
	event.ReservationID = result.ReservationID
	event.Data = map[string]interface{}{
		"ticket_number": result.TicketNumber,
		"outcome":       result.Outcome,
		"reason":        reason,
	}
	s.events.Publish(event)
}

// splitScanPayload splits "TICKETNUMBER.code"
func splitScanPayload(scanned string) (number, code string) {
	scanned = strings.TrimSpace(scanned)
	idx := strings.LastIndex(scanned, ".")
	if idx <= 0 || idx == len(scanned)-1 {
		return scanned, ""
	}
	return scanned[:idx], scanned[idx+1:]
}

func fillResult(r *models.ValidationResult, t *models.Ticket) {
	r.TicketNumber = t.TicketNumber
	r.ReservationID = t.ReservationID
	r.TripID = t.TripID
	r.SeatNumber = t.SeatNumber
	r.PassengerName = t.PassengerName
	r.UsedAt = t.UsedAt
	r.UsedBy = t.UsedBy
}
