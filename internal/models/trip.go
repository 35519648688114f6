package models

import (
	"time"
)

// TripStatus represents the operational status of a trip
type TripStatus string

const (
	TripStatusScheduled     TripStatus = "scheduled"
	TripStatusDepartingSoon TripStatus = "departing_soon"
	TripStatusBoarding      TripStatus = "boarding"
	TripStatusDeparted      TripStatus = "departed"
	TripStatusInTransit     TripStatus = "in_transit"
	TripStatusArrived       TripStatus = "arrived"
	TripStatusCompleted     TripStatus = "completed"
	TripStatusDelayed       TripStatus = "delayed"
	TripStatusCancelled     TripStatus = "cancelled"
	TripStatusMaintenance   TripStatus = "maintenance"
)

// PreDepartureStatuses are the statuses the departure fast path may force to departed.
var PreDepartureStatuses = []TripStatus{
	TripStatusScheduled,
	TripStatusDepartingSoon,
	TripStatusBoarding,
}

// tripForward lists the single forward step allowed from each lifecycle status.
var tripForward = map[TripStatus]TripStatus{
	TripStatusScheduled:     TripStatusBoarding,
	TripStatusDepartingSoon: TripStatusBoarding,
	TripStatusBoarding:      TripStatusDeparted,
	TripStatusDeparted:      TripStatusInTransit,
	TripStatusInTransit:     TripStatusArrived,
	TripStatusArrived:       TripStatusCompleted,
}

// Trip is a scheduled departure and owns the seat counter for that departure.
type Trip struct {
	ID             string     `json:"id" db:"id"`
	RouteID        string     `json:"route_id" db:"route_id"`
	BusID          string     `json:"bus_id" db:"bus_id"`
	CompanyID      string     `json:"company_id" db:"company_id"`
	DepartureTime  time.Time  `json:"departure_time" db:"departure_time"`
	ArrivalTime    time.Time  `json:"arrival_time" db:"arrival_time"`
	BasePrice      float64    `json:"base_price" db:"base_price"`
	CurrentPrice   float64    `json:"current_price" db:"current_price"`
	Capacity       int        `json:"capacity" db:"capacity"`
	AvailableSeats int        `json:"available_seats" db:"available_seats"`
	Status         TripStatus `json:"status" db:"status"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// LifecycleTiming holds the time offsets that drive trip status changes
type LifecycleTiming struct {
	DepartingSoonWindow time.Duration
	BoardingLead        time.Duration
	TransitGrace        time.Duration
	CompletionGrace     time.Duration
}

// DefaultLifecycleTiming returns the production offsets
func DefaultLifecycleTiming() LifecycleTiming {
	return LifecycleTiming{
		DepartingSoonWindow: 40 * time.Minute,
		BoardingLead:        30 * time.Minute,
		TransitGrace:        10 * time.Minute,
		CompletionGrace:     30 * time.Minute,
	}
}

// IsBookable reports whether new reservations may be opened on the trip
func (t *Trip) IsBookable() bool {
	return IsPreDeparture(t.Status)
}

// BoardingStartTime is when boarding opens
func (t *Trip) BoardingStartTime(timing LifecycleTiming) time.Time {
	return t.DepartureTime.Add(-timing.BoardingLead)
}

// EffectivePrice returns the per-seat price charged for new bookings
func (t *Trip) EffectivePrice() float64 {
	if t.CurrentPrice > 0 {
		return t.CurrentPrice
	}
	return t.BasePrice
}

// SeatInRange checks a seat number against the trip capacity
func (t *Trip) SeatInRange(seat int64) bool {
	return seat >= 1 && seat <= int64(t.Capacity)
}

// NextLifecycleStatus returns the next status the full lifecycle path would
// move the trip to at the given time. ok is false when no step is due.
func (t *Trip) NextLifecycleStatus(now time.Time, timing LifecycleTiming) (TripStatus, bool) {
	next, ok := tripForward[t.Status]
	if !ok {
		return "", false
	}

	var due time.Time
	switch next {
	case TripStatusBoarding:
		due = t.BoardingStartTime(timing)
	case TripStatusDeparted:
		due = t.DepartureTime
	case TripStatusInTransit:
		due = t.DepartureTime.Add(timing.TransitGrace)
	case TripStatusArrived:
		due = t.ArrivalTime
	case TripStatusCompleted:
		due = t.ArrivalTime.Add(timing.CompletionGrace)
	}

	if now.Before(due) {
		return "", false
	}
	return next, true
}

// FastPathStatus returns the status the departure fast path would apply.
// A trip whose departure already passed is forced to departed from any
// pre-departure status; a scheduled trip inside the window becomes departing_soon.
func (t *Trip) FastPathStatus(now time.Time, timing LifecycleTiming) (TripStatus, bool) {
	if !IsPreDeparture(t.Status) {
		return "", false
	}
	if !now.Before(t.DepartureTime) {
		return TripStatusDeparted, true
	}
	if t.Status == TripStatusScheduled && t.DepartureTime.Sub(now) <= timing.DepartingSoonWindow {
		return TripStatusDepartingSoon, true
	}
	return "", false
}

// IsPreDeparture reports whether the status precedes departure
func IsPreDeparture(s TripStatus) bool {
	for _, p := range PreDepartureStatuses {
		if p == s {
			return true
		}
	}
	return false
}

// CanTransitionTrip reports whether from -> to is a legal lifecycle move
func CanTransitionTrip(from, to TripStatus) bool {
	if next, ok := tripForward[from]; ok && next == to {
		return true
	}
	switch to {
	case TripStatusDepartingSoon:
		return from == TripStatusScheduled
	case TripStatusDeparted:
		return IsPreDeparture(from)
	}
	return false
}

// InventorySnapshot compares the seat counter with the occupied seats derived
// from active reservations. The counter is authoritative.
type InventorySnapshot struct {
	TripID         string  `json:"trip_id"`
	Capacity       int     `json:"capacity"`
	AvailableSeats int     `json:"available_seats"`
	OccupiedSeats  []int64 `json:"occupied_seats"`
	Consistent     bool    `json:"consistent"`
}

// NewInventorySnapshot builds a snapshot and evaluates the ledger equation
func NewInventorySnapshot(trip *Trip, occupied []int64) *InventorySnapshot {
	return &InventorySnapshot{
		TripID:         trip.ID,
		Capacity:       trip.Capacity,
		AvailableSeats: trip.AvailableSeats,
		OccupiedSeats:  occupied,
		Consistent:     trip.AvailableSeats+len(occupied) == trip.Capacity,
	}
}
