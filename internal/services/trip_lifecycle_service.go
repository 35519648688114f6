package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/models"
)

// LifecycleRun summarizes one scheduler pass
type LifecycleRun struct {
	Scanned     int `json:"scanned"`
	Transitions int `json:"transitions"`
	Failures    int `json:"failures"`
}

// TripLifecycleService advances trips through their operational states.
// Every step is a compare-and-set on the trip status, so the full path and
// the departure fast path can run in any order without conflicting.
type TripLifecycleService struct {
	trips        TripStore
	reservations ReservationStore
	timing       models.LifecycleTiming
	batchSize    int
	events       EventPublisher
	logger       *logrus.Logger
	now          func() time.Time
}

// NewTripLifecycleService creates a lifecycle service
func NewTripLifecycleService(trips TripStore, reservations ReservationStore, timing models.LifecycleTiming, batchSize int, events EventPublisher, logger *logrus.Logger) *TripLifecycleService {
	if batchSize <= 0 {
		batchSize = 200
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &TripLifecycleService{
		trips:        trips,
		reservations: reservations,
		timing:       timing,
		batchSize:    batchSize,
		events:       events,
		logger:       logger,
		now:          time.Now,
	}
}

// RunFullPath walks each due trip forward one step at a time until no step
// is due. A trip left behind by a crash catches up on the next pass.
func (s *TripLifecycleService) RunFullPath(ctx context.Context) (*LifecycleRun, error) {
	now := s.now()
	trips, err := s.trips.ListLifecycleDue(ctx, now, s.timing, s.batchSize)
	if err != nil {
		return nil, err
	}

	run := &LifecycleRun{Scanned: len(trips)}
	for i := range trips {
		trip := trips[i]
		for {
			next, due := trip.NextLifecycleStatus(now, s.timing)
			if !due {
				break
			}

			moved, err := s.advance(ctx, &trip, []models.TripStatus{trip.Status}, next)
			if err != nil {
				run.Failures++
				s.logger.WithError(err).WithField("trip_id", trip.ID).Error("Trip lifecycle step failed")
				break
			}
			if !moved {
				// another writer got there first; pick it up next pass
				break
			}
			run.Transitions++
		}
	}

	if run.Transitions > 0 {
		s.logger.WithFields(logrus.Fields{
			"scanned":     run.Scanned,
			"transitions": run.Transitions,
		}).Info("Trip lifecycle pass complete")
	}
	return run, nil
}

// RunFastPath marks trips departing soon and forces trips whose departure
// has passed straight to departed, whatever pre-departure status they hold
func (s *TripLifecycleService) RunFastPath(ctx context.Context) (*LifecycleRun, error) {
	now := s.now()
	trips, err := s.trips.ListDepartureDue(ctx, now, s.timing.DepartingSoonWindow, s.batchSize)
	if err != nil {
		return nil, err
	}

	run := &LifecycleRun{Scanned: len(trips)}
	for i := range trips {
		trip := trips[i]
		to, due := trip.FastPathStatus(now, s.timing)
		if !due {
			continue
		}

		from := models.PreDepartureStatuses
		if to == models.TripStatusDepartingSoon {
			from = []models.TripStatus{models.TripStatusScheduled}
		}

		moved, err := s.advance(ctx, &trip, from, to)
		if err != nil {
			run.Failures++
			s.logger.WithError(err).WithField("trip_id", trip.ID).Error("Trip fast path step failed")
			continue
		}
		if moved {
			run.Transitions++
		}
	}
	return run, nil
}

// CompleteTrip finalizes an arrived trip on operator request
func (s *TripLifecycleService) CompleteTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	trip, err := s.trips.GetByID(ctx, tripID)
	if err != nil {
		return nil, err
	}

	moved, err := s.advance(ctx, trip, []models.TripStatus{models.TripStatusArrived}, models.TripStatusCompleted)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, trip.Status, models.ErrInvalidTransition)
	}
	return trip, nil
}

// advance applies one guarded transition and fans out notifications. On
// success trip.Status holds the new status.
func (s *TripLifecycleService) advance(ctx context.Context, trip *models.Trip, from []models.TripStatus, to models.TripStatus) (bool, error) {
	previous := trip.Status
	var (
		moved      bool
		passengers []models.Reservation
		err        error
	)

	if to == models.TripStatusCompleted {
		// completion closes reservations and returns seats in the same unit
		passengers, moved, err = s.reservations.CompleteTrip(ctx, trip.ID, s.now())
	} else {
		moved, err = s.trips.TransitionStatus(ctx, trip.ID, from, to)
	}
	if err != nil || !moved {
		return false, err
	}
	trip.Status = to

	s.logger.WithFields(logrus.Fields{
		"trip_id": trip.ID,
		"from":    previous,
		"to":      to,
	}).Info("Trip status changed")

	if to != models.TripStatusCompleted {
		passengers, err = s.reservations.ListActiveByTrip(ctx, trip.ID)
		if err != nil {
			// notifications are best effort, the transition stands
			s.logger.WithError(err).WithField("trip_id", trip.ID).Warn("Could not load passengers for notification")
		}
	}
	s.notify(trip, previous, to, passengers)
	return true, nil
}

func (s *TripLifecycleService) notify(trip *models.Trip, from, to models.TripStatus, passengers []models.Reservation) {
	tripEvent := models.NewEvent(models.EventTripStatusChanged, trip.ID)
	tripEvent.FromStatus = string(from)
	tripEvent.ToStatus = string(to)
	tripEvent.Data = map[string]interface{}{
		"departure_time": trip.DepartureTime,
		"arrival_time":   trip.ArrivalTime,
		"passengers":     len(passengers),
	}
	s.events.Publish(tripEvent)

	for i := range passengers {
		e := models.ReservationEvent(models.EventPassengerTripUpdate, &passengers[i])
		e.FromStatus = string(from)
		e.ToStatus = string(to)
		e.Data["reservation_status"] = passengers[i].Status
		s.events.Publish(e)
	}
}
