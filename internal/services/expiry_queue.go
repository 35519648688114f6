package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

const (
	// TypeExpireReservation is the asynq task type for a hold deadline check
	TypeExpireReservation = "reservation:expire"

	expiryQueue = "reservations"
)

type expirePayload struct {
	ReservationID string `json:"reservation_id"`
}

// ExpiryQueue schedules one delayed expiry task per pending reservation so
// seats come back close to the deadline instead of at the next sweep
type ExpiryQueue struct {
	client *asynq.Client
	logger *logrus.Logger
}

// NewExpiryQueue creates the task producer
func NewExpiryQueue(redisOpt asynq.RedisConnOpt, logger *logrus.Logger) *ExpiryQueue {
	return &ExpiryQueue{client: asynq.NewClient(redisOpt), logger: logger}
}

// ScheduleExpiry enqueues a check to run just after the hold deadline.
// Scheduling the same reservation twice is a no-op.
func (q *ExpiryQueue) ScheduleExpiry(ctx context.Context, reservationID string, at time.Time) error {
	payload, err := json.Marshal(expirePayload{ReservationID: reservationID})
	if err != nil {
		return fmt.Errorf("failed to encode expiry payload: %w", err)
	}

	task := asynq.NewTask(TypeExpireReservation, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(at.Add(time.Second)),
		asynq.TaskID("expire:"+reservationID),
		asynq.Queue(expiryQueue),
		asynq.MaxRetry(5),
		asynq.Retention(time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue expiry task: %w", err)
	}
	return nil
}

// Close releases the redis connection
func (q *ExpiryQueue) Close() error {
	return q.client.Close()
}

// ReservationExpirer expires one reservation if it is due
type ReservationExpirer interface {
	ExpireOne(ctx context.Context, id string) (bool, error)
}

// ExpiryWorker consumes expiry tasks
type ExpiryWorker struct {
	server  *asynq.Server
	expirer ReservationExpirer
	logger  *logrus.Logger
}

// NewExpiryWorker creates the task consumer
func NewExpiryWorker(redisOpt asynq.RedisConnOpt, concurrency int, expirer ReservationExpirer, logger *logrus.Logger) *ExpiryWorker {
	if concurrency <= 0 {
		concurrency = 5
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{expiryQueue: 1},
		Logger:      logger.WithField("component", "asynq"),
	})
	return &ExpiryWorker{server: server, expirer: expirer, logger: logger}
}

// Start begins processing in background goroutines
func (w *ExpiryWorker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExpireReservation, w.HandleExpireTask)
	return w.server.Start(mux)
}

// Shutdown waits for in-flight tasks and stops the worker
func (w *ExpiryWorker) Shutdown() {
	w.server.Shutdown()
}

// HandleExpireTask expires the reservation named in the task. A reservation
// that was paid or already swept is not an error.
func (w *ExpiryWorker) HandleExpireTask(ctx context.Context, t *asynq.Task) error {
	var p expirePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.ReservationID == "" {
		w.logger.WithField("payload", string(t.Payload())).Error("Dropping malformed expiry task")
		return fmt.Errorf("malformed expiry payload: %v: %w", err, asynq.SkipRetry)
	}

	expired, err := w.expirer.ExpireOne(ctx, p.ReservationID)
	if err != nil {
		return err
	}
	w.logger.WithFields(logrus.Fields{
		"reservation_id": p.ReservationID,
		"expired":        expired,
	}).Debug("Expiry task processed")
	return nil
}
