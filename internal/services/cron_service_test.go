package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarttransit/ticketing-engine/internal/config"
	"github.com/smarttransit/ticketing-engine/internal/models"
)

func newTestCron(e *engine, lock JobLock) *CronService {
	cfg := &config.SchedulerConfig{
		// once a year, so scheduled runs never race the test
		ExpirySpec:       "0 0 0 1 1 *",
		LifecycleSpec:    "0 0 0 1 1 *",
		FastPathSpec:     "0 0 0 1 1 *",
		PaymentPollSpec:  "0 0 0 1 1 *",
		TicketRepairSpec: "0 0 0 1 1 *",
		LockTTL:          5 * time.Second,
	}
	return NewCronService(cfg, e.reservations, e.lifecycle, e.reconciliation, e.tickets, lock, e.logger)
}

func TestCronService_RunNow(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	e.addTrip("trip-cron", 4)
	e.book(t, "trip-cron", models.PaymentMethodCard, 1)
	e.clock.Advance(20 * time.Minute)

	cron := newTestCron(e, nil)
	require.NoError(t, cron.Start())
	defer cron.Stop()

	ran, err := cron.RunNow(ctx, JobExpireReservations)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 4, e.store.trip("trip-cron").AvailableSeats)

	status := cron.GetJobStatus()
	assert.Equal(t, 5, status["job_count"])
	assert.Equal(t, true, status["running"])

	var report JobReport
	for _, job := range status["jobs"].([]map[string]interface{}) {
		if job["name"] == JobExpireReservations {
			report = job["report"].(JobReport)
		}
	}
	assert.Equal(t, map[string]int{"expired": 1}, report.LastResult)
	assert.Empty(t, report.LastError)

	_, err = cron.RunNow(ctx, "reindex")
	assert.Error(t, err)
}

func TestCronService_InvalidSpec(t *testing.T) {
	e := newEngine(t)
	cron := newTestCron(e, nil)
	cron.cfg.LifecycleSpec = "every minute"
	assert.Error(t, cron.Start())
}

type heldLock struct{}

func (heldLock) Run(context.Context, string, func(ctx context.Context) error) (bool, error) {
	return false, nil
}

func TestCronService_SkipsWhenLockHeld(t *testing.T) {
	e := newEngine(t)
	cron := newTestCron(e, heldLock{})

	ran, err := cron.RunNow(context.Background(), JobTripLifecycle)
	require.NoError(t, err)
	assert.False(t, ran)

	cron.mu.Lock()
	defer cron.mu.Unlock()
	assert.Equal(t, 1, cron.reports[JobTripLifecycle].Skipped)
}

func TestLocalJobLock(t *testing.T) {
	lock := NewLocalJobLock()
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = lock.Run(ctx, "sweep", func(context.Context) error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	ran, err := lock.Run(ctx, "sweep", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran)

	ran, err = lock.Run(ctx, "other", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
	close(release)
}

func TestRedisJobLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lock := NewRedisJobLock(client, 10*time.Second)
	ctx := context.Background()

	var calls atomic.Int32
	ran, err := lock.Run(ctx, "expire", func(ctx context.Context) error {
		calls.Add(1)
		assert.True(t, mr.Exists("ticketing:job:expire"))

		// a second instance cannot take the lock while the first holds it
		other := NewRedisJobLock(client, 10*time.Second)
		nested, err := other.Run(ctx, "expire", func(context.Context) error {
			calls.Add(1)
			return nil
		})
		assert.NoError(t, err)
		assert.False(t, nested)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, mr.Exists("ticketing:job:expire"))

	boom := errors.New("boom")
	ran, err = lock.Run(ctx, "expire", func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

type countingExpirer struct {
	ids []string
	err error
}

func (c *countingExpirer) ExpireOne(_ context.Context, id string) (bool, error) {
	c.ids = append(c.ids, id)
	return c.err == nil, c.err
}

func TestExpiryWorker_HandleExpireTask(t *testing.T) {
	e := newEngine(t)
	expirer := &countingExpirer{}
	worker := &ExpiryWorker{expirer: expirer, logger: e.logger}

	payload, err := json.Marshal(expirePayload{ReservationID: "res-1"})
	require.NoError(t, err)
	require.NoError(t, worker.HandleExpireTask(context.Background(), asynq.NewTask(TypeExpireReservation, payload)))
	assert.Equal(t, []string{"res-1"}, expirer.ids)

	err = worker.HandleExpireTask(context.Background(), asynq.NewTask(TypeExpireReservation, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	expirer.err = errors.New("database unavailable")
	err = worker.HandleExpireTask(context.Background(), asynq.NewTask(TypeExpireReservation, payload))
	assert.EqualError(t, err, "database unavailable")
}

func TestExpiryWorker_ExpiresThroughService(t *testing.T) {
	e := newEngine(t)
	e.addTrip("trip-task", 2)
	held := e.book(t, "trip-task", models.PaymentMethodCard, 1)
	worker := &ExpiryWorker{expirer: e.reservations, logger: e.logger}

	payload, _ := json.Marshal(expirePayload{ReservationID: held.Reservation.ID})
	task := asynq.NewTask(TypeExpireReservation, payload)

	// delivered early: nothing happens
	require.NoError(t, worker.HandleExpireTask(context.Background(), task))
	assert.Equal(t, models.ReservationStatusPending, e.store.reservation(held.Reservation.ID).Status)

	e.clock.Advance(15*time.Minute + time.Second)
	require.NoError(t, worker.HandleExpireTask(context.Background(), task))
	assert.Equal(t, models.ReservationStatusExpired, e.store.reservation(held.Reservation.ID).Status)
	assert.Equal(t, 2, e.store.trip("trip-task").AvailableSeats)
}
