package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/smarttransit/ticketing-engine/internal/config"
)

// Job names, also used as lock keys and admin trigger names
const (
	JobExpireReservations = "expire_reservations"
	JobTripLifecycle      = "trip_lifecycle"
	JobDepartureFastPath  = "departure_fast_path"
	JobPaymentReconcile   = "payment_reconcile"
	JobTicketRepair       = "ticket_repair"
)

// JobReport is the last outcome of a job
type JobReport struct {
	LastRun      time.Time     `json:"last_run"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastResult   interface{}   `json:"last_result,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Skipped      int           `json:"skipped"`
}

// CronService manages scheduled background jobs. Every job is idempotent and
// guarded by a JobLock, so several instances can share one database.
type CronService struct {
	cron         *cron.Cron
	cfg          *config.SchedulerConfig
	reservations *ReservationService
	lifecycle    *TripLifecycleService
	payments     *ReconciliationService
	tickets      *TicketService
	lock         JobLock
	logger       *logrus.Logger
	jobTimeout   time.Duration

	mu      sync.Mutex
	reports map[string]*JobReport
	entries map[string]cron.EntryID
}

// NewCronService creates a new CronService
func NewCronService(cfg *config.SchedulerConfig, reservations *ReservationService, lifecycle *TripLifecycleService, payments *ReconciliationService, tickets *TicketService, lock JobLock, logger *logrus.Logger) *CronService {
	if lock == nil {
		lock = NewLocalJobLock()
	}
	timeout := cfg.LockTTL
	if timeout <= 0 {
		timeout = 55 * time.Second
	}

	return &CronService{
		// seconds precision: the sweeps run more often than once a minute
		cron:         cron.New(cron.WithSeconds()),
		cfg:          cfg,
		reservations: reservations,
		lifecycle:    lifecycle,
		payments:     payments,
		tickets:      tickets,
		lock:         lock,
		logger:       logger,
		jobTimeout:   timeout,
		reports:      make(map[string]*JobReport),
		entries:      make(map[string]cron.EntryID),
	}
}

// Start schedules all jobs and starts the scheduler
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	schedule := []struct {
		name string
		spec string
	}{
		{JobExpireReservations, s.cfg.ExpirySpec},
		{JobTripLifecycle, s.cfg.LifecycleSpec},
		{JobDepartureFastPath, s.cfg.FastPathSpec},
		{JobPaymentReconcile, s.cfg.PaymentPollSpec},
		{JobTicketRepair, s.cfg.TicketRepairSpec},
	}

	for _, job := range schedule {
		name := job.name
		id, err := s.cron.AddFunc(job.spec, func() {
			if _, err := s.RunNow(context.Background(), name); err != nil {
				s.logger.WithError(err).WithField("job", name).Error("[CRON] Job failed")
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", name, err)
		}
		s.entries[name] = id
		s.logger.WithFields(logrus.Fields{"job": name, "spec": job.spec}).Info("✓ Scheduled job")
	}

	s.cron.Start()
	s.logger.Info("✓ Cron service started successfully")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// RunNow runs a job immediately under its lock. ran is false when another
// run holds the lock.
func (s *CronService) RunNow(ctx context.Context, job string) (ran bool, err error) {
	fn, ok := s.jobs()[job]
	if !ok {
		return false, fmt.Errorf("unknown job %q", job)
	}

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	var result interface{}
	ran, err = s.lock.Run(ctx, job, func(ctx context.Context) error {
		var runErr error
		result, runErr = fn(ctx)
		return runErr
	})

	s.mu.Lock()
	report := s.report(job)
	if !ran && err == nil {
		report.Skipped++
		s.mu.Unlock()
		s.logger.WithField("job", job).Debug("[CRON] Job skipped, lock held elsewhere")
		return false, nil
	}
	report.LastRun = start
	report.LastDuration = time.Since(start)
	report.LastResult = result
	report.LastError = ""
	if err != nil {
		report.LastError = err.Error()
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"job":      job,
			"result":   result,
			"duration": time.Since(start).String(),
		}).Debug("[CRON] Job finished")
	}
	return ran, err
}

// GetJobStatus returns the schedule and last outcome of every job
func (s *CronService) GetJobStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]map[string]interface{}, 0, len(s.entries))
	for name, id := range s.entries {
		entry := s.cron.Entry(id)
		jobs = append(jobs, map[string]interface{}{
			"name":     name,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
			"report":   *s.report(name),
		})
	}

	return map[string]interface{}{
		"running":   len(s.entries) > 0,
		"job_count": len(s.entries),
		"jobs":      jobs,
	}
}

func (s *CronService) jobs() map[string]func(ctx context.Context) (interface{}, error) {
	return map[string]func(ctx context.Context) (interface{}, error){
		JobExpireReservations: func(ctx context.Context) (interface{}, error) {
			n, err := s.reservations.ExpireStale(ctx)
			return map[string]int{"expired": n}, err
		},
		JobTripLifecycle: func(ctx context.Context) (interface{}, error) {
			return s.lifecycle.RunFullPath(ctx)
		},
		JobDepartureFastPath: func(ctx context.Context) (interface{}, error) {
			return s.lifecycle.RunFastPath(ctx)
		},
		JobPaymentReconcile: func(ctx context.Context) (interface{}, error) {
			n, err := s.payments.ReconcilePending(ctx)
			return map[string]int{"settled": n}, err
		},
		JobTicketRepair: func(ctx context.Context) (interface{}, error) {
			n, err := s.tickets.RepairMissing(ctx, 100)
			return map[string]int{"repaired": n}, err
		},
	}
}

// report must be called with s.mu held
func (s *CronService) report(job string) *JobReport {
	r, ok := s.reports[job]
	if !ok {
		r = &JobReport{}
		s.reports[job] = r
	}
	return r
}
