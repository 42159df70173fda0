// Package scheduling runs the periodic background jobs of the updates client.
package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// JobName represents the name of a periodic job.
type JobName string

// JobCheckForUpdate periodically asks the server for a newer update.
const JobCheckForUpdate JobName = "check-for-update"

// JobFunc represents the type of function that executes a scheduled job.
type JobFunc func(context.Context) error

// ErrInvalidCronTab is returned when an invalid crontab expression is provided.
var ErrInvalidCronTab = errors.New("invalid crontab expression")

// ErrUnknownJob is returned when referring to a job that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler represents a background job scheduler.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[JobName]uuid.UUID
	scheduler gocron.Scheduler
}

// NewScheduler creates a new Scheduler.
func NewScheduler(options ...gocron.SchedulerOption) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(options...)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		jobs:      map[JobName]uuid.UUID{},
		scheduler: scheduler,
	}, nil
}

// RegisterJob registers a job in the Scheduler.
//
// If the job does not exist, it is created. If it already exists, it is updated.
// A job still running when its next run is due is rescheduled rather than run twice.
func (s *Scheduler) RegisterJob(name JobName, crontab string, jobFunc JobFunc) error {
	err := gocron.NewDefaultCron(false).IsValid(crontab, time.UTC, time.Now())
	if err != nil {
		return ErrInvalidCronTab
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	definition := gocron.CronJob(crontab, false)
	task := gocron.NewTask(wrapJob(name, jobFunc))
	options := []gocron.JobOption{
		gocron.WithName(string(name)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}

	id, ok := s.jobs[name]
	if ok {
		_, err = s.scheduler.Update(id, definition, task, options...)

		return err
	}

	job, err := s.scheduler.NewJob(definition, task, options...)
	if err != nil {
		return err
	}

	s.jobs[name] = job.ID()

	return nil
}

// RemoveJob unregisters a job.
func (s *Scheduler) RemoveJob(name JobName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.jobs[name]
	if !ok {
		return ErrUnknownJob
	}

	err := s.scheduler.RemoveJob(id)
	if err != nil {
		return err
	}

	delete(s.jobs, name)

	return nil
}

// NextRun returns when a job will run next.
func (s *Scheduler) NextRun(name JobName) (time.Time, error) {
	job, err := s.job(name)
	if err != nil {
		return time.Time{}, err
	}

	return job.NextRun()
}

// RunNow runs a job immediately, outside of its schedule.
func (s *Scheduler) RunNow(name JobName) error {
	job, err := s.job(name)
	if err != nil {
		return err
	}

	return job.RunNow()
}

func (s *Scheduler) job(name JobName) (gocron.Job, error) {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()

	if !ok {
		return nil, ErrUnknownJob
	}

	for _, job := range s.scheduler.Jobs() {
		if job.ID() == id {
			return job, nil
		}
	}

	return nil, ErrUnknownJob
}

// Start starts the scheduler and its registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown shuts down the scheduler and its registered jobs.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

func wrapJob(name JobName, jobFunc JobFunc) func(context.Context) {
	return func(ctx context.Context) {
		select {
		// If the context is already cancelled, don't start the job.
		case <-ctx.Done():
			return

		default:
			slog.InfoContext(ctx, "Executing periodic job", slog.String("job", string(name)))

			start := time.Now()

			err := jobFunc(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "Error running periodic job", slog.String("job", string(name)), slog.Any("error", err))

				return
			}

			slog.DebugContext(ctx, "Periodic job completed", slog.String("job", string(name)), slog.Duration("duration", time.Since(start)))
		}
	}
}
