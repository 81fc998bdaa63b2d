// Package cron runs the relay's periodic maintenance: the request expiry
// sweep, the websocket liveness sweep and rate-limiter eviction.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// MinInterval is the finest interval the scheduler supports.
const MinInterval = time.Second

// Job is one periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler fires each job at its interval. A job still running when its
// next tick arrives is skipped for that tick, and a panicking job is logged
// without stopping the others.
type Scheduler struct {
	logger *slog.Logger
	jobs   []Job
	ids    []cronlib.EntryID
	cron   *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates the jobs and builds a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		logger: logger,
		jobs:   cfg.Jobs,
		cron: cronlib.New(
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}
	for _, job := range cfg.Jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("cron: job %q needs a name and a func", job.Name)
		}
		if job.Every < MinInterval {
			return nil, fmt.Errorf("cron: job %s interval %s below %s", job.Name, job.Every, MinInterval)
		}
		job := job
		id := s.cron.Schedule(cronlib.Every(job.Every), cronlib.FuncJob(func() {
			job.Run(s.context())
		}))
		s.ids = append(s.ids, id)
	}
	return s, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start begins firing jobs. Jobs receive a context that is cancelled by
// Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// RunNow runs every job once, synchronously, in declaration order.
func (s *Scheduler) RunNow(ctx context.Context) {
	for _, job := range s.jobs {
		job.Run(ctx)
	}
}

// Next reports when each job fires next. Before Start every job reports
// the zero time.
func (s *Scheduler) Next() map[string]time.Time {
	out := make(map[string]time.Time, len(s.jobs))
	for i, job := range s.jobs {
		out[job.Name] = s.cron.Entry(s.ids[i]).Next
	}
	return out
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
