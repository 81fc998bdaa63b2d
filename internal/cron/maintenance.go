package cron

import (
	"context"
	"time"

	"github.com/basket/ccmob/internal/relay"
)

// Job names.
const (
	JobRequestSweep  = "request-sweep"
	JobViewerSweep   = "viewer-sweep"
	JobLimiterEvict  = "limiter-evict"
	limiterIdleScale = 2
)

// RequestSweeper expires and purges relay requests.
type RequestSweeper interface {
	Sweep() relay.SweepResult
}

// ViewerSweeper runs one websocket liveness pass.
type ViewerSweeper interface {
	Sweep() (probed, closed int)
}

// Evictor drops sources a limiter has not seen for maxIdle.
type Evictor interface {
	Name() string
	EvictIdle(maxIdle time.Duration) int
}

// TrackedLimiter pairs a limiter with its window.
type TrackedLimiter struct {
	Limiter Evictor
	Window  time.Duration
}

// Maintenance describes the relay's periodic work. Nil members are skipped.
type Maintenance struct {
	Requests       RequestSweeper
	RequestEvery   time.Duration
	Viewers        ViewerSweeper
	KeepaliveEvery time.Duration
	Limiters       []TrackedLimiter
}

// Jobs turns m into scheduler jobs. Limiter eviction runs once per the
// shortest limiter window and drops sources idle for two windows.
func (m Maintenance) Jobs() []Job {
	var jobs []Job
	if m.Requests != nil {
		jobs = append(jobs, Job{
			Name:  JobRequestSweep,
			Every: m.RequestEvery,
			Run:   func(context.Context) { m.Requests.Sweep() },
		})
	}
	if m.Viewers != nil {
		jobs = append(jobs, Job{
			Name:  JobViewerSweep,
			Every: m.KeepaliveEvery,
			Run:   func(context.Context) { m.Viewers.Sweep() },
		})
	}
	if len(m.Limiters) > 0 {
		every := m.Limiters[0].Window
		for _, l := range m.Limiters[1:] {
			every = min(every, l.Window)
		}
		limiters := m.Limiters
		jobs = append(jobs, Job{
			Name:  JobLimiterEvict,
			Every: every,
			Run: func(context.Context) {
				for _, l := range limiters {
					l.Limiter.EvictIdle(limiterIdleScale * l.Window)
				}
			},
		})
	}
	return jobs
}
