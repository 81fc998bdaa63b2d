package cron_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/ccmob/internal/cron"
	"github.com/basket/ccmob/internal/ratelimit"
	"github.com/basket/ccmob/internal/relay"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_FiresAtInterval(t *testing.T) {
	var runs atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name:  "count",
		Every: time.Second,
		Run:   func(context.Context) { runs.Add(1) },
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if next := sched.Next()["count"]; !next.IsZero() {
		t.Fatalf("next before start = %v, want zero", next)
	}

	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
	if next := sched.Next()["count"]; next.IsZero() {
		t.Fatal("next run should be known once started")
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan error, 1)
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{
		Name:  "block",
		Every: time.Second,
		Run: func(ctx context.Context) {
			select {
			case started <- struct{}{}:
			default:
				return
			}
			<-ctx.Done()
			finished <- ctx.Err()
		},
	}}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	sched.Stop()

	select {
	case err := <-finished:
		if err == nil {
			t.Fatal("job context should be cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("job did not observe cancellation")
	}
}

func TestScheduler_RejectsBadJobs(t *testing.T) {
	cases := map[string]cron.Job{
		"no name":     {Every: time.Second, Run: func(context.Context) {}},
		"no func":     {Name: "x", Every: time.Second},
		"sub-second":  {Name: "x", Every: 10 * time.Millisecond, Run: func(context.Context) {}},
		"no interval": {Name: "x", Run: func(context.Context) {}},
	}
	for name, job := range cases {
		if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{job}}); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestScheduler_PanickingJobDoesNotStopOthers(t *testing.T) {
	var healthy atomic.Int32
	sched, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{
		{Name: "boom", Every: time.Second, Run: func(context.Context) { panic("boom") }},
		{Name: "ok", Every: time.Second, Run: func(context.Context) { healthy.Add(1) }},
	}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 4*time.Second, func() bool { return healthy.Load() >= 2 })
}

type fakeViewers struct{ sweeps atomic.Int32 }

func (f *fakeViewers) Sweep() (int, int) {
	f.sweeps.Add(1)
	return 0, 0
}

func TestMaintenance_JobsDriveSweepsAndEviction(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	reg := relay.New(relay.Config{Expiry: time.Minute, Now: clock})
	id, err := reg.Create(relay.KindPermission, json.RawMessage(`{"tool_name":"Bash"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	limiter := ratelimit.NewBuckets(ratelimit.Config{Name: "api", Limit: 5, Window: time.Minute, Now: clock})
	limiter.Allow("10.0.0.1")
	viewers := &fakeViewers{}

	jobs := cron.Maintenance{
		Requests:       reg,
		RequestEvery:   time.Minute,
		Viewers:        viewers,
		KeepaliveEvery: 30 * time.Second,
		Limiters:       []cron.TrackedLimiter{{Limiter: limiter, Window: time.Minute}},
	}.Jobs()
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	sched, err := cron.NewScheduler(cron.Config{Jobs: jobs})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	now = now.Add(3 * time.Minute)
	sched.RunNow(context.Background())

	req, ok := reg.Get(id)
	if !ok || !req.Resolved() {
		t.Fatalf("request should be expired by the sweep: %+v", req)
	}
	if viewers.sweeps.Load() != 1 {
		t.Fatalf("viewer sweeps = %d, want 1", viewers.sweeps.Load())
	}
	if limiter.Len() != 0 {
		t.Fatalf("limiter still tracks %d sources", limiter.Len())
	}
}

func TestMaintenance_SkipsMissingParts(t *testing.T) {
	if jobs := (cron.Maintenance{}).Jobs(); len(jobs) != 0 {
		t.Fatalf("got %d jobs, want none", len(jobs))
	}
}
