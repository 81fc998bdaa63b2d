package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay's metric instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	RequestsCreated  metric.Int64Counter
	RequestsResolved metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	WSConnections    metric.Int64UpDownCounter
	HTTPDuration     metric.Float64Histogram
}

// NewMetrics registers the relay's instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m    Metrics
		errs []error
	)
	track := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	m.RequestsCreated, err = meter.Int64Counter("ccmob.requests.created", metric.WithDescription("Requests accepted from the agent"))
	track(err)
	m.RequestsResolved, err = meter.Int64Counter("ccmob.requests.resolved", metric.WithDescription("Requests resolved, by actor"))
	track(err)
	m.RateLimitRejects, err = meter.Int64Counter("ccmob.ratelimit.rejects", metric.WithDescription("Calls rejected by a rate limiter"))
	track(err)
	m.WSConnections, err = meter.Int64UpDownCounter("ccmob.ws.connections", metric.WithDescription("Open viewer websocket connections"))
	track(err)
	m.HTTPDuration, err = meter.Float64Histogram("ccmob.http.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	track(err)

	if len(errs) > 0 {
		return nil, fmt.Errorf("register metrics: %w", errors.Join(errs...))
	}
	return &m, nil
}

func (m *Metrics) RequestCreated(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.RequestsCreated.Add(ctx, 1, metric.WithAttributes(AttrRequestKind.String(kind)))
}

func (m *Metrics) RequestResolved(ctx context.Context, kind, actor string) {
	if m == nil {
		return
	}
	m.RequestsResolved.Add(ctx, 1, metric.WithAttributes(
		AttrRequestKind.String(kind),
		AttrActor.String(actor),
	))
}

func (m *Metrics) RateLimited(ctx context.Context, limiter string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(AttrLimiter.String(limiter)))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.WSConnections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.WSConnections.Add(ctx, -1)
}

// RecordHTTP records one served HTTP request.
func (m *Metrics) RecordHTTP(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrRoute.String(route),
		AttrStatus.Int(status),
	))
}
