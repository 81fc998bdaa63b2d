package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/ccmob/internal/audit"
	"github.com/basket/ccmob/internal/bus"
	"github.com/basket/ccmob/internal/otel"
	"github.com/google/uuid"
)

// DefaultExpiry is how long a request may stay pending before the sweep
// resolves it with a default answer.
const DefaultExpiry = 24 * time.Hour

// Config wires a Registry to its collaborators. Bus, Metrics and Logger may
// be nil.
type Config struct {
	Expiry  time.Duration
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type entry struct {
	req  Request
	seq  uint64
	done chan struct{} // closed exactly once, on resolution
}

// Registry is the table of outstanding and recently resolved requests.
// All mutation goes through Create, Respond and Sweep.
type Registry struct {
	expiry  time.Duration
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	nextSeq uint64
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		expiry:  cfg.Expiry,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Now,
		entries: make(map[string]*entry),
	}
}

// Create stores a new pending request and returns its id.
func (r *Registry) Create(kind Kind, payload json.RawMessage) (string, error) {
	if !kind.Valid() {
		return "", &ValidationError{Field: "type", Err: ErrInvalidKind}
	}
	if err := ValidatePayload(payload); err != nil {
		return "", err
	}

	id := uuid.NewString()
	e := &entry{
		req: Request{
			ID:        id,
			Kind:      kind,
			Payload:   append(json.RawMessage(nil), payload...),
			Status:    StatusPending,
			CreatedAt: r.now(),
		},
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.nextSeq++
	e.seq = r.nextSeq
	r.entries[id] = e
	r.mu.Unlock()

	r.metrics.RequestCreated(context.Background(), string(kind))
	r.logger.Info("request created", "request_id", id, "kind", kind)
	return id, nil
}

// Get returns a snapshot of the request with the given id.
func (r *Registry) Get(id string) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Wait blocks until the request is resolved and returns its response.
// It returns immediately for an already resolved request and ErrNotFound
// for an unknown id. There is no internal timeout: callers bound the wait
// through ctx, and abandoning a wait leaves the request untouched.
func (r *Registry) Wait(ctx context.Context, id string) (json.RawMessage, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return e.req.Response, nil
}

// Respond resolves a pending request with a human decision. It reports
// false, without side effects, when the id is unknown or already resolved.
func (r *Registry) Respond(id string, response json.RawMessage) bool {
	if ValidateResponse(response) != nil {
		return false
	}
	snapshot, ok := r.resolve(id, append(json.RawMessage(nil), response...))
	if !ok {
		return false
	}
	r.announce(snapshot, ActorHuman)
	return true
}

// resolve performs the single pending -> resolved transition for id.
func (r *Registry) resolve(id string, response json.RawMessage) (Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.req.Status != StatusPending {
		return Request{}, false
	}
	r.resolveLocked(e, response)
	return e.req, true
}

func (r *Registry) resolveLocked(e *entry, response json.RawMessage) {
	e.req.Status = StatusResolved
	e.req.Response = response
	e.req.ResolvedAt = r.now()
	close(e.done)
}

// announce publishes a resolution. Every transition, whoever caused it,
// passes through here exactly once.
func (r *Registry) announce(req Request, actor Actor) {
	r.metrics.RequestResolved(context.Background(), string(req.Kind), string(actor))
	audit.Record("request.resolved", string(actor), req.ID, string(req.Kind))
	r.logger.Info("request resolved", "request_id", req.ID, "kind", req.Kind, "actor", actor)
	if r.bus != nil {
		r.bus.Publish(bus.TopicRequestResolved, req)
	}
}

// Pending returns the pending requests, oldest first.
func (r *Registry) Pending() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.req.Status == StatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return snapshots(out)
}

// All returns every request in the table, most recently created first.
func (r *Registry) All() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].req.CreatedAt.Equal(out[j].req.CreatedAt) {
			return out[i].req.CreatedAt.After(out[j].req.CreatedAt)
		}
		return out[i].seq > out[j].seq
	})
	return snapshots(out)
}

// Len returns the number of entries currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Expired int
	Purged  int
}

// Sweep auto-resolves pending requests older than the expiry window and
// deletes resolved requests whose resolution is older than the window.
// An entry is never deleted in the same sweep that resolves it.
func (r *Registry) Sweep() SweepResult {
	now := r.now()
	var expired []Request
	var res SweepResult

	r.mu.Lock()
	for id, e := range r.entries {
		switch e.req.Status {
		case StatusPending:
			if now.Sub(e.req.CreatedAt) > r.expiry {
				r.resolveLocked(e, expiredResponse(e.req.Kind))
				expired = append(expired, e.req)
			}
		case StatusResolved:
			if now.Sub(e.req.ResolvedAt) > r.expiry {
				delete(r.entries, id)
				res.Purged++
			}
		}
	}
	r.mu.Unlock()

	for _, req := range expired {
		r.announce(req, ActorExpiry)
	}
	res.Expired = len(expired)
	if res.Expired > 0 || res.Purged > 0 {
		r.logger.Info("request sweep", "expired", res.Expired, "purged", res.Purged, "remaining", r.Len())
	}
	return res
}

func snapshots(entries []*entry) []Request {
	out := make([]Request, len(entries))
	for i, e := range entries {
		out[i] = e.req
	}
	return out
}
