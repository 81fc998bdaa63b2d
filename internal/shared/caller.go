// Package shared holds request-scoped values and secret scrubbing used by
// the gateway, the audit log and the logger.
package shared

import (
	"context"

	"github.com/google/uuid"
)

const noTraceID = "-"

// Caller identifies who an inbound gateway request came from.
type Caller struct {
	TraceID string
	// Source is the client address as resolved by the gateway, honouring
	// trust_proxy.
	Source string
}

type callerKey struct{}

// WithCaller attaches c to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx, if any.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// TraceID returns the caller's trace id, or "-" outside a request.
func TraceID(ctx context.Context) string {
	if c, ok := CallerFrom(ctx); ok && c.TraceID != "" {
		return c.TraceID
	}
	return noTraceID
}

func NewTraceID() string {
	return uuid.NewString()
}
