// Package relay holds the in-memory table of requests awaiting a human
// decision. Producers create requests and block on Wait; whoever resolves a
// request first (a human via Respond, or the expiry sweep) wins, wakes every
// waiter and publishes a resolution event on the bus.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed category of a request.
type Kind string

const (
	KindPermission   Kind = "permission"
	KindQuestion     Kind = "question"
	KindNotification Kind = "notification"
)

// Kinds lists every accepted kind.
var Kinds = []Kind{KindPermission, KindQuestion, KindNotification}

// Valid reports whether k is one of the closed set of kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPermission, KindQuestion, KindNotification:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a request. The only transition is
// pending -> resolved.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Actor names who resolved a request.
type Actor string

const (
	ActorHuman  Actor = "human"
	ActorExpiry Actor = "expiry"
)

var (
	// ErrNotFound is returned for ids unknown to the registry.
	ErrNotFound = errors.New("request not found")
	// ErrInvalidKind rejects kinds outside the closed set.
	ErrInvalidKind = errors.New("invalid request type")
	// ErrInvalidPayload rejects payloads that are not a JSON object or array.
	ErrInvalidPayload = errors.New("payload must be an object")
	// ErrInvalidResponse rejects empty or null responses.
	ErrInvalidResponse = errors.New("response must not be null")
)

// Request is an immutable snapshot of a registry entry.
type Request struct {
	ID         string
	Kind       Kind
	Payload    json.RawMessage
	Status     Status
	Response   json.RawMessage // nil until resolved
	CreatedAt  time.Time
	ResolvedAt time.Time // zero until resolved
}

// Resolved reports whether the request has left the pending state.
func (r Request) Resolved() bool { return r.Status == StatusResolved }

// wireRequest is the JSON shape consumed by the browser UI and the MCP
// adapter: camelCase keys and millisecond epoch timestamps.
type wireRequest struct {
	ID         string          `json:"id"`
	Type       Kind            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Response   json.RawMessage `json:"response"`
	CreatedAt  int64           `json:"createdAt"`
	ResolvedAt *int64          `json:"resolvedAt"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	w := wireRequest{
		ID:        r.ID,
		Type:      r.Kind,
		Payload:   r.Payload,
		Status:    r.Status,
		Response:  r.Response,
		CreatedAt: r.CreatedAt.UnixMilli(),
	}
	if w.Response == nil {
		w.Response = json.RawMessage("null")
	}
	if !r.ResolvedAt.IsZero() {
		ms := r.ResolvedAt.UnixMilli()
		w.ResolvedAt = &ms
	}
	return json.Marshal(w)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Request{
		ID:        w.ID,
		Kind:      w.Type,
		Payload:   w.Payload,
		Status:    w.Status,
		CreatedAt: time.UnixMilli(w.CreatedAt),
	}
	if !isNull(w.Response) {
		r.Response = w.Response
	}
	if w.ResolvedAt != nil {
		r.ResolvedAt = time.UnixMilli(*w.ResolvedAt)
	}
	return nil
}

// ValidationError describes a create or respond call rejected before it
// reached the table.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidatePayload checks that raw is a structured (object or array) JSON value.
func ValidatePayload(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') || !json.Valid(trimmed) {
		return &ValidationError{Field: "payload", Err: ErrInvalidPayload}
	}
	return nil
}

// ValidateResponse checks that raw carries a decision. Absent, null, false,
// zero and empty-string values are treated as missing.
func ValidateResponse(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "false", "0", `""`:
		return &ValidationError{Field: "decision", Err: ErrInvalidResponse}
	}
	if !json.Valid(trimmed) {
		return &ValidationError{Field: "decision", Err: ErrInvalidResponse}
	}
	return nil
}

// expiredResponse is the default decision recorded by the sweep.
func expiredResponse(kind Kind) json.RawMessage {
	if kind == KindPermission {
		return json.RawMessage(`{"decision":"deny","reason":"Expired"}`)
	}
	return json.RawMessage(`{"answer":"No response (expired)"}`)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}
