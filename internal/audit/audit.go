// Package audit appends security-relevant events (auth decisions, rate
// limiting, token rotation, request resolution) to logs/audit.jsonl under
// the relay home. Recording before Init, or after Close, is a no-op.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/ccmob/internal/shared"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// Log is an append-only audit sink.
type Log struct {
	mu  sync.Mutex
	out io.WriteCloser
	now func() time.Time
}

// Open appends to logs/audit.jsonl under homeDir, creating it 0600.
func Open(homeDir string) (*Log, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{out: f, now: time.Now}, nil
}

// Write scrubs secrets from e's subject and detail and appends it. The
// trace id of the request in ctx, if any, is attached.
func (l *Log) Write(ctx context.Context, e Entry) {
	e.Subject = shared.Redact(e.Subject)
	e.Detail = shared.Redact(e.Detail)
	if c, ok := shared.CallerFrom(ctx); ok {
		e.TraceID = c.TraceID
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = l.out.Write(append(line, '\n'))
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return nil
	}
	err := l.out.Close()
	l.out = nil
	return err
}

var (
	stdMu sync.Mutex
	std   *Log
)

// Init opens the process-wide log used by Record. A second Init while open
// is a no-op.
func Init(homeDir string) error {
	stdMu.Lock()
	defer stdMu.Unlock()
	if std != nil {
		return nil
	}
	l, err := Open(homeDir)
	if err != nil {
		return err
	}
	std = l
	return nil
}

// Close closes the process-wide log.
func Close() error {
	stdMu.Lock()
	l := std
	std = nil
	stdMu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// Record appends one event to the process-wide log.
func Record(action, outcome, subject, detail string) {
	RecordContext(context.Background(), action, outcome, subject, detail)
}

// RecordContext is Record for events raised while serving a request.
func RecordContext(ctx context.Context, action, outcome, subject, detail string) {
	stdMu.Lock()
	l := std
	stdMu.Unlock()
	if l == nil {
		return
	}
	l.Write(ctx, Entry{Action: action, Outcome: outcome, Subject: subject, Detail: detail})
}
