package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries newline-delimited JSON-RPC messages.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

type line struct {
	msg []byte
	err error
}

// StdioTransport serves MCP over a reader and writer, normally the
// process's stdin and stdout. One goroutine owns the reader so a cancelled
// Receive never loses a message.
type StdioTransport struct {
	out   io.Writer
	lines chan line

	mu     sync.Mutex
	closed bool
}

// NewStdioTransport starts reading r. Blank lines are skipped.
func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	t := &StdioTransport{out: w, lines: make(chan line)}
	go t.readLoop(bufio.NewReader(r))
	return t
}

func (t *StdioTransport) readLoop(r *bufio.Reader) {
	for {
		raw, err := r.ReadBytes('\n')
		if msg := bytes.TrimSpace(raw); len(msg) > 0 {
			t.lines <- line{msg: msg}
		}
		if err != nil {
			t.lines <- line{err: err}
			close(t.lines)
			return
		}
	}
}

// Send writes one message followed by a newline.
func (t *StdioTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	buf := make([]byte, 0, len(msg)+1)
	buf = append(append(buf, msg...), '\n')
	if _, err := t.out.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive blocks until a message arrives, the input ends (io.EOF) or ctx
// is done.
func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l, ok := <-t.lines:
		if !ok {
			return nil, io.EOF
		}
		if l.err != nil {
			return nil, l.err
		}
		return json.RawMessage(l.msg), nil
	}
}

// Close stops further sends. The reader ends with its input.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
