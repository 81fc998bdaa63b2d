// Package mcp exposes the relay to agents as an MCP server over stdio. The
// single tool, ask_user, files a question with the gateway and blocks until
// the human answers on their phone.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ServerName and ServerVersion are reported by initialize.
const (
	ServerName    = "cc-mob"
	ServerVersion = "1.0.0"
)

// Config wires a Server. Relay is required.
type Config struct {
	Relay  Relay
	Logger *slog.Logger
}

// Server answers JSON-RPC requests from one agent. Tool calls run
// concurrently so pings and cancellations are served while a question is
// outstanding.
type Server struct {
	logger  *slog.Logger
	askUser *askUser

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("mcp: relay is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tool, err := newAskUser(cfg.Relay)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:   cfg.Logger,
		askUser:  tool,
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// Serve handles messages until the input ends or ctx is done. Outstanding
// tool calls are cancelled and awaited before it returns. End of input is
// not an error.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	for {
		msg, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		s.handle(ctx, t, msg)
	}
}

func (s *Server) handle(ctx context.Context, t Transport, msg json.RawMessage) {
	var req jsonRPCRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.reply(ctx, t, json.RawMessage("null"), nil, &jsonRPCError{Code: ErrCodeParse, Message: "parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.isNotification() {
			s.reply(ctx, t, req.ID, nil, &jsonRPCError{Code: ErrCodeInvalidRequest, Message: "invalid request"})
		}
		return
	}

	if req.isNotification() {
		s.notification(req)
		return
	}

	switch req.Method {
	case "initialize":
		var p initializeParams
		_ = json.Unmarshal(req.Params, &p)
		s.logger.Info("mcp session started", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version)
		s.reply(ctx, t, req.ID, initializeResult{
			ProtocolVersion: negotiateVersion(p.ProtocolVersion),
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: ServerName, Version: ServerVersion},
		}, nil)
	case "ping":
		s.reply(ctx, t, req.ID, struct{}{}, nil)
	case "tools/list":
		s.reply(ctx, t, req.ID, map[string][]Tool{"tools": {s.askUser.tool()}}, nil)
	case "tools/call":
		s.toolsCall(ctx, t, req)
	default:
		s.reply(ctx, t, req.ID, nil, &jsonRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method})
	}
}

func (s *Server) notification(req jsonRPCRequest) {
	switch req.Method {
	case "notifications/cancelled":
		var p cancelledParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return
		}
		s.mu.Lock()
		cancel, ok := s.inflight[string(p.RequestID)]
		s.mu.Unlock()
		if ok {
			s.logger.Info("mcp call cancelled by client", "request", string(p.RequestID))
			cancel()
		}
	default:
		s.logger.Debug("mcp notification", "method", req.Method)
	}
}

func (s *Server) toolsCall(ctx context.Context, t Transport, req jsonRPCRequest) {
	var p toolsCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.reply(ctx, t, req.ID, nil, &jsonRPCError{Code: ErrCodeInvalidParams, Message: "invalid params"})
		return
	}
	if p.Name != AskUserTool {
		s.reply(ctx, t, req.ID, nil, &jsonRPCError{Code: ErrCodeInvalidParams, Message: "unknown tool: " + p.Name})
		return
	}
	if err := s.askUser.validate(p.Arguments); err != nil {
		s.reply(ctx, t, req.ID, nil, &jsonRPCError{
			Code:    ErrCodeInvalidParams,
			Message: "invalid arguments for " + AskUserTool,
			Data:    err.Error(),
		})
		return
	}

	callCtx, cancel := context.WithCancel(ctx)
	key := string(req.ID)
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			cancel()
		}()
		result := s.askUser.call(callCtx, p.Arguments)
		if callCtx.Err() != nil && ctx.Err() == nil {
			// Cancelled by the client: no reply is expected.
			return
		}
		s.reply(ctx, t, req.ID, result, nil)
	}()
}

func (s *Server) reply(ctx context.Context, t Transport, id json.RawMessage, result any, rpcErr *jsonRPCError) {
	resp := jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	b, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}
	if err := t.Send(ctx, b); err != nil {
		s.logger.Warn("mcp: send response", "error", err)
	}
}
