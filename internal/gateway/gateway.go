// Package gateway is the HTTP surface of the relay: credential exchange and
// rotation, request creation, the blocking wait, human decisions, listings,
// notifications, the websocket upgrade and the static viewer page.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/ccmob/internal/audit"
	"github.com/basket/ccmob/internal/bus"
	"github.com/basket/ccmob/internal/fanout"
	"github.com/basket/ccmob/internal/otel"
	"github.com/basket/ccmob/internal/ratelimit"
	"github.com/basket/ccmob/internal/relay"
	"github.com/basket/ccmob/internal/shared"
)

// Error bodies shared with clients.
const (
	MsgUnauthorized     = "Unauthorized"
	MsgInvalidToken     = "Invalid token"
	MsgTypePayload      = "type and payload required"
	MsgInvalidType      = "Invalid request type"
	MsgPayloadObject    = "payload must be an object"
	MsgDecisionRequired = "decision required"
	MsgRespondNotFound  = "Request not found or already resolved"
	MsgMessageRequired  = "message required"
	MsgWaitTimeout      = "Request timed out waiting for response"
	MsgRotated          = "Token rotated. Reconnect with new token."
	MsgBodyTooLarge     = "Request body too large"
	MsgInvalidJSON      = "Invalid JSON body"
	MsgInternal         = "Internal error"
)

const (
	errorTimeout      = "timeout"
	statusResolved    = "resolved"
	rotationSourceAPI = "api"
	unmatchedRoute    = "unmatched"
)

type Config struct {
	Auth     *Authenticator
	Registry *relay.Registry
	Hub      *fanout.Hub
	Bus      *bus.Bus

	// APILimiter applies to every /api/ route; CreateLimiter additionally
	// to request creation. AuthLimiter guards the token exchange. Any may
	// be nil.
	APILimiter    ratelimit.Limiter
	CreateLimiter ratelimit.Limiter
	AuthLimiter   ratelimit.Limiter

	// TrustProxy keys limits by the last X-Forwarded-For hop.
	TrustProxy bool
	// WaitTimeout bounds a single long-poll. Zero waits until resolution.
	WaitTimeout  time.Duration
	MaxBodyBytes int64
	AllowOrigins []string
	// PublicDir holds the viewer page. Empty disables static serving.
	PublicDir string

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{cfg: cfg}
}

// Source returns the rate-limit key of r.
func (s *Server) Source(r *http.Request) string {
	return ratelimit.ClientIP(r, s.cfg.TrustProxy)
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(SecurityHeaders)
	r.Use(NewCORSMiddleware(s.cfg.AllowOrigins))
	r.Use(RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes))

	r.With(s.limit(s.cfg.AuthLimiter)).Post("/auth", s.handleAuth)
	if s.cfg.Hub != nil {
		r.Handle("/ws", s.cfg.Hub)
	}

	requireAuth := s.cfg.Auth.Require
	r.Route("/api", func(r chi.Router) {
		r.Use(s.limit(s.cfg.APILimiter))
		r.Get("/health", s.handleHealth)
		r.With(requireAuth).Post("/rotate-token", s.handleRotate)
		r.With(s.limit(s.cfg.CreateLimiter), requireAuth).Post("/request", s.handleCreate)
		r.With(requireAuth).Get("/request/{id}/wait", s.handleWait)
		r.With(requireAuth).Post("/request/{id}/respond", s.handleRespond)
		r.With(requireAuth).Get("/requests", s.handleList)
		r.With(requireAuth).Post("/notify", s.handleNotify)
	})

	if s.cfg.PublicDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.PublicDir)))
	}
	return r
}

func (s *Server) limit(l ratelimit.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(l, s.cfg.Metrics, s.Source)
}

// observe wraps each request in a server span, records its duration and
// logs it at debug level.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.cfg.Now()
		source := s.Source(r)
		ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		traceID := shared.NewTraceID()
		if sc := span.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
		ctx = shared.WithCaller(ctx, shared.Caller{TraceID: traceID, Source: source})

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := unmatchedRoute
		if rctx := chi.RouteContext(ctx); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(otel.AttrRoute.String(route), otel.AttrStatus.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		elapsed := s.cfg.Now().Sub(start)
		if route != "/ws" {
			s.cfg.Metrics.RecordHTTP(ctx, route, status, elapsed)
		}
		s.cfg.Logger.DebugContext(ctx, "http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"source", source,
		)
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.cfg.Auth.creds.Verify(body.Token) {
		audit.RecordContext(r.Context(), "auth.exchange", "denied", s.Source(r), "")
		writeError(w, http.StatusUnauthorized, MsgInvalidToken)
		return
	}
	if !s.setSession(w, r) {
		return
	}
	audit.RecordContext(r.Context(), "auth.exchange", "ok", s.Source(r), "")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) setSession(w http.ResponseWriter, r *http.Request) bool {
	value, exp, err := s.cfg.Auth.sessions.Issue()
	if err != nil {
		s.cfg.Logger.ErrorContext(r.Context(), "issue session", "error", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return false
	}
	http.SetCookie(w, s.cfg.Auth.sessions.Cookie(value, exp, isSecure(r)))
	return true
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	_, gen, err := s.cfg.Auth.creds.Rotate()
	if err != nil {
		s.cfg.Logger.ErrorContext(r.Context(), "rotate token", "error", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}
	closed := 0
	if s.cfg.Hub != nil {
		closed = s.cfg.Hub.Revoke(gen)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicCredentialRotated, bus.CredentialRotated{Generation: gen, Source: rotationSourceAPI})
	}
	s.cfg.Logger.Info("token rotated via api", "generation", gen, "viewers_closed", closed)
	if !s.setSession(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": MsgRotated})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    relay.Kind      `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Type == "" || absent(body.Payload) {
		writeError(w, http.StatusBadRequest, MsgTypePayload)
		return
	}

	id, err := s.cfg.Registry.Create(body.Type, body.Payload)
	switch {
	case errors.Is(err, relay.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, MsgInvalidType)
		return
	case errors.Is(err, relay.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, MsgPayloadObject)
		return
	case err != nil:
		s.cfg.Logger.ErrorContext(r.Context(), "create request", "error", err)
		writeError(w, http.StatusInternalServerError, MsgInternal)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		otel.AttrRequestID.String(id),
		otel.AttrRequestKind.String(string(body.Type)),
	)
	if req, ok := s.cfg.Registry.Get(id); ok && s.cfg.Hub != nil {
		s.cfg.Hub.Broadcast(fanout.Event{Event: fanout.EventNewRequest, Data: req})
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	if s.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WaitTimeout)
		defer cancel()
	}

	resp, err := s.cfg.Registry.Wait(ctx, id)
	switch {
	case errors.Is(err, relay.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Request %s not found", id))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusRequestTimeout, map[string]string{
			"error":   errorTimeout,
			"message": MsgWaitTimeout,
		})
	case err != nil:
		s.cfg.Logger.Debug("wait abandoned", "request_id", id, "error", err)
	default:
		writeJSON(w, http.StatusOK, struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}{statusResolved, resp})
	}
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Decision json.RawMessage `json:"decision"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if relay.ValidateResponse(body.Decision) != nil {
		writeError(w, http.StatusBadRequest, MsgDecisionRequired)
		return
	}
	if !s.cfg.Registry.Respond(id, body.Decision) {
		writeError(w, http.StatusNotFound, MsgRespondNotFound)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrRequestID.String(id))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Pending []relay.Request `json:"pending"`
		All     []relay.Request `json:"all"`
	}{s.cfg.Registry.Pending(), s.cfg.Registry.All()})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Message == "" {
		writeError(w, http.StatusBadRequest, MsgMessageRequired)
		return
	}
	delivered := 0
	if s.cfg.Hub != nil {
		delivered = s.cfg.Hub.Notify(body.Message, s.cfg.Now())
	}
	s.cfg.Logger.Debug("notification sent", "viewers", delivered)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst zero.
// On failure the error response is already written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
		return false
	}
	writeError(w, http.StatusBadRequest, MsgInvalidJSON)
	return false
}

// absent reports whether a JSON value is missing or falsy.
func absent(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
