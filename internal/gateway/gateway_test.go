package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/ccmob/internal/bus"
	"github.com/basket/ccmob/internal/credential"
	"github.com/basket/ccmob/internal/fanout"
	"github.com/basket/ccmob/internal/gateway"
	"github.com/basket/ccmob/internal/ratelimit"
	"github.com/basket/ccmob/internal/relay"
)

const gatewayTestToken = "gateway-test-token"

type testEnv struct {
	mu   sync.Mutex
	vars map[string]string
}

func (e *testEnv) Getenv(k string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vars[k]
}

func (e *testEnv) Setenv(k, v string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[k] = v
	return nil
}

type gatewayHarness struct {
	ts    *httptest.Server
	creds *credential.Manager
	reg   *relay.Registry
	hub   *fanout.Hub
	bus   *bus.Bus
}

func newGatewayHarness(t *testing.T, opts ...func(*gateway.Config)) *gatewayHarness {
	t.Helper()
	env := &testEnv{vars: map[string]string{credential.KeyAuthToken: gatewayTestToken}}
	creds, err := credential.Open(credential.Config{
		Path:   filepath.Join(t.TempDir(), credential.FileName),
		Getenv: env.Getenv,
		Setenv: env.Setenv,
	})
	if err != nil {
		t.Fatalf("open credentials: %v", err)
	}

	b := bus.New()
	reg := relay.New(relay.Config{Bus: b})
	sessions := gateway.NewSessions(creds, time.Hour, nil)
	auth := gateway.NewAuthenticator(creds, sessions)
	hub := fanout.New(fanout.Config{
		Authenticate: auth.AuthenticateAny,
		Generation:   creds.Generation,
		Pending:      reg.Pending,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, b)

	cfg := gateway.Config{
		Auth:     auth,
		Registry: reg,
		Hub:      hub,
		Bus:      b,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(func() {
		hub.CloseAll(websocket.StatusGoingAway, "test over")
		ts.Close()
		cancel()
	})

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not subscribe to the bus")
		}
		time.Sleep(time.Millisecond)
	}
	return &gatewayHarness{ts: ts, creds: creds, reg: reg, hub: hub, bus: b}
}

// call performs a request and returns the response with its body read.
func (h *gatewayHarness) call(t *testing.T, method, path, body string, mutate func(*http.Request)) (*http.Response, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, strings.TrimSpace(string(data))
}

func withHeaderToken(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(gateway.HeaderToken, token) }
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func (h *gatewayHarness) create(t *testing.T, kind, payload string) string {
	t.Helper()
	resp, body := h.call(t, http.MethodPost, "/api/request",
		`{"type":"`+kind+`","payload":`+payload+`}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status %d body %s", resp.StatusCode, body)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil || out.ID == "" {
		t.Fatalf("create: bad body %s (%v)", body, err)
	}
	return out.ID
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == gateway.SessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", gateway.SessionCookie)
	return nil
}

func (h *gatewayHarness) dial(t *testing.T, opts *websocket.DialOptions, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var ev wireEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func expectClose(t *testing.T, conn *websocket.Conn, code websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != code {
			t.Fatalf("expected close %d, got %d (%v)", code, got, err)
		}
		return
	}
}

func TestHealth_Unauthenticated(t *testing.T) {
	h := newGatewayHarness(t)
	resp, body := h.call(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body != `{"ok":true}` {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache-control = %q", got)
	}
}

func TestAuth_MissingAndWrongCredentialsLookTheSame(t *testing.T) {
	h := newGatewayHarness(t)
	cases := map[string]func(*http.Request){
		"none":         nil,
		"wrong query":  func(r *http.Request) { r.URL.RawQuery = "token=nope" },
		"wrong header": withHeaderToken("nope"),
		"junk cookie":  withCookie(&http.Cookie{Name: gateway.SessionCookie, Value: "junk"}),
		"raw token in cookie": withCookie(&http.Cookie{
			Name: gateway.SessionCookie, Value: gatewayTestToken,
		}),
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := h.call(t, http.MethodGet, "/api/requests", "", mutate)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			if body != `{"error":"Unauthorized"}` {
				t.Fatalf("body = %s", body)
			}
		})
	}
}

func TestAuth_FirstCarrierWins(t *testing.T) {
	h := newGatewayHarness(t)

	resp, _ := h.call(t, http.MethodGet, "/api/requests?token=wrong", "", withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong query with good header: status %d, want 401", resp.StatusCode)
	}
	resp, _ = h.call(t, http.MethodGet, "/api/requests?token="+gatewayTestToken, "", withHeaderToken("wrong"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good query with wrong header: status %d, want 200", resp.StatusCode)
	}
}

func TestExchange_WrongTokenIssuesNothing(t *testing.T) {
	h := newGatewayHarness(t)
	for _, body := range []string{`{"token":"nope"}`, `{}`, ""} {
		resp, got := h.call(t, http.MethodPost, "/auth", body, nil)
		if resp.StatusCode != http.StatusUnauthorized || got != `{"error":"Invalid token"}` {
			t.Fatalf("exchange %q: %d %s", body, resp.StatusCode, got)
		}
		if len(resp.Cookies()) != 0 {
			t.Fatalf("exchange %q set cookies: %v", body, resp.Cookies())
		}
	}
}

func TestExchange_CookieAloneAuthenticates(t *testing.T) {
	h := newGatewayHarness(t)
	resp, body := h.call(t, http.MethodPost, "/auth", `{"token":"`+gatewayTestToken+`"}`, nil)
	if resp.StatusCode != http.StatusOK || body != `{"ok":true}` {
		t.Fatalf("exchange: %d %s", resp.StatusCode, body)
	}
	c := sessionCookie(t, resp)
	if !c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Fatalf("cookie attributes: %+v", c)
	}
	if c.MaxAge != 3600 {
		t.Fatalf("MaxAge = %d, want 3600", c.MaxAge)
	}
	if c.Secure {
		t.Fatal("cookie must not be Secure over plain HTTP")
	}
	if strings.Contains(c.Value, gatewayTestToken) {
		t.Fatal("cookie carries the raw token")
	}

	resp, body = h.call(t, http.MethodGet, "/api/requests", "", withCookie(c))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requests with cookie: %d %s", resp.StatusCode, body)
	}
}

func TestExchange_SecureBehindHTTPSProxy(t *testing.T) {
	h := newGatewayHarness(t)
	resp, _ := h.call(t, http.MethodPost, "/auth", `{"token":"`+gatewayTestToken+`"}`, func(r *http.Request) {
		r.Header.Set("X-Forwarded-Proto", "https")
	})
	if c := sessionCookie(t, resp); !c.Secure {
		t.Fatal("cookie should be Secure when forwarded over https")
	}
}

// A permission request is created, waited on, answered once, and a second
// answer is refused.
func TestScenario_PermissionRoundTrip(t *testing.T) {
	h := newGatewayHarness(t)
	id := h.create(t, "permission", `{"tool_name":"Bash","tool_input":{"command":"ls"}}`)

	type waitResult struct {
		status int
		body   string
	}
	done := make(chan waitResult, 1)
	go func() {
		resp, body := h.call(t, http.MethodGet, "/api/request/"+id+"/wait", "", withHeaderToken(gatewayTestToken))
		done <- waitResult{resp.StatusCode, body}
	}()

	resp, body := h.call(t, http.MethodPost, "/api/request/"+id+"/respond",
		`{"decision":{"behavior":"allow"}}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK || body != `{"ok":true}` {
		t.Fatalf("respond: %d %s", resp.StatusCode, body)
	}

	select {
	case got := <-done:
		if got.status != http.StatusOK {
			t.Fatalf("wait: %d %s", got.status, got.body)
		}
		var out struct {
			Status   string            `json:"status"`
			Response map[string]string `json:"response"`
		}
		if err := json.Unmarshal([]byte(got.body), &out); err != nil {
			t.Fatalf("decode wait: %v", err)
		}
		if out.Status != "resolved" || out.Response["behavior"] != "allow" {
			t.Fatalf("wait body = %s", got.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("wait did not return after respond")
	}

	resp, body = h.call(t, http.MethodPost, "/api/request/"+id+"/respond",
		`{"decision":{"behavior":"deny"}}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusNotFound || body != `{"error":"Request not found or already resolved"}` {
		t.Fatalf("second respond: %d %s", resp.StatusCode, body)
	}
	req, _ := h.reg.Get(id)
	if string(req.Response) != `{"behavior":"allow"}` {
		t.Fatalf("stored response = %s", req.Response)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newGatewayHarness(t)
	cases := []struct {
		name   string
		body   string
		status int
		want   string
	}{
		{"missing type", `{"payload":{}}`, 400, `{"error":"type and payload required"}`},
		{"missing payload", `{"type":"question"}`, 400, `{"error":"type and payload required"}`},
		{"null payload", `{"type":"question","payload":null}`, 400, `{"error":"type and payload required"}`},
		{"unknown type", `{"type":"other","payload":{}}`, 400, `{"error":"Invalid request type"}`},
		{"string payload", `{"type":"question","payload":"hi"}`, 400, `{"error":"payload must be an object"}`},
		{"malformed", `{"type":`, 400, `{"error":"Invalid JSON body"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := h.call(t, http.MethodPost, "/api/request", tc.body, withHeaderToken(gatewayTestToken))
			if resp.StatusCode != tc.status || body != tc.want {
				t.Fatalf("got %d %s, want %d %s", resp.StatusCode, body, tc.status, tc.want)
			}
		})
	}
	if n := h.reg.Len(); n != 0 {
		t.Fatalf("rejected creates stored %d requests", n)
	}
}

func TestCreate_BodyTooLarge(t *testing.T) {
	h := newGatewayHarness(t, func(c *gateway.Config) { c.MaxBodyBytes = 64 })
	payload := `{"text":"` + strings.Repeat("x", 200) + `"}`
	resp, body := h.call(t, http.MethodPost, "/api/request",
		`{"type":"question","payload":`+payload+`}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body %s, want 413", resp.StatusCode, body)
	}
}

func TestRespond_DecisionRequired(t *testing.T) {
	h := newGatewayHarness(t)
	id := h.create(t, "question", `{"question":"?"}`)
	for _, body := range []string{`{}`, `{"decision":null}`, `{"decision":""}`} {
		resp, got := h.call(t, http.MethodPost, "/api/request/"+id+"/respond", body, withHeaderToken(gatewayTestToken))
		if resp.StatusCode != http.StatusBadRequest || got != `{"error":"decision required"}` {
			t.Fatalf("respond %s: %d %s", body, resp.StatusCode, got)
		}
	}
	if req, _ := h.reg.Get(id); req.Resolved() {
		t.Fatal("invalid decisions must leave the request pending")
	}
}

func TestWait_UnknownID(t *testing.T) {
	h := newGatewayHarness(t)
	resp, body := h.call(t, http.MethodGet, "/api/request/missing/wait", "", withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(body, "missing") {
		t.Fatalf("wait unknown: %d %s", resp.StatusCode, body)
	}
}

func TestWait_TimeoutLeavesRequestPending(t *testing.T) {
	h := newGatewayHarness(t, func(c *gateway.Config) { c.WaitTimeout = 30 * time.Millisecond })
	id := h.create(t, "question", `{"question":"?"}`)

	resp, body := h.call(t, http.MethodGet, "/api/request/"+id+"/wait", "", withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
	if body != `{"error":"timeout","message":"Request timed out waiting for response"}` {
		t.Fatalf("body = %s", body)
	}
	if req, _ := h.reg.Get(id); req.Resolved() {
		t.Fatal("a timed out wait must not resolve the request")
	}
}

func TestList_PendingAndAll(t *testing.T) {
	h := newGatewayHarness(t)
	first := h.create(t, "question", `{"n":1}`)
	second := h.create(t, "question", `{"n":2}`)
	if !h.reg.Respond(first, json.RawMessage(`{"answer":"yes"}`)) {
		t.Fatal("respond first")
	}

	resp, body := h.call(t, http.MethodGet, "/api/requests", "", withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Pending []relay.Request `json:"pending"`
		All     []relay.Request `json:"all"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Pending) != 1 || out.Pending[0].ID != second {
		t.Fatalf("pending = %+v", out.Pending)
	}
	if len(out.All) != 2 || out.All[0].ID != second || out.All[1].ID != first {
		t.Fatalf("all not newest first: %+v", out.All)
	}
}

// Viewers see a created request once and its resolution exactly once.
func TestViewer_SeesNewRequestAndSingleResolution(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t, nil, "?token="+gatewayTestToken)
	if ev := readEvent(t, conn); ev.Event != fanout.EventInit {
		t.Fatalf("first event = %s", ev.Event)
	}

	id := h.create(t, "permission", `{"tool_name":"Edit"}`)
	ev := readEvent(t, conn)
	if ev.Event != fanout.EventNewRequest {
		t.Fatalf("event = %s, want new_request", ev.Event)
	}
	var created relay.Request
	if err := json.Unmarshal(ev.Data, &created); err != nil || created.ID != id {
		t.Fatalf("new_request data = %s (%v)", ev.Data, err)
	}

	resp, _ := h.call(t, http.MethodPost, "/api/request/"+id+"/respond", `{"decision":{"behavior":"allow"}}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond: %d", resp.StatusCode)
	}
	if ev := readEvent(t, conn); ev.Event != fanout.EventResolved {
		t.Fatalf("event = %s, want resolved", ev.Event)
	}

	// A notification sent afterwards must be the very next event.
	resp, _ = h.call(t, http.MethodPost, "/api/notify", `{"message":"done"}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("notify: %d", resp.StatusCode)
	}
	ev = readEvent(t, conn)
	if ev.Event != fanout.EventNotification {
		t.Fatalf("event = %s, want notification (duplicate resolved?)", ev.Event)
	}
	var note fanout.Notification
	if err := json.Unmarshal(ev.Data, &note); err != nil || note.Message != "done" || note.Timestamp == 0 {
		t.Fatalf("notification data = %s (%v)", ev.Data, err)
	}
}

func TestNotify_RequiresMessage(t *testing.T) {
	h := newGatewayHarness(t)
	resp, body := h.call(t, http.MethodPost, "/api/notify", `{}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusBadRequest || body != `{"error":"message required"}` {
		t.Fatalf("notify: %d %s", resp.StatusCode, body)
	}
}

func TestViewer_CookieSession(t *testing.T) {
	h := newGatewayHarness(t)
	resp, _ := h.call(t, http.MethodPost, "/auth", `{"token":"`+gatewayTestToken+`"}`, nil)
	c := sessionCookie(t, resp)

	conn := h.dial(t, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{c.Name + "=" + c.Value}},
	}, "")
	if ev := readEvent(t, conn); ev.Event != fanout.EventInit {
		t.Fatalf("first event = %s, want init", ev.Event)
	}
}

// Rotation closes open viewers with 4002 and retires the old token and
// every session derived from it.
func TestScenario_RotationRevokesEverything(t *testing.T) {
	h := newGatewayHarness(t)

	resp, _ := h.call(t, http.MethodPost, "/auth", `{"token":"`+gatewayTestToken+`"}`, nil)
	oldCookie := sessionCookie(t, resp)
	conn := h.dial(t, nil, "?token="+gatewayTestToken)
	readEvent(t, conn)

	resp, body := h.call(t, http.MethodPost, "/api/rotate-token", "", withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate: %d %s", resp.StatusCode, body)
	}
	if body != `{"message":"Token rotated. Reconnect with new token.","ok":true}` {
		t.Fatalf("rotate body = %s", body)
	}
	newCookie := sessionCookie(t, resp)
	expectClose(t, conn, fanout.CloseTokenRotated)

	newToken, gen := h.creds.Snapshot()
	if newToken == gatewayTestToken || gen != 2 {
		t.Fatalf("token not rotated: gen %d", gen)
	}

	if resp, _ := h.call(t, http.MethodGet, "/api/requests", "", withHeaderToken(gatewayTestToken)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token: status %d, want 401", resp.StatusCode)
	}
	if resp, _ := h.call(t, http.MethodGet, "/api/requests", "", withCookie(oldCookie)); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old cookie: status %d, want 401", resp.StatusCode)
	}
	if resp, _ := h.call(t, http.MethodGet, "/api/requests", "", withCookie(newCookie)); resp.StatusCode != http.StatusOK {
		t.Fatalf("re-issued cookie: status %d, want 200", resp.StatusCode)
	}
	if resp, _ := h.call(t, http.MethodGet, "/api/requests", "", withHeaderToken(newToken)); resp.StatusCode != http.StatusOK {
		t.Fatalf("new token: status %d, want 200", resp.StatusCode)
	}
}

func TestCreate_RateLimitedBeforeAuth(t *testing.T) {
	limiter := ratelimit.NewWindow(ratelimit.Config{Name: "create", Limit: 2, Window: time.Minute})
	h := newGatewayHarness(t, func(c *gateway.Config) { c.CreateLimiter = limiter })

	for i := 0; i < 2; i++ {
		resp, _ := h.call(t, http.MethodPost, "/api/request", `{"type":"question","payload":{}}`, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d, want 401", i, resp.StatusCode)
		}
	}
	resp, body := h.call(t, http.MethodPost, "/api/request", `{"type":"question","payload":{}}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if body != `{"error":"`+ratelimit.TooManyRequests+`"}` {
		t.Fatalf("body = %s", body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}

	// Other routes are unaffected by the creation limit.
	if resp, _ := h.call(t, http.MethodGet, "/api/requests", "", withHeaderToken(gatewayTestToken)); resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
}

func TestAPILimiter_CoversHealth(t *testing.T) {
	limiter := ratelimit.NewWindow(ratelimit.Config{Name: "api", Limit: 1, Window: time.Minute})
	h := newGatewayHarness(t, func(c *gateway.Config) { c.APILimiter = limiter })

	if resp, _ := h.call(t, http.MethodGet, "/api/health", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first: %d", resp.StatusCode)
	}
	resp, _ := h.call(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second: %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("RateLimit-Limit") != "1" {
		t.Fatalf("RateLimit-Limit = %q", resp.Header.Get("RateLimit-Limit"))
	}
}

func TestStatic_ServedWithoutAuth(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>viewer</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newGatewayHarness(t, func(c *gateway.Config) { c.PublicDir = dir })

	resp, body := h.call(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusOK || body != "<h1>viewer</h1>" {
		t.Fatalf("index: %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers missing on static files")
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Ten creations per source per minute, counted over any 60s rather than
// refilled, so spreading the calls out does not buy an eleventh.
func TestScenario_EleventhCreateWithinMinuteRejected(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewWindow(ratelimit.Config{Name: "create", Limit: 10, Window: time.Minute, Now: clock.Now})
	h := newGatewayHarness(t, func(c *gateway.Config) { c.CreateLimiter = limiter })

	for i := 1; i <= 10; i++ {
		h.create(t, "question", `{"question":"q"}`)
		clock.Advance(5500 * time.Millisecond)
	}

	resp, body := h.call(t, http.MethodPost, "/api/request", `{"type":"question","payload":{}}`, withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th create after 55s: status %d body %s, want 429", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Retry-After"); got != "5" {
		t.Fatalf("Retry-After = %q, want 5", got)
	}

	clock.Advance(5 * time.Second)
	h.create(t, "question", `{"question":"after the window"}`)
}

func TestViewer_StaleQueryTokenWithFreshCookie(t *testing.T) {
	h := newGatewayHarness(t)

	resp, body := h.call(t, http.MethodPost, "/api/rotate-token", "", withHeaderToken(gatewayTestToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate: %d %s", resp.StatusCode, body)
	}
	fresh := sessionCookie(t, resp)

	conn := h.dial(t, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{fresh.Name + "=" + fresh.Value}},
	}, "?token="+gatewayTestToken)
	if ev := readEvent(t, conn); ev.Event != fanout.EventInit {
		t.Fatalf("first event = %s, want init", ev.Event)
	}

	// HTTP routes still judge only the first carrier.
	resp, _ = h.call(t, http.MethodGet, "/api/requests?token="+gatewayTestToken, "", withCookie(fresh))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale query with fresh cookie over HTTP: status %d, want 401", resp.StatusCode)
	}
}

func TestViewer_AllCarriersWrongIsRejected(t *testing.T) {
	h := newGatewayHarness(t)
	conn := h.dial(t, &websocket.DialOptions{
		HTTPHeader: http.Header{"Cookie": []string{gateway.SessionCookie + "=junk"}},
	}, "?token=nope")
	expectClose(t, conn, fanout.CloseUnauthorized)
}

func TestExchange_AuthLimiter(t *testing.T) {
	limiter := ratelimit.NewBuckets(ratelimit.Config{Name: "auth", Limit: 2, Window: time.Minute})
	h := newGatewayHarness(t, func(c *gateway.Config) { c.AuthLimiter = limiter })

	for i := 0; i < 2; i++ {
		if resp, _ := h.call(t, http.MethodPost, "/auth", `{"token":"guess"}`, nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("guess %d: status %d, want 401", i, resp.StatusCode)
		}
	}
	resp, _ := h.call(t, http.MethodPost, "/auth", `{"token":"`+gatewayTestToken+`"}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third exchange: status %d, want 429", resp.StatusCode)
	}
	if len(resp.Cookies()) != 0 {
		t.Fatal("rate-limited exchange issued a session")
	}
}
