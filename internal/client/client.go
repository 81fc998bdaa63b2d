// Package client is a typed HTTP client for the relay gateway, used by the
// MCP adapter and the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/ccmob/internal/otel"
	"github.com/basket/ccmob/internal/relay"
)

// Client talks to one gateway with one token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Leave its Timeout unset
// if WaitForResponse is used; long polls are bounded by their context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTracer emits a client span per call.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client targeting baseURL (e.g. "http://127.0.0.1:3456").
// When token is non-empty it is sent on every call.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		tracer:     nooptrace.NewTracerProvider().Tracer(otel.ScopeName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the gateway address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health reports whether the gateway answers. It needs no token.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return errors.New("gateway reported not ok")
	}
	return nil
}

// CreateRequest files a request and returns its id.
func (c *Client) CreateRequest(ctx context.Context, kind relay.Kind, payload any) (string, error) {
	body := struct {
		Type    relay.Kind `json:"type"`
		Payload any        `json:"payload"`
	}{kind, payload}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/request", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// WaitForResponse blocks until the request is resolved and returns the
// recorded response.
func (c *Client) WaitForResponse(ctx context.Context, id string) (json.RawMessage, error) {
	var resp struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/request/"+url.PathEscape(id)+"/wait", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// Respond records a decision for a pending request.
func (c *Client) Respond(ctx context.Context, id string, decision any) error {
	body := map[string]any{"decision": decision}
	return c.doJSON(ctx, http.MethodPost, "/api/request/"+url.PathEscape(id)+"/respond", body, nil)
}

// Listing is the body of GET /api/requests.
type Listing struct {
	Pending []relay.Request `json:"pending"`
	All     []relay.Request `json:"all"`
}

// ListRequests returns pending requests oldest first and every request
// newest first.
func (c *Client) ListRequests(ctx context.Context) (*Listing, error) {
	var resp Listing
	if err := c.doJSON(ctx, http.MethodGet, "/api/requests", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Notify pushes a one-way message to every connected viewer.
func (c *Client) Notify(ctx context.Context, message string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/notify", map[string]string{"message": message}, nil)
}

// RotateToken asks the gateway to rotate the shared token. The new token is
// not returned over the wire; read it from the credential file.
func (c *Client) RotateToken(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/rotate-token", nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// APIError represents an error response from the gateway.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsNotFound reports an unknown or already resolved request.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsTimeout reports a long poll the gateway gave up on.
func IsTimeout(err error) bool { return statusOf(err) == http.StatusRequestTimeout }

// IsUnauthorized reports a missing, wrong or rotated token.
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsRateLimited reports a 429.
func IsRateLimited(err error) bool { return statusOf(err) == http.StatusTooManyRequests }

// doJSON performs an HTTP request with optional JSON body and decodes the
// JSON response. If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	ctx, span := otel.StartClientSpan(ctx, c.tracer, method+" "+routeOf(path))
	defer span.End()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(otel.AttrStatus.Int(resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg := errResp.Error
			if errResp.Message != "" {
				msg += ": " + errResp.Message
			}
			return &APIError{StatusCode: resp.StatusCode, Message: msg}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// routeOf replaces request ids in path so span names stay low-cardinality.
func routeOf(path string) string {
	const prefix = "/api/request/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{id}" + rest[i:]
	}
	return path
}
