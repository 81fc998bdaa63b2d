// Package fanout pushes relay events to every connected viewer over
// websockets. Delivery is best effort: a viewer that cannot keep up misses
// events and recovers from the init snapshot on reconnect.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/ccmob/internal/audit"
	"github.com/basket/ccmob/internal/bus"
	"github.com/basket/ccmob/internal/otel"
	"github.com/basket/ccmob/internal/ratelimit"
	"github.com/basket/ccmob/internal/relay"
)

// Close codes sent to viewers.
const (
	CloseUnauthorized       websocket.StatusCode = 4001
	CloseTokenRotated       websocket.StatusCode = 4002
	CloseTooManyConnections websocket.StatusCode = 4003
)

// Event names of the server-to-viewer envelope.
const (
	EventInit         = "init"
	EventNewRequest   = "new_request"
	EventResolved     = "resolved"
	EventNotification = "notification"
	EventPong         = "pong"
)

// Event is the envelope every viewer message is wrapped in.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Notification is the data of a notification event.
type Notification struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type initData struct {
	Pending []relay.Request `json:"pending"`
}

const (
	defaultSendBuffer = 32
	resolvedBuffer    = 1024
	writeTimeout      = 10 * time.Second
	pingTimeout       = 10 * time.Second
)

// Config wires a Hub. Authenticate, Pending and Generation are required.
type Config struct {
	// Authenticate reports whether the upgrade request carries the current
	// credential. Any valid carrier should be enough.
	Authenticate func(*http.Request) bool
	// Generation returns the current credential generation.
	Generation func() uint64
	// Pending returns the snapshot sent to a newly joined viewer.
	Pending func() []relay.Request
	// Limiter bounds connection attempts per source. Optional.
	Limiter ratelimit.Limiter
	// Source keys a request for Limiter.
	Source          func(*http.Request) string
	AllowOrigins    []string
	MaxMessageBytes int64
	SendBuffer      int
	Metrics         *otel.Metrics
	Logger          *slog.Logger
}

// Hub owns the set of live viewer connections.
type Hub struct {
	cfg Config

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	source string
	gen    uint64
	send   chan []byte
	alive  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Source == nil {
		cfg.Source = func(r *http.Request) string { return ratelimit.ClientIP(r, false) }
	}
	return &Hub{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves one viewer until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowOrigins,
	})
	if err != nil {
		h.cfg.Logger.Debug("ws: accept failed", "error", err)
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	source := h.cfg.Source(r)
	if h.cfg.Limiter != nil {
		if d := h.cfg.Limiter.Allow(source); !d.Allowed {
			h.cfg.Metrics.RateLimited(r.Context(), h.cfg.Limiter.Name())
			audit.Record("ws.connect", "rate_limited", source, "")
			_ = conn.Close(CloseTooManyConnections, "Too many connections")
			return
		}
	}

	gen := h.cfg.Generation()
	if !h.cfg.Authenticate(r) {
		audit.Record("ws.connect", "denied", source, "")
		_ = conn.Close(CloseUnauthorized, "Unauthorized")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		source: source,
		gen:    gen,
		send:   make(chan []byte, h.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.alive.Store(true)

	if !h.attach(c) {
		c.close(CloseTokenRotated, "Token rotated")
		return
	}
	h.cfg.Logger.Info("ws: viewer connected", "source", source, "viewers", h.Len())

	go c.writeLoop(h.cfg.Logger)
	h.readLoop(c)

	if h.detach(c) {
		h.cfg.Logger.Info("ws: viewer disconnected", "source", source, "viewers", h.Len())
	}
	c.close(websocket.StatusNormalClosure, "")
}

// attach adds c to the set and queues its init snapshot ahead of any
// broadcast. It refuses a client authenticated under a superseded
// credential.
func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.gen != h.cfg.Generation() {
		return false
	}
	pending := h.cfg.Pending()
	if pending == nil {
		pending = []relay.Request{}
	}
	data, err := json.Marshal(Event{Event: EventInit, Data: initData{Pending: pending}})
	if err != nil {
		return false
	}
	c.send <- data
	h.clients[c] = struct{}{}
	h.cfg.Metrics.ConnectionOpened(c.ctx)
	return true
}

func (h *Hub) detach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	h.cfg.Metrics.ConnectionClosed(context.Background())
	return true
}

type clientMessage struct {
	Type string `json:"type"`
}

func (h *Hub) readLoop(c *client) {
	pong, _ := json.Marshal(Event{Event: EventPong})
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.alive.Store(true)
		var msg clientMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			c.enqueue(pong)
		}
	}
}

// Broadcast sends ev to every viewer whose queue has room and returns how
// many accepted it.
func (h *Hub) Broadcast(ev Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.cfg.Logger.Error("ws: broadcast encode failed", "event", ev.Event, "error", err)
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for c := range h.clients {
		if c.enqueue(data) {
			sent++
		}
	}
	h.cfg.Logger.Debug("ws: broadcast", "event", ev.Event, "viewers", len(h.clients), "sent", sent)
	return sent
}

// Notify broadcasts a notification event.
func (h *Hub) Notify(message string, at time.Time) int {
	return h.Broadcast(Event{Event: EventNotification, Data: Notification{
		Message:   message,
		Timestamp: at.UnixMilli(),
	}})
}

// Sweep runs one liveness pass. A viewer that sent nothing and answered no
// probe since the previous pass is closed; every other viewer is marked
// unconfirmed and probed.
func (h *Hub) Sweep() (probed, closed int) {
	h.mu.Lock()
	var dead []*client
	var live []*client
	for c := range h.clients {
		if !c.alive.Load() {
			delete(h.clients, c)
			h.cfg.Metrics.ConnectionClosed(context.Background())
			dead = append(dead, c)
			continue
		}
		c.alive.Store(false)
		live = append(live, c)
	}
	h.mu.Unlock()

	for _, c := range dead {
		c.terminate()
	}
	for _, c := range live {
		go c.probe()
	}
	if len(dead) > 0 {
		h.cfg.Logger.Info("ws: closed unresponsive viewers", "closed", len(dead), "viewers", h.Len())
	}
	return len(live), len(dead)
}

// Revoke closes every viewer authenticated under a generation older than
// gen and removes it from the set.
func (h *Hub) Revoke(gen uint64) int {
	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		if c.gen < gen {
			delete(h.clients, c)
			h.cfg.Metrics.ConnectionClosed(context.Background())
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		go c.close(CloseTokenRotated, "Token rotated")
	}
	if len(stale) > 0 {
		h.cfg.Logger.Info("ws: viewers closed after rotation", "closed", len(stale), "generation", gen)
	}
	return len(stale)
}

// CloseAll closes every viewer, for shutdown.
func (h *Hub) CloseAll(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		delete(h.clients, c)
		h.cfg.Metrics.ConnectionClosed(context.Background())
		all = append(all, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close(code, reason)
		}()
	}
	wg.Wait()
}

// Len returns the number of live viewers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run relays bus events to viewers until ctx is done: resolutions are
// broadcast and credential rotations revoke stale viewers.
func (h *Hub) Run(ctx context.Context, b *bus.Bus) {
	resolved := b.Subscribe(bus.TopicRequestResolved, bus.WithBuffer(resolvedBuffer))
	rotated := b.Subscribe(bus.TopicCredentialRotated)
	defer b.Unsubscribe(resolved)
	defer b.Unsubscribe(rotated)

	var reportedDrops uint64

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-resolved.Ch():
			if !ok {
				return
			}
			if req, ok := ev.Payload.(relay.Request); ok {
				h.Broadcast(Event{Event: EventResolved, Data: req})
			}
			if n := resolved.Dropped(); n > reportedDrops {
				h.cfg.Logger.Warn("ws: resolved events dropped", "count", n-reportedDrops)
				reportedDrops = n
			}
		case ev, ok := <-rotated.Ch():
			if !ok {
				return
			}
			if rot, ok := ev.Payload.(bus.CredentialRotated); ok {
				h.Revoke(rot.Generation)
			}
		}
	}
}

// enqueue queues data without blocking. It reports false when the viewer's
// queue is full or the viewer is closing.
func (c *client) enqueue(data []byte) bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Debug("ws: write failed", "source", c.source, "error", err)
				c.terminate()
				return
			}
		}
	}
}

func (c *client) probe() {
	ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
	defer cancel()
	if err := c.conn.Ping(ctx); err == nil {
		c.alive.Store(true)
	}
}

// close performs a close handshake with code once.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(code, reason)
		c.cancel()
	})
}

// terminate drops the connection without a handshake.
func (c *client) terminate() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.CloseNow()
	})
}
