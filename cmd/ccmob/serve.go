package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/ccmob/internal/audit"
	"github.com/basket/ccmob/internal/bus"
	"github.com/basket/ccmob/internal/config"
	"github.com/basket/ccmob/internal/credential"
	"github.com/basket/ccmob/internal/cron"
	"github.com/basket/ccmob/internal/fanout"
	"github.com/basket/ccmob/internal/gateway"
	otelPkg "github.com/basket/ccmob/internal/otel"
	"github.com/basket/ccmob/internal/ratelimit"
	"github.com/basket/ccmob/internal/relay"
	"github.com/basket/ccmob/internal/telemetry"
)

const shutdownGrace = 5 * time.Second

type serveOptions struct {
	*rootOptions
	LAN      bool
	LogLevel string
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway on 127.0.0.1 (or every interface with --lan).

On first run a random access token is written to <home>/.env. Open the
printed link on your phone, or expose the port through a tunnel.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.LAN, "lan", false, "listen on every interface instead of loopback")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	return cmd
}

// stack is everything serve wires together, minus the listener.
type stack struct {
	cfg      config.Config
	creds    *credential.Manager
	bus      *bus.Bus
	registry *relay.Registry
	hub      *fanout.Hub
	gateway  *gateway.Server
	limiters []cron.TrackedLimiter
}

func buildStack(cfg config.Config, creds *credential.Manager, provider *otelPkg.Provider, metrics *otelPkg.Metrics, logger *slog.Logger) *stack {
	b := bus.New()
	reg := relay.New(relay.Config{Expiry: cfg.Expiry(), Bus: b, Metrics: metrics, Logger: logger})

	sessions := gateway.NewSessions(creds, cfg.SessionTTL(), nil)
	auth := gateway.NewAuthenticator(creds, sessions)
	source := func(r *http.Request) string { return ratelimit.ClientIP(r, cfg.TrustProxy) }

	apiLimiter := ratelimit.NewWindow(ratelimit.Config{
		Name: "api", Limit: cfg.APIRatePerMinute, Window: time.Minute, MaxSources: cfg.MaxTrackedSources,
	})
	createLimiter := ratelimit.NewWindow(ratelimit.Config{
		Name: "create", Limit: cfg.CreateRatePerMinute, Window: time.Minute, MaxSources: cfg.MaxTrackedSources,
	})
	wsLimiter := ratelimit.NewWindow(ratelimit.Config{
		Name: "ws", Limit: cfg.WSConnectPerMinute, Window: time.Minute, MaxSources: cfg.MaxTrackedSources,
	})
	authLimiter := ratelimit.NewBuckets(ratelimit.Config{
		Name: "auth", Limit: cfg.AuthRatePerMinute, Window: time.Minute, MaxSources: cfg.MaxTrackedSources,
	})

	hub := fanout.New(fanout.Config{
		Authenticate:    auth.AuthenticateAny,
		Generation:      creds.Generation,
		Pending:         reg.Pending,
		Limiter:         wsLimiter,
		Source:          source,
		AllowOrigins:    cfg.AllowOrigins,
		MaxMessageBytes: cfg.MaxWSMessageBytes,
		Metrics:         metrics,
		Logger:          logger,
	})

	srv := gateway.New(gateway.Config{
		Auth:          auth,
		Registry:      reg,
		Hub:           hub,
		Bus:           b,
		APILimiter:    apiLimiter,
		CreateLimiter: createLimiter,
		AuthLimiter:   authLimiter,
		TrustProxy:    cfg.TrustProxy,
		WaitTimeout:   cfg.WaitTimeout(),
		MaxBodyBytes:  cfg.MaxBodyBytes,
		AllowOrigins:  cfg.AllowOrigins,
		PublicDir:     cfg.PublicDir,
		Tracer:        provider.Tracer,
		Metrics:       metrics,
		Logger:        logger,
	})

	return &stack{
		cfg:      cfg,
		creds:    creds,
		bus:      b,
		registry: reg,
		hub:      hub,
		gateway:  srv,
		limiters: []cron.TrackedLimiter{
			{Limiter: apiLimiter, Window: time.Minute},
			{Limiter: createLimiter, Window: time.Minute},
			{Limiter: wsLimiter, Window: time.Minute},
			{Limiter: authLimiter, Window: time.Minute},
		},
	}
}

// maintenance lists the periodic jobs for s.
func (s *stack) maintenance() []cron.Job {
	return cron.Maintenance{
		Requests:       s.registry,
		RequestEvery:   s.cfg.SweepInterval(),
		Viewers:        s.hub,
		KeepaliveEvery: s.cfg.KeepaliveInterval(),
		Limiters:       s.limiters,
	}.Jobs()
}

func runServe(ctx context.Context, opts *serveOptions, stdout io.Writer) error {
	interactive := false
	if f, ok := stdout.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	home := opts.homeDir()

	// Audit first so every later startup failure is recorded.
	if err := audit.Init(home); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	creds, err := credential.Open(credential.Config{Path: config.CredentialPath(home)})
	if err != nil {
		fatalStartup(nil, "E_CREDENTIAL_INIT", err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := cfg.Apply(config.Overrides{Port: opts.Port, LAN: opts.LAN, LogLevel: opts.LogLevel}); err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) on a terminal so the banner stays readable.
	logger, closer, err := telemetry.NewLogger(home, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	creds.SetLogger(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", home, "fingerprint", cfg.Fingerprint())
	if cfg.LAN && len(cfg.AllowOrigins) == 0 {
		logger.Warn("LAN mode without allow_origins; browsers on other origins are limited to same-origin", "bind", cfg.Addr())
	}
	if cfg.LAN && cfg.TrustProxy {
		logger.Warn("LAN mode with trust_proxy; clients can pick their rate-limit source via X-Forwarded-For unless a proxy strips it", "bind", cfg.Addr())
	}

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	st := buildStack(cfg, creds, provider, metrics, logger)
	go st.hub.Run(ctx, st.bus)

	sched, err := cron.NewScheduler(cron.Config{Logger: logger, Jobs: st.maintenance()})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(logger, creds.Path())
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("credential watcher unavailable; external token edits need a restart", "error", err)
	} else {
		go watchCredentials(watcher, creds, st.bus, logger)
	}

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w: %s", err, portOccupantHint(addr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	// No read or write timeout: long polls stay open until resolution.
	httpSrv := &http.Server{
		Handler:           st.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	localURL := cfg.LocalURL()
	var lan string
	if cfg.LAN {
		lan = lanURL(cfg.Port)
	}
	logger.Info("gateway listening", "addr", ln.Addr().String(), "local_url", localURL, "lan_url", lan)
	audit.Record("runtime.startup", "ok", addr, Version)
	if interactive {
		fmt.Fprintln(stdout, renderBanner(bannerInfo{
			Version:  Version,
			LocalURL: localURL,
			LANURL:   lan,
			Token:    creds.Current(),
			Home:     home,
		}))
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", "error", err)
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("shutting down", "viewers", st.hub.Len(), "requests", st.registry.Len())
	st.hub.CloseAll(websocket.StatusGoingAway, "Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
		_ = httpSrv.Close()
	}
	audit.Record("runtime.shutdown", "ok", addr, "")
	return nil
}

// watchCredentials treats an external rewrite of the credential file as a
// rotation. The hub revokes stale viewers when the event reaches the bus.
func watchCredentials(w *config.Watcher, creds *credential.Manager, b *bus.Bus, logger *slog.Logger) {
	for ev := range w.Events() {
		changed, gen, err := creds.Reload()
		if err != nil {
			logger.Warn("credential reload failed", "path", ev.Path, "error", err)
			continue
		}
		if !changed {
			continue
		}
		b.Publish(bus.TopicCredentialRotated, bus.CredentialRotated{Generation: gen, Source: "file"})
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.startup", "fatal", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"ccmob","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("another process is using %s; stop it or pass --port", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if pids := strings.TrimSpace(string(out)); err == nil && pids != "" {
		pids = strings.ReplaceAll(pids, "\n", " ")
		return fmt.Sprintf("port %s is held by PID %s (kill %s), or pass --port", port, pids, pids)
	}
	return fmt.Sprintf("port %s is already in use; stop the other process or pass --port", port)
}

var execCommandFunc = exec.Command
