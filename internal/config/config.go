// Package config resolves the relay's settings: built-in defaults, then
// <home>/config.yaml, then environment variables. CLI flags are applied by
// the caller on top of the loaded value.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/ccmob/internal/otel"
)

const (
	DefaultPort     = 3456
	loopbackHost    = "127.0.0.1"
	allInterfaces   = "0.0.0.0"
	credentialFile  = ".env"
	configFile      = "config.yaml"
	defaultLogLevel = "info"
)

// Config is the explicit settings object handed to every component.
type Config struct {
	HomeDir string `yaml:"-"`

	Port     int    `yaml:"port"`
	LAN      bool   `yaml:"lan"`
	BindHost string `yaml:"bind_host"`

	SessionTTLSeconds        int `yaml:"session_ttl_seconds"`
	ExpirySeconds            int `yaml:"expiry_seconds"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`
	KeepaliveIntervalSeconds int `yaml:"keepalive_interval_seconds"`
	// WaitTimeoutSeconds bounds a single long-poll; 0 means no bound.
	WaitTimeoutSeconds int `yaml:"wait_timeout_seconds"`

	APIRatePerMinute    int  `yaml:"api_rate_per_minute"`
	CreateRatePerMinute int  `yaml:"create_rate_per_minute"`
	WSConnectPerMinute  int  `yaml:"ws_connect_per_minute"`
	AuthRatePerMinute   int  `yaml:"auth_rate_per_minute"`
	MaxTrackedSources   int  `yaml:"max_tracked_sources"`
	// TrustProxy keys limits on the last X-Forwarded-For hop. Unless set
	// explicitly it is off in LAN mode, where no proxy fronts the relay.
	TrustProxy    bool `yaml:"trust_proxy"`
	trustProxySet bool

	AllowOrigins      []string `yaml:"allow_origins"`
	PublicDir         string   `yaml:"public_dir"`
	LogLevel          string   `yaml:"log_level"`
	MaxBodyBytes      int64    `yaml:"max_body_bytes"`
	MaxWSMessageBytes int64    `yaml:"max_ws_message_bytes"`

	OTel otel.Config `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		Port:                     DefaultPort,
		SessionTTLSeconds:        int((24 * time.Hour).Seconds()),
		ExpirySeconds:            int((24 * time.Hour).Seconds()),
		SweepIntervalSeconds:     60,
		KeepaliveIntervalSeconds: 30,
		APIRatePerMinute:         30,
		CreateRatePerMinute:      10,
		WSConnectPerMinute:       10,
		AuthRatePerMinute:        10,
		MaxTrackedSources:        10000,
		TrustProxy:               true,
		LogLevel:                 defaultLogLevel,
		MaxBodyBytes:             16 << 10,
		MaxWSMessageBytes:        64 << 10,
	}
}

// Default returns the built-in settings rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

// HomeDir returns the per-installation directory, ~/.cc-mob unless
// CC_MOB_HOME overrides it.
func HomeDir() string {
	if override := os.Getenv("CC_MOB_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cc-mob")
}

// CredentialPath is the key=value file holding the access token.
func CredentialPath(homeDir string) string {
	return filepath.Join(homeDir, credentialFile)
}

// Load reads settings for homeDir. A missing config.yaml is not an error.
// The credential file should be loaded first so its keys are visible as
// environment overrides.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(homeDir, configFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		var explicit struct {
			TrustProxy *bool `yaml:"trust_proxy"`
		}
		if err := yaml.Unmarshal(data, &explicit); err == nil && explicit.TrustProxy != nil {
			cfg.trustProxySet = true
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	envInt("PORT", &cfg.Port)
	if os.Getenv("LAN") == "1" {
		cfg.LAN = true
	}
	envInt("SESSION_TTL", &cfg.SessionTTLSeconds)
	envInt("CC_MOB_EXPIRY_SECONDS", &cfg.ExpirySeconds)
	envInt("CC_MOB_WAIT_TIMEOUT_SECONDS", &cfg.WaitTimeoutSeconds)
	if raw := os.Getenv("CC_MOB_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CC_MOB_TRUST_PROXY"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.TrustProxy = v
			cfg.trustProxySet = true
		}
	}
	if raw := os.Getenv("CC_MOB_PUBLIC_DIR"); raw != "" {
		cfg.PublicDir = raw
	}
	if raw := os.Getenv("CC_MOB_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = nil
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}
}

func envInt(key string, dst *int) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			*dst = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindHost == "" {
		cfg.BindHost = loopbackHost
		if cfg.LAN {
			cfg.BindHost = allInterfaces
		}
	}
	if cfg.LAN && !cfg.trustProxySet {
		cfg.TrustProxy = false
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.PublicDir == "" && cfg.HomeDir != "" {
		cfg.PublicDir = filepath.Join(cfg.HomeDir, "public")
	}
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
	}
	positive := map[string]int{
		"session_ttl_seconds":        c.SessionTTLSeconds,
		"expiry_seconds":             c.ExpirySeconds,
		"sweep_interval_seconds":     c.SweepIntervalSeconds,
		"keepalive_interval_seconds": c.KeepaliveIntervalSeconds,
		"api_rate_per_minute":        c.APIRatePerMinute,
		"create_rate_per_minute":     c.CreateRatePerMinute,
		"ws_connect_per_minute":      c.WSConnectPerMinute,
		"auth_rate_per_minute":       c.AuthRatePerMinute,
		"max_tracked_sources":        c.MaxTrackedSources,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, positive[name]))
		}
	}
	if c.WaitTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("wait_timeout_seconds must not be negative"))
	}
	if c.MaxBodyBytes <= 0 || c.MaxWSMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("body and message limits must be positive"))
	}
	if err := c.OTel.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Overrides are command-line settings layered over a loaded Config. Zero
// values leave the loaded setting alone.
type Overrides struct {
	Port     int
	LAN      bool
	LogLevel string
}

// Apply layers o over c and revalidates. Turning LAN on moves a loopback
// bind to all interfaces and turns off an implicit trust_proxy; explicit
// settings are kept.
func (c *Config) Apply(o Overrides) error {
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LAN && !c.LAN {
		c.LAN = true
		if c.BindHost == loopbackHost {
			c.BindHost = allInterfaces
		}
		if !c.trustProxySet {
			c.TrustProxy = false
		}
	}
	return c.Validate()
}

// TrustProxyExplicit reports whether trust_proxy came from config.yaml or
// CC_MOB_TRUST_PROXY rather than the default.
func (c Config) TrustProxyExplicit() bool {
	return c.trustProxySet
}

// LocalURL is the base URL local tools use to reach the gateway.
func (c Config) LocalURL() string {
	host := c.BindHost
	if host == "" || host == allInterfaces || host == "::" {
		host = loopbackHost
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.Port))
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c Config) Expiry() time.Duration {
	return time.Duration(c.ExpirySeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSeconds) * time.Second
}

func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the effective settings, logged at
// startup so two runs can be compared.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "addr=%s|ttl=%d|expiry=%d|sweep=%d|keepalive=%d|rates=%d/%d/%d/%d|proxy=%t|origins=%v|log=%s",
		c.Addr(), c.SessionTTLSeconds, c.ExpirySeconds, c.SweepIntervalSeconds, c.KeepaliveIntervalSeconds,
		c.APIRatePerMinute, c.CreateRatePerMinute, c.WSConnectPerMinute, c.AuthRatePerMinute, c.TrustProxy, c.AllowOrigins, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
