// Package credential owns the relay's single shared access token: loading
// it from the per-installation key=value file, generating it on first run
// and rotating it.
package credential

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"

	"github.com/basket/ccmob/internal/audit"
)

const (
	// KeyAuthToken is the key holding the access token.
	KeyAuthToken = "AUTH_TOKEN"
	// FileName is the credential file's name inside the relay home.
	FileName = ".env"
	// TokenBytes is the entropy of a generated token. Its hex form is
	// twice as long.
	TokenBytes = 24
)

// Config wires a Manager. Only Path is required.
type Config struct {
	Path   string
	Getenv func(string) string
	Setenv func(key, value string) error
	Rand   io.Reader
	Logger *slog.Logger
}

// Manager holds the current token. It is safe for concurrent use.
type Manager struct {
	path   string
	getenv func(string) string
	setenv func(string, string) error
	rand   io.Reader
	logger *slog.Logger

	// writeMu serialises file rewrites.
	writeMu sync.Mutex

	mu         sync.RWMutex
	token      string
	generation uint64
	pinned     bool
}

// Open loads the credential file, applies its keys to the environment
// without overriding values already set there, and establishes the current
// token. A missing file is created with a freshly generated token.
func Open(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("credential: path is required")
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Setenv == nil {
		cfg.Setenv = os.Setenv
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		path:       cfg.Path,
		getenv:     cfg.Getenv,
		setenv:     cfg.Setenv,
		rand:       cfg.Rand,
		logger:     cfg.Logger,
		generation: 1,
	}

	pinned := strings.TrimSpace(m.getenv(KeyAuthToken)) != ""

	f, err := readEnvFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	for _, key := range f.Keys() {
		if m.getenv(key) != "" {
			continue
		}
		val, _ := f.Get(key)
		if err := m.setenv(key, val); err != nil {
			return nil, fmt.Errorf("apply %s: %w", key, err)
		}
	}

	token := strings.TrimSpace(m.getenv(KeyAuthToken))
	if token == "" {
		token, err = m.generate()
		if err != nil {
			return nil, err
		}
		if err := m.persist(token); err != nil {
			return nil, err
		}
		m.logger.Info("auth token generated", "path", m.path)
	}

	m.token = token
	m.pinned = pinned
	return m, nil
}

// SetLogger replaces the logger given to Open. Call it before the Manager
// is shared.
func (m *Manager) SetLogger(l *slog.Logger) {
	if l != nil {
		m.logger = l
	}
}

// Path returns the credential file location.
func (m *Manager) Path() string { return m.path }

// Current returns the token in force.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Generation counts rotations since the process started, starting at 1.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Snapshot returns the current token together with its generation, read
// under one lock.
func (m *Manager) Snapshot() (string, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, m.generation
}

// Verify reports whether candidate equals the current token. The comparison
// takes constant time for equal-length inputs.
func (m *Manager) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}
	cur := m.Current()
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(cur)) == 1
}

// Rotate generates a new token, rewrites the file atomically and makes the
// new token current. The caller is responsible for closing sessions that
// depended on the old token.
func (m *Manager) Rotate() (string, uint64, error) {
	token, err := m.generate()
	if err != nil {
		return "", 0, err
	}
	if err := m.persist(token); err != nil {
		return "", 0, err
	}

	m.mu.Lock()
	m.token = token
	m.generation++
	m.pinned = false
	gen := m.generation
	m.mu.Unlock()

	if err := m.setenv(KeyAuthToken, token); err != nil {
		m.logger.Warn("auth token env update failed", "error", err)
	}
	audit.Record("token.rotate", "ok", m.path, fmt.Sprintf("generation=%d", gen))
	m.logger.Info("auth token rotated", "generation", gen)
	return token, gen, nil
}

// Reload rereads the file after an external change. It reports true when
// the stored token differed from the current one and has been adopted,
// which callers treat as a rotation. A token pinned by the environment is
// never replaced.
func (m *Manager) Reload() (bool, uint64, error) {
	f, err := readEnvFile(m.path)
	if err != nil {
		return false, 0, fmt.Errorf("read credential file: %w", err)
	}
	token, _ := f.Get(KeyAuthToken)
	token = strings.TrimSpace(token)

	m.mu.Lock()
	if m.pinned || token == "" || token == m.token {
		gen := m.generation
		m.mu.Unlock()
		return false, gen, nil
	}
	m.token = token
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	if err := m.setenv(KeyAuthToken, token); err != nil {
		m.logger.Warn("auth token env update failed", "error", err)
	}
	audit.Record("token.rotate", "ok", m.path, fmt.Sprintf("generation=%d source=file", gen))
	m.logger.Info("auth token reloaded from file", "generation", gen)
	return true, gen, nil
}

func (m *Manager) generate() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(m.rand, buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// persist rewrites the token line, keeping every other line intact.
func (m *Manager) persist(token string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	f, err := readEnvFile(m.path)
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}
	f.Set(KeyAuthToken, token)
	if err := atomicwriter.WriteFile(m.path, f.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}
