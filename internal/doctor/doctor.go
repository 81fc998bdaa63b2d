// Package doctor runs local diagnostics for a relay installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/ccmob/internal/config"
	"github.com/basket/ccmob/internal/credential"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

const probeTimeout = 2 * time.Second

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// Run executes every check against cfg. A nil cfg (settings failed to load)
// fails the config check and skips the rest.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCredential,
		checkPermissions,
		checkViewer,
		checkPort,
		checkLAN,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Invalid settings", Detail: err.Error()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkCredential(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credential", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.CredentialPath(cfg.HomeDir)
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: "Credential", Status: StatusWarn, Message: "No credential file yet", Detail: "It is created on the first `ccmob serve`."}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return CheckResult{Name: "Credential", Status: StatusFail, Message: fmt.Sprintf("Unreadable: %v", err)}
	}
	token := ""
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), credential.KeyAuthToken+"="); ok {
			token = strings.TrimSpace(v)
		}
	}
	switch {
	case token == "":
		return CheckResult{Name: "Credential", Status: StatusWarn, Message: credential.KeyAuthToken + " missing", Detail: "A new token is generated on the next start."}
	case len(token) < 2*credential.TokenBytes:
		return CheckResult{Name: "Credential", Status: StatusWarn, Message: fmt.Sprintf("Token is only %d characters", len(token)), Detail: "Run `ccmob token rotate` for a full-strength token."}
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o077 != 0 {
		return CheckResult{
			Name:    "Credential",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is readable by other users (%#o)", path, info.Mode().Perm()),
			Detail:  "chmod 600 " + path,
		}
	}
	return CheckResult{Name: "Credential", Status: StatusPass, Message: "Token present and private"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkViewer(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.PublicDir == "" {
		return CheckResult{Name: "Viewer", Status: StatusSkip, Message: "Static serving disabled"}
	}
	index := filepath.Join(cfg.PublicDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		return CheckResult{
			Name:    "Viewer",
			Status:  StatusWarn,
			Message: "No viewer page",
			Detail:  "Place the phone UI at " + index,
		}
	}
	return CheckResult{Name: "Viewer", Status: StatusPass, Message: "Serving " + cfg.PublicDir}
}

// checkPort passes when the port is free or already held by a relay.
func checkPort(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Port", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err == nil {
		ln.Close()
		return CheckResult{Name: "Port", Status: StatusPass, Message: cfg.Addr() + " is free"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, _ := http.NewRequestWithContext(probeCtx, http.MethodGet, cfg.LocalURL()+"/api/health", nil)
	resp, perr := http.DefaultClient.Do(req)
	if perr == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return CheckResult{Name: "Port", Status: StatusPass, Message: "Relay already running at " + cfg.LocalURL()}
		}
	}
	return CheckResult{
		Name:    "Port",
		Status:  StatusFail,
		Message: cfg.Addr() + " is held by another process",
		Detail:  err.Error(),
	}
}

func checkLAN(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.LAN {
		return CheckResult{Name: "LAN", Status: StatusSkip, Message: "Loopback only"}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return CheckResult{Name: "LAN", Status: StatusWarn, Message: fmt.Sprintf("Cannot list interfaces: %v", err)}
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return CheckResult{Name: "LAN", Status: StatusPass, Message: "Reachable on " + ipnet.IP.String()}
		}
	}
	return CheckResult{Name: "LAN", Status: StatusWarn, Message: "No non-loopback IPv4 interface"}
}
