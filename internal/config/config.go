// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/filegate/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Secret       string `kong:"help='HMAC signing secret (overrides config).',env='SIGN_SECRET'"`
	BackendToken string `kong:"help='Backend API credential (overrides config).',env='BACKEND_TOKEN'"`
	PublicURL    string `kong:"help='Public base URL of this gateway (overrides config).',env='PUBLIC_URL'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Sign    SignConfig    `toml:"sign"`
	Backend BackendConfig `toml:"backend"`
	Gateway GatewayConfig `toml:"gateway"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SignConfig holds URL signing settings. Secret is the HMAC key shared with
// the backend; every sign parameter is verified against it. AdminToken guards
// the token-minting endpoint and disables it when empty. DefaultTTLSeconds
// applies when a mint request omits expires_in (0 means "use default", 3600;
// never-expiring tokens are minted with an explicit expires_in of 0).
type SignConfig struct {
	Secret            string `toml:"secret"`
	AdminToken        string `toml:"admin_token"`
	DefaultTTLSeconds int64  `toml:"default_ttl_seconds"`
}

// BackendConfig holds settings for the link-resolving backend API.
// Token is sent verbatim in the Authorization header; VerifyHeader/VerifyValue
// name an optional extra header pair the backend uses to recognize the gateway.
type BackendConfig struct {
	BaseURL         string `toml:"base_url"`
	Token           string `toml:"token"`
	VerifyHeader    string `toml:"verify_header"`
	VerifyValue     string `toml:"verify_value"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// GatewayConfig holds settings about the gateway's own public identity.
// PublicURL is the base URL clients reach the gateway on; storage redirects
// pointing under it are re-entered locally instead of fetched. MaxRedirectHops
// bounds the total redirects followed for one client request.
type GatewayConfig struct {
	PublicURL       string `toml:"public_url"`
	MaxRedirectHops int    `toml:"max_redirect_hops"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/filegate/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Secret != "" {
		c.Sign.Secret = cli.Secret
	}
	if cli.BackendToken != "" {
		c.Backend.Token = cli.BackendToken
	}
	if cli.PublicURL != "" {
		c.Gateway.PublicURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Signing secret: required, and the sample placeholder is rejected so a
	// copied example config cannot go to production verifying real tokens.
	if c.Sign.Secret == "" {
		return fmt.Errorf("sign.secret is required")
	}
	if c.Sign.Secret == "CHANGE_ME" {
		return fmt.Errorf("sign.secret contains placeholder value; set a real secret")
	}
	if c.Sign.DefaultTTLSeconds < 0 {
		return fmt.Errorf("sign.default_ttl_seconds must be non-negative; got %d", c.Sign.DefaultTTLSeconds)
	}

	if err := validateBaseURL("backend.base_url", c.Backend.BaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("gateway.public_url", c.Gateway.PublicURL); err != nil {
		return err
	}
	if c.Backend.VerifyHeader == "" && c.Backend.VerifyValue != "" {
		return fmt.Errorf("backend.verify_value is set but backend.verify_header is empty")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("backend.timeout_seconds must be non-negative; got %d", c.Backend.TimeoutSeconds)
	}
	if c.Backend.IdleConnections < 0 {
		return fmt.Errorf("backend.idle_connections must be non-negative; got %d", c.Backend.IdleConnections)
	}
	if c.Gateway.MaxRedirectHops < 0 {
		return fmt.Errorf("gateway.max_redirect_hops must be non-negative; got %d", c.Gateway.MaxRedirectHops)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled). The download
	// route is a catch-all, so the metrics path must not shadow the root or
	// collide with a fixed route.
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path must not be \"/\"")
		}
		for _, reserved := range []string{"/healthz", "/gateway/status", "/api/sign"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// validateBaseURL checks that raw is an absolute http(s) URL with a host.
func validateBaseURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https; got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host; got %q", field, raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, MaxRedirectHops, etc.), zero means "unset" because
// TOML cannot distinguish between an explicit 0 and an omitted key. Setting
// port=0 in the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Sign.DefaultTTLSeconds == 0 {
		c.Sign.DefaultTTLSeconds = 3600
	}
	if c.Backend.TimeoutSeconds == 0 {
		c.Backend.TimeoutSeconds = 30
	}
	if c.Backend.IdleConnections == 0 {
		c.Backend.IdleConnections = 100
	}
	if c.Gateway.MaxRedirectHops == 0 {
		c.Gateway.MaxRedirectHops = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PublicBase returns the gateway's public base URL without a trailing slash.
func (c *GatewayConfig) PublicBase() string {
	return strings.TrimSuffix(c.PublicURL, "/")
}

// Base returns the backend base URL without a trailing slash.
func (c *BackendConfig) Base() string {
	return strings.TrimSuffix(c.BaseURL, "/")
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
