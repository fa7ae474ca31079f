// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/alloy-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served outside the proxy prefix.
var reservedRoutes = []string{"/healthz", "/proxy/status", "/prox", "/session"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Prefix   string `kong:"help='Proxy path prefix, e.g. /web/ (overrides config).',env='PROXY_PREFIX'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	StaticDir    string          `toml:"static_dir"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"` // 0 means the rounded-up rate
}

// ProxyConfig holds the settings of the rewriting proxy itself. It is built
// once at startup and shared read-only by every request.
type ProxyConfig struct {
	Prefix              string   `toml:"prefix"`
	Blacklist           []string `toml:"blacklist"`
	LocalAddresses      []string `toml:"local_addresses"`
	LegacyTokens        *bool    `toml:"legacy_tokens"`
	StripHeaderPrefixes []string `toml:"strip_header_prefixes"`
	MaxResponseBytes    int64    `toml:"max_response_bytes"`
}

// LegacyTokensEnabled reports whether v1 tokens are still decoded. Defaults to true.
func (p *ProxyConfig) LegacyTokensEnabled() bool {
	return p.LegacyTokens == nil || *p.LegacyTokens
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds     int  `toml:"timeout_seconds"`
	IdleConnections    int  `toml:"idle_connections"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// WebSocketConfig holds tunnel settings.
type WebSocketConfig struct {
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	MaxPendingMessages      int `toml:"max_pending_messages"`
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
// /etc/alloy-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.Proxy.Prefix = NormalizePrefix(cfg.Proxy.Prefix)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// NormalizePrefix returns p with exactly one leading and one trailing slash.
// An empty prefix stays empty so that the default can be applied.
func NormalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p + "/"
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Prefix != "" {
		c.Proxy.Prefix = cli.Prefix
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Proxy.MaxResponseBytes < 0 {
		return fmt.Errorf("proxy.max_response_bytes must be non-negative; got %d", c.Proxy.MaxResponseBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.WebSocket.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("websocket.handshake_timeout_seconds must be non-negative; got %d", c.WebSocket.HandshakeTimeoutSeconds)
	}
	if c.WebSocket.MaxPendingMessages < 0 {
		return fmt.Errorf("websocket.max_pending_messages must be non-negative; got %d", c.WebSocket.MaxPendingMessages)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be non-negative; got %d", c.Server.RateLimit.Burst)
	}

	if err := c.Proxy.validate(); err != nil {
		return err
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
		if prefix := c.Proxy.prefixOrDefault(); strings.HasPrefix(p+"/", prefix) {
			return fmt.Errorf("metrics.path %q conflicts with proxy.prefix %q", p, prefix)
		}
	}

	return nil
}

func (p *ProxyConfig) validate() error {
	if p.Prefix != "" {
		for _, reserved := range reservedRoutes {
			if strings.HasPrefix(reserved+"/", p.Prefix) {
				return fmt.Errorf("proxy.prefix %q shadows reserved route %q", p.Prefix, reserved)
			}
		}
	}
	if strings.ContainsAny(p.Prefix, "?# ") {
		return fmt.Errorf("proxy.prefix %q must not contain '?', '#' or spaces", p.Prefix)
	}

	var errs []error
	for _, addr := range p.LocalAddresses {
		if net.ParseIP(strings.TrimSpace(addr)) == nil {
			errs = append(errs, fmt.Errorf("proxy.local_addresses: %q is not an IP address", addr))
		}
	}
	for i, entry := range p.Blacklist {
		if strings.TrimSpace(entry) == "" {
			errs = append(errs, fmt.Errorf("proxy.blacklist[%d] is empty; an empty entry would block every request", i))
		}
	}
	return errors.Join(errs...)
}

func (p *ProxyConfig) prefixOrDefault() string {
	if p.Prefix == "" {
		return defaultPrefix
	}
	return p.Prefix
}

const defaultPrefix = "/web/"

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Proxy.Prefix = c.Proxy.prefixOrDefault()
	if c.Proxy.StripHeaderPrefixes == nil {
		c.Proxy.StripHeaderPrefixes = []string{"cf-", "x-"}
	}
	if c.Proxy.MaxResponseBytes == 0 {
		c.Proxy.MaxResponseBytes = 32 * 1024 * 1024 // 32 MB
	}
	for i, addr := range c.Proxy.LocalAddresses {
		c.Proxy.LocalAddresses[i] = strings.TrimSpace(addr)
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.WebSocket.HandshakeTimeoutSeconds == 0 {
		c.WebSocket.HandshakeTimeoutSeconds = 15
	}
	if c.WebSocket.MaxPendingMessages == 0 {
		c.WebSocket.MaxPendingMessages = 1024
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

// FilePath returns the config file that was loaded, or "" when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
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
