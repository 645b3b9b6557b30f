package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Cookie and session defaults
const (
	DefaultSessionTTL      = time.Hour
	DefaultExchangeTimeout = 10 * time.Second
	FlowCookieTTL          = 10 * time.Minute
)

// Provider store drivers
const (
	StoreDriverConfig   = "config"
	StoreDriverFile     = "file"
	StoreDriverPostgres = "postgres"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	ProviderStore ProviderStoreConfig `yaml:"provider_store"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr     string     `yaml:"dev_listen_addr"`
	HTTPListenAddr    string     `yaml:"http_listen_addr"`
	HTTPSListenAddr   string     `yaml:"https_listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	MetricsEnabled    bool       `yaml:"metrics_enabled"`
	TLS               TLSConfig  `yaml:"tls"`
	CORS              CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists console origins allowed to call the auth routes with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig shapes the routes and cookies of the login flow.
type AuthConfig struct {
	RoutePrefix       string        `yaml:"route_prefix"`
	LoginPage         string        `yaml:"login_page"`
	LandingPage       string        `yaml:"landing_page"`
	SessionCookie     string        `yaml:"session_cookie"`
	DefaultSessionTTL time.Duration `yaml:"default_session_ttl"`
	ExchangeTimeout   time.Duration `yaml:"exchange_timeout"`
	Scopes            []string      `yaml:"scopes"`
}

// ProviderStoreConfig selects where identity provider settings are persisted.
type ProviderStoreConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	DSN      string         `yaml:"dsn"`
	Table    string         `yaml:"table"`
	Name     string         `yaml:"name"`
	Provider ProviderConfig `yaml:"provider"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(b)))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			MetricsEnabled:  true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		Auth: AuthConfig{
			RoutePrefix:       "/api/auth",
			LoginPage:         "/login",
			LandingPage:       "/",
			SessionCookie:     "auth_session",
			DefaultSessionTTL: DefaultSessionTTL,
			ExchangeTimeout:   DefaultExchangeTimeout,
			Scopes:            []string{"openid", "profile", "email"},
		},
		ProviderStore: ProviderStoreConfig{
			Driver: StoreDriverConfig,
			Table:  "oauth_provider_settings",
			Name:   "auth0",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"CONSOLEAUTH_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"CONSOLEAUTH_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"CONSOLEAUTH_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"CONSOLEAUTH_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"CONSOLEAUTH_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"CONSOLEAUTH_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"CONSOLEAUTH_SERVER_CORS_ORIGINS":      func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"CONSOLEAUTH_AUTH_EXCHANGE_TIMEOUT": func(v string) {
			cfg.Auth.ExchangeTimeout = parseDuration(v, cfg.Auth.ExchangeTimeout)
		},
		"CONSOLEAUTH_STORE_DRIVER":                 func(v string) { cfg.ProviderStore.Driver = v },
		"CONSOLEAUTH_STORE_PATH":                   func(v string) { cfg.ProviderStore.Path = v },
		"CONSOLEAUTH_STORE_DSN":                    func(v string) { cfg.ProviderStore.DSN = v },
		"CONSOLEAUTH_PROVIDER_DOMAIN":              func(v string) { cfg.ProviderStore.Provider.Domain = v },
		"CONSOLEAUTH_PROVIDER_CLIENT_ID":           func(v string) { cfg.ProviderStore.Provider.ClientID = v },
		"CONSOLEAUTH_PROVIDER_CLIENT_SECRET":       func(v string) { cfg.ProviderStore.Provider.ClientSecret = v },
		"CONSOLEAUTH_PROVIDER_AUDIENCE":            func(v string) { cfg.ProviderStore.Provider.Audience = v },
		"CONSOLEAUTH_PROVIDER_ENABLED": func(v string) {
			cfg.ProviderStore.Provider.Enabled = parseBool(v, cfg.ProviderStore.Provider.Enabled)
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	for i, origin := range c.Server.CORS.AllowedOrigins {
		if origin == "*" {
			slog.Error("Wildcard CORS origin", "field", "server.cors.allowed_origins", "index", i, "reason", "credentialed requests need explicit origins")
			return fmt.Errorf("server.cors.allowed_origins[%d]: wildcard is not allowed with cookies", i)
		}
		if extractOrigin(origin) == "" {
			slog.Error("Invalid CORS origin", "field", "server.cors.allowed_origins", "index", i, "value", origin)
			return fmt.Errorf("server.cors.allowed_origins[%d] must be an http(s) origin, got: %s", i, origin)
		}
	}

	for field, value := range map[string]string{
		"auth.route_prefix": c.Auth.RoutePrefix,
		"auth.login_page":   c.Auth.LoginPage,
		"auth.landing_page": c.Auth.LandingPage,
	} {
		if !strings.HasPrefix(value, "/") || strings.HasPrefix(value, "//") {
			slog.Error("Invalid configuration value", "field", field, "value", value, "reason", "must be a local absolute path")
			return fmt.Errorf("%s must be a local path starting with '/', got: %q", field, value)
		}
	}

	if c.Auth.SessionCookie == "" {
		slog.Error("Missing required configuration", "field", "auth.session_cookie")
		return errors.New("auth.session_cookie is required")
	}
	switch c.Auth.SessionCookie {
	case verifierCookieName, stateCookieName:
		return fmt.Errorf("auth.session_cookie %q collides with a flow cookie", c.Auth.SessionCookie)
	}

	if c.Auth.DefaultSessionTTL <= 0 {
		slog.Error("Invalid session ttl", "field", "auth.default_session_ttl", "value", c.Auth.DefaultSessionTTL)
		return errors.New("auth.default_session_ttl must be positive")
	}
	if c.Auth.ExchangeTimeout <= 0 {
		slog.Error("Invalid exchange timeout", "field", "auth.exchange_timeout", "value", c.Auth.ExchangeTimeout)
		return errors.New("auth.exchange_timeout must be positive")
	}

	hasOpenID := false
	for _, s := range c.Auth.Scopes {
		if s == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		slog.Error("Missing openid scope", "field", "auth.scopes", "value", c.Auth.Scopes)
		return errors.New("auth.scopes must include openid")
	}

	switch c.ProviderStore.Driver {
	case StoreDriverConfig:
	case StoreDriverFile:
		if c.ProviderStore.Path == "" {
			slog.Error("Missing required configuration", "field", "provider_store.path", "driver", StoreDriverFile)
			return errors.New("provider_store.path is required for the file driver")
		}
	case StoreDriverPostgres:
		if c.ProviderStore.DSN == "" {
			slog.Error("Missing required configuration", "field", "provider_store.dsn", "driver", StoreDriverPostgres)
			return errors.New("provider_store.dsn is required for the postgres driver")
		}
		if !validIdentifier(c.ProviderStore.Table) {
			slog.Error("Invalid table name", "field", "provider_store.table", "value", c.ProviderStore.Table)
			return fmt.Errorf("provider_store.table %q is not a valid identifier", c.ProviderStore.Table)
		}
	default:
		slog.Error("Unknown provider store driver", "field", "provider_store.driver", "value", c.ProviderStore.Driver, "valid_values", []string{StoreDriverConfig, StoreDriverFile, StoreDriverPostgres})
		return fmt.Errorf("provider_store.driver must be one of config, file, postgres, got: %q", c.ProviderStore.Driver)
	}

	// A disabled or incomplete provider is not a config error: the routes degrade instead.
	if d := c.ProviderStore.Provider.Domain; d != "" && strings.Contains(d, "/") {
		slog.Error("Invalid provider domain", "field", "provider_store.provider.domain", "value", d, "reason", "expected a bare host name")
		return fmt.Errorf("provider_store.provider.domain must be a host name without scheme or path, got: %s", d)
	}

	return nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
