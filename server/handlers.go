package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Login page error codes
const (
	errOAuthNotConfigured  = "oauth_not_configured"
	errProvider            = "auth0_error"
	errMissingParameters   = "missing_parameters"
	errInvalidState        = "invalid_state"
	errMissingVerifier     = "missing_verifier"
	errTokenExchangeFailed = "token_exchange_failed"
	errSessionFailed       = "session_error"
	errLoginFailed         = "login_failed"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Resolver *ProviderResolver
	Sessions *SessionManager
	Metrics  *Metrics

	closeStore func()
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	store, closeStore, err := BuildProviderStore(ctx, cfg.ProviderStore, logger)
	if err != nil {
		return nil, err
	}
	app := NewAppWithStore(cfg, store, nil, logger)
	app.closeStore = closeStore
	return app, nil
}

// NewAppWithStore builds the app around an existing provider store. httpClient is
// used for provider calls; nil selects the default bounded client.
func NewAppWithStore(cfg Config, store ProviderStore, httpClient *http.Client, logger *slog.Logger) *App {
	return &App{
		Config:     cfg,
		Logger:     logger,
		Resolver:   NewProviderResolver(store, cfg.Auth, httpClient, logger),
		Sessions:   NewSessionManager(cfg, logger),
		Metrics:    NewMetrics(),
		closeStore: func() {},
	}
}

// Close releases the provider store.
func (a *App) Close() {
	if a.closeStore != nil {
		a.closeStore()
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	provider, err := a.Resolver.Resolve(r.Context())
	if err != nil {
		a.Metrics.logins.WithLabelValues("unavailable").Inc()
		a.redirectToLogin(w, r, errOAuthNotConfigured, "OAuth login is not configured")
		return
	}

	pkce := NewPKCEChallenge()
	state, err := NewStateToken()
	if err != nil {
		a.Logger.Error("login.state", "error", err)
		a.Metrics.logins.WithLabelValues("error").Inc()
		a.redirectToLogin(w, r, errLoginFailed, "Could not start login")
		return
	}

	a.Sessions.StartFlow(w, r, pkce, state)
	target := provider.AuthorizeURL(a.callbackURL(r), pkce, state)
	a.Metrics.logins.WithLabelValues("redirected").Inc()
	a.Logger.Debug("login.redirect", "domain", provider.Config().Domain)
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	loginPage := a.Config.Auth.LoginPage

	hadSession := a.Sessions.Present(r)
	// SessionMiddleware already deleted expired or corrupt cookies.
	if _, valid := SessionFromContext(r.Context()); hadSession && valid {
		a.Sessions.Clear(w, r)
	}

	provider, err := a.Resolver.Resolve(r.Context())
	if err != nil || !hadSession {
		a.Metrics.logouts.WithLabelValues("local").Inc()
		http.Redirect(w, r, loginPage, http.StatusFound)
		return
	}

	returnTo := a.origin(r) + loginPage
	a.Metrics.logouts.WithLabelValues("provider").Inc()
	http.Redirect(w, r, provider.LogoutURL(returnTo), http.StatusFound)
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Resolver.Resolve(r.Context()); err != nil {
		notAuthenticated(w)
		return
	}
	rec, ok := SessionFromContext(r.Context())
	if !ok {
		notAuthenticated(w)
		return
	}
	writeJSON(w, rec.User)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if _, err := a.Resolver.Resolve(r.Context()); errors.Is(err, ErrProviderUnavailable) {
		status = "oauth_not_configured"
	}
	writeJSON(w, map[string]string{"status": status})
}

// callbackURL is derived from the current request so the flow works behind tunnels.
func (a *App) callbackURL(r *http.Request) string {
	return a.origin(r) + strings.TrimSuffix(a.Config.Auth.RoutePrefix, "/") + "/callback"
}

func (a *App) origin(r *http.Request) string {
	trust := a.Config.Server.TrustProxyHeaders
	return requestScheme(r, trust) + "://" + requestHost(r, trust)
}

// redirectToLogin sends the browser to the login page with error details. Spaces are
// encoded as %20 so the login UI can decode with decodeURIComponent.
func (a *App) redirectToLogin(w http.ResponseWriter, r *http.Request, code, message string) {
	target := a.Config.Auth.LoginPage + "?error=" + queryEscape(code)
	if message != "" {
		target += "&message=" + queryEscape(message)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func requestScheme(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto == "https" || proto == "http" {
			return proto
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func requestHost(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if host := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); host != "" {
			return host
		}
	}
	return r.Host
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

func notAuthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_authenticated"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
