package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	verifierCookieName = "pkce_code_verifier"
	stateCookieName    = "oauth_state"
	maxCookieBytes     = 4096
)

var (
	// ErrNoSession means the request carries no usable session cookie.
	ErrNoSession = errors.New("no session")
	// ErrSessionExpired means the session cookie decoded but is past expires_at.
	ErrSessionExpired = errors.New("session expired")
)

// EncodeSession serializes a record into a cookie value.
func EncodeSession(rec SessionRecord) (string, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeSession reverses EncodeSession.
func DecodeSession(value string) (SessionRecord, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("decode session: %w", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if rec.ExpiresAt.IsZero() {
		return SessionRecord{}, errors.New("session has no expiry")
	}
	return rec, nil
}

// SessionManager sets, reads, and clears the cookies owned by the login flow.
type SessionManager struct {
	logger     *slog.Logger
	cookieName string
	defaultTTL time.Duration
	devMode    bool
	trustProxy bool
	now        func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		logger:     logger,
		cookieName: cfg.Auth.SessionCookie,
		defaultTTL: cfg.Auth.DefaultSessionTTL,
		devMode:    cfg.Server.DevMode,
		trustProxy: cfg.Server.TrustProxyHeaders,
		now:        time.Now,
	}
}

// CookieName returns the session cookie name.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// secure is true outside dev mode and whenever the request arrived over TLS.
func (sm *SessionManager) secure(r *http.Request) bool {
	return !sm.devMode || requestScheme(r, sm.trustProxy) == "https"
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (sm *SessionManager) clearCookie(w http.ResponseWriter, r *http.Request, name string) {
	sm.setCookie(w, r, name, "", -1)
}

// StartFlow stores the verifier and state cookies for an outgoing authorize redirect.
func (sm *SessionManager) StartFlow(w http.ResponseWriter, r *http.Request, pkce PKCEChallenge, state AuthState) {
	ttl := int(FlowCookieTTL.Seconds())
	sm.setCookie(w, r, verifierCookieName, pkce.CodeVerifier, ttl)
	sm.setCookie(w, r, stateCookieName, state.State, ttl)
}

// FlowCookies returns the stored state and verifier; empty strings mean absent.
func (sm *SessionManager) FlowCookies(r *http.Request) (state, verifier string) {
	if c, err := r.Cookie(stateCookieName); err == nil {
		state = c.Value
	}
	if c, err := r.Cookie(verifierCookieName); err == nil {
		verifier = c.Value
	}
	return state, verifier
}

// EndFlow deletes the verifier and state cookies.
func (sm *SessionManager) EndFlow(w http.ResponseWriter, r *http.Request) {
	sm.clearCookie(w, r, verifierCookieName)
	sm.clearCookie(w, r, stateCookieName)
}

// Create builds the session record from a token response and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, user map[string]any, tokens TokenResponse) (SessionRecord, error) {
	ttl := time.Duration(tokens.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = sm.defaultTTL
	}
	rec := SessionRecord{
		User:         user,
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    sm.now().Add(ttl),
	}
	value, err := EncodeSession(rec)
	if err != nil {
		return SessionRecord{}, err
	}
	if len(value) > maxCookieBytes {
		sm.logger.Warn("session cookie exceeds browser limit", "bytes", len(value), "limit", maxCookieBytes)
	}
	sm.setCookie(w, r, sm.cookieName, value, int(ttl/time.Second))
	return rec, nil
}

// Present reports whether a non-empty session cookie was sent.
func (sm *SessionManager) Present(r *http.Request) bool {
	c, err := r.Cookie(sm.cookieName)
	return err == nil && c.Value != ""
}

// Read decodes and validates the session cookie. Undecodable or expired cookies are
// deleted and reported as ErrNoSession or ErrSessionExpired.
func (sm *SessionManager) Read(w http.ResponseWriter, r *http.Request) (SessionRecord, error) {
	c, err := r.Cookie(sm.cookieName)
	if err != nil || c.Value == "" {
		return SessionRecord{}, ErrNoSession
	}
	rec, err := DecodeSession(c.Value)
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		sm.clearCookie(w, r, sm.cookieName)
		return SessionRecord{}, ErrNoSession
	}
	if rec.Expired(sm.now()) {
		sm.clearCookie(w, r, sm.cookieName)
		return SessionRecord{}, ErrSessionExpired
	}
	return rec, nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	sm.clearCookie(w, r, sm.cookieName)
}
