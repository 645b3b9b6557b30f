package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestSessionManager(devMode bool) *SessionManager {
	cfg := DefaultConfig()
	cfg.Server.DevMode = devMode
	return NewSessionManager(cfg, testLogger())
}

func TestSessionCodecRoundTrip(t *testing.T) {
	rec := SessionRecord{
		User:         map[string]any{"sub": "auth0|1", "email": "a@example.com"},
		AccessToken:  "at",
		IDToken:      "id",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	value, err := EncodeSession(rec)
	if err != nil {
		t.Fatalf("EncodeSession: %v", err)
	}
	got, err := DecodeSession(value)
	if err != nil {
		t.Fatalf("DecodeSession: %v", err)
	}
	if got.Subject() != "auth0|1" || got.RefreshToken != "rt" || !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeSessionRejectsGarbage(t *testing.T) {
	for _, v := range []string{"", "!!", "bm90IGpzb24=", "e30="} {
		if _, err := DecodeSession(v); err == nil {
			t.Fatalf("expected error for %q", v)
		}
	}
}

func TestSessionCreateFallsBackToDefaultTTL(t *testing.T) {
	sm := newTestSessionManager(true)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sm.now = func() time.Time { return fixed }

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://console.test/api/auth/callback", nil)
	rec, err := sm.Create(rr, req, map[string]any{"sub": "x"}, TokenResponse{AccessToken: "at", IDToken: "id"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !rec.ExpiresAt.Equal(fixed.Add(DefaultSessionTTL)) {
		t.Fatalf("expires_at = %v", rec.ExpiresAt)
	}
	c := findCookie(rr.Result(), "auth_session")
	if c == nil || c.MaxAge != int(DefaultSessionTTL.Seconds()) {
		t.Fatalf("unexpected cookie %+v", c)
	}
}

func TestSessionReadExpiry(t *testing.T) {
	sm := newTestSessionManager(true)
	now := time.Now()
	sm.now = func() time.Time { return now }

	value, _ := EncodeSession(SessionRecord{User: map[string]any{"sub": "x"}, ExpiresAt: now})
	req := httptest.NewRequest(http.MethodGet, "http://console.test/", nil)
	req.AddCookie(&http.Cookie{Name: "auth_session", Value: value})
	rr := httptest.NewRecorder()

	if _, err := sm.Read(rr, req); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired at expires_at, got %v", err)
	}
	if c := findCookie(rr.Result(), "auth_session"); c == nil || c.MaxAge >= 0 {
		t.Fatalf("expired cookie should be cleared")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "http://console.test/", nil)
	if _, err := sm.Read(rr, req); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if len(rr.Result().Cookies()) != 0 {
		t.Fatalf("no cookie changes expected without a session")
	}
}

func TestCookiesSecureOutsideDevMode(t *testing.T) {
	sm := newTestSessionManager(false)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://console.test/api/auth/login", nil)
	sm.StartFlow(rr, req, NewPKCEChallenge(), AuthState{State: "s"})

	for _, c := range rr.Result().Cookies() {
		if !c.Secure {
			t.Fatalf("cookie %s should be secure in production", c.Name)
		}
	}
}

func TestFlowCookies(t *testing.T) {
	sm := newTestSessionManager(true)
	req := httptest.NewRequest(http.MethodGet, "http://console.test/api/auth/callback", nil)
	req.AddCookie(&http.Cookie{Name: stateCookieName, Value: "st"})
	state, verifier := sm.FlowCookies(req)
	if state != "st" || verifier != "" {
		t.Fatalf("FlowCookies = %q, %q", state, verifier)
	}
}
