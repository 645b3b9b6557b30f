package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"consoleauth/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tenant(t *testing.T, h http.HandlerFunc) (*httptest.Server, server.ProviderStore) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	store := server.NewStaticProviderStore(server.ProviderConfig{
		Domain:   strings.TrimPrefix(srv.URL, "https://"),
		ClientID: "console-client",
		Enabled:  true,
	})
	return srv, store
}

func TestRunCheckSuccess(t *testing.T) {
	var sawChallenge bool
	srv, store := tenant(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/authorize":
			sawChallenge = r.URL.Query().Get("code_challenge_method") == "S256" && r.URL.Query().Get("code_challenge") != ""
			http.Redirect(w, r, "/u/login?state=abc", http.StatusFound)
		case "/u/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	if err := runCheck(context.Background(), server.DefaultConfig(), discardLogger(), store, srv.Client()); err != nil {
		t.Fatalf("runCheck returned error: %v", err)
	}
	if !sawChallenge {
		t.Fatalf("authorize request did not carry a PKCE challenge")
	}
}

func TestRunCheckProviderRejects(t *testing.T) {
	srv, store := tenant(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/authorize" {
			http.Redirect(w, r, "/error?error=invalid_request&error_description=Unknown%20client", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := runCheck(context.Background(), server.DefaultConfig(), discardLogger(), store, srv.Client())
	if err == nil || !strings.Contains(err.Error(), "Unknown client") {
		t.Fatalf("expected provider description in error, got %v", err)
	}
}

func TestRunCheckFailureStatus(t *testing.T) {
	srv, store := tenant(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	if err := runCheck(context.Background(), server.DefaultConfig(), discardLogger(), store, srv.Client()); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunCheckDisabledProvider(t *testing.T) {
	store := server.NewStaticProviderStore(server.ProviderConfig{Domain: "tenant.example.com", ClientID: "c"})
	if err := runCheck(context.Background(), server.DefaultConfig(), discardLogger(), store, nil); err == nil {
		t.Fatalf("expected error for disabled provider")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	answers := strings.Join([]string{
		"y",
		"",
		"",
		"https://tenant.eu.auth0.com/",
		"console-client",
		"s3cret",
		"https://api.example.com",
		"",
	}, "\n") + "\n"

	cfg, err := runSetup(bufio.NewReader(strings.NewReader(answers)), path, discardLogger())
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	p := cfg.ProviderStore.Provider
	if p.Domain != "tenant.eu.auth0.com" || p.ClientID != "console-client" || p.ClientSecret != "s3cret" || !p.Enabled {
		t.Fatalf("unexpected provider %+v", p)
	}
	if cfg.Auth.LoginPage != "/login" || !cfg.Server.DevMode {
		t.Fatalf("defaults not kept: %+v", cfg.Auth)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
