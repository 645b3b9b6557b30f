package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jose "github.com/go-jose/go-jose/v3"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
)

// ErrProviderUnavailable covers a disabled, incomplete, or unreadable provider configuration.
var ErrProviderUnavailable = errors.New("identity provider unavailable")

// Provider is a resolved, immutable view of one identity provider configuration.
type Provider struct {
	cfg        ProviderConfig
	oauth      oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	timeout    time.Duration
}

// ProviderResolver turns stored settings into a Provider, rebuilding it only when
// the settings hash changes.
type ProviderResolver struct {
	store      ProviderStore
	cache      *gocache.Cache
	httpClient *http.Client
	scopes     []string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewProviderResolver constructs a resolver. httpClient is used for the token exchange
// and key fetching; nil selects a client bounded by the exchange timeout.
func NewProviderResolver(store ProviderStore, cfg AuthConfig, httpClient *http.Client, logger *slog.Logger) *ProviderResolver {
	timeout := cfg.ExchangeTimeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &ProviderResolver{
		store:      store,
		cache:      gocache.New(gocache.NoExpiration, 0),
		httpClient: httpClient,
		scopes:     scopes,
		timeout:    timeout,
		logger:     logger,
	}
}

// Resolve loads the current settings and returns the cached Provider for them.
func (r *ProviderResolver) Resolve(ctx context.Context) (*Provider, error) {
	cfg, err := r.store.LoadProvider(ctx)
	if err != nil {
		r.logger.Error("provider settings load failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: oauth disabled", ErrProviderUnavailable)
	}
	if !cfg.Usable() {
		r.logger.Warn("provider settings incomplete", "has_domain", cfg.Domain != "", "has_client_id", cfg.ClientID != "")
		return nil, fmt.Errorf("%w: domain and client id required", ErrProviderUnavailable)
	}

	key := settingsHash(cfg)
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*Provider), nil
	}

	p := r.build(cfg)
	r.cache.Flush()
	r.cache.Set(key, p, gocache.NoExpiration)
	r.logger.Info("provider resolved", "domain", cfg.Domain, "client_id", cfg.ClientID, "verify_id_token", cfg.VerifyIDToken)
	return p, nil
}

func (r *ProviderResolver) build(cfg ProviderConfig) *Provider {
	base := "https://" + cfg.Domain
	p := &Provider{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: r.scopes,
		},
		httpClient: r.httpClient,
		timeout:    r.timeout,
	}
	if cfg.VerifyIDToken {
		keyCtx := oidc.ClientContext(context.Background(), r.httpClient)
		keys := oidc.NewRemoteKeySet(keyCtx, base+"/.well-known/jwks.json")
		p.verifier = oidc.NewVerifier(base+"/", keys, &oidc.Config{ClientID: cfg.ClientID})
	}
	return p
}

func settingsHash(cfg ProviderConfig) string {
	h := sha256.New()
	for _, part := range []string{cfg.Domain, cfg.ClientID, cfg.ClientSecret, cfg.Audience, fmt.Sprint(cfg.VerifyIDToken)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Config returns the settings this provider was built from.
func (p *Provider) Config() ProviderConfig {
	return p.cfg
}

// AuthorizeURL builds the provider authorization redirect. No network call is made.
func (p *Provider) AuthorizeURL(redirectURI string, pkce PKCEChallenge, state AuthState) string {
	cfg := p.oauth
	cfg.RedirectURL = redirectURI
	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(pkce.CodeVerifier),
	}
	if p.cfg.Audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.cfg.Audience))
	}
	return cfg.AuthCodeURL(state.State, opts...)
}

// LogoutURL builds the provider logout redirect that returns to returnTo.
func (p *Provider) LogoutURL(returnTo string) string {
	q := url.Values{}
	q.Set("client_id", p.cfg.ClientID)
	q.Set("returnTo", returnTo)
	return "https://" + p.cfg.Domain + "/v2/logout?" + q.Encode()
}

// ExchangeError describes a rejected token request.
type ExchangeError struct {
	Status      int
	Code        string
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("token endpoint: %s: %s", e.Code, e.Description)
	case e.Code != "":
		return "token endpoint: " + e.Code
	case e.Status != 0:
		return fmt.Sprintf("token endpoint returned status %d", e.Status)
	default:
		return fmt.Sprintf("token request failed: %v", e.Err)
	}
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Message returns the provider-reported reason, falling back to the status.
func (e *ExchangeError) Message() string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Code != "":
		return e.Code
	case e.Status != 0:
		return fmt.Sprintf("token endpoint returned status %d", e.Status)
	default:
		return "Token request failed"
	}
}

// Exchange redeems the authorization code. redirectURI must equal the one used at
// authorize time. The call is bounded by the configured timeout and ctx; it is never retried.
func (p *Provider) Exchange(ctx context.Context, code, verifier, redirectURI string) (TokenResponse, error) {
	cfg := p.oauth
	cfg.RedirectURL = redirectURI

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			xe := &ExchangeError{Code: re.ErrorCode, Description: re.ErrorDescription, Err: err}
			if re.Response != nil {
				xe.Status = re.Response.StatusCode
			}
			if xe.Code == "" && xe.Description == "" {
				xe.Code, xe.Description = parseErrorBody(re.Body)
			}
			return TokenResponse{}, xe
		}
		return TokenResponse{}, &ExchangeError{Err: err}
	}

	out := TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = idToken
	}
	if out.IDToken == "" {
		return TokenResponse{}, errors.New("id_token missing in response")
	}
	return out, nil
}

// UserClaims decodes the id_token payload. Signatures are only checked when the
// provider has verify_id_token enabled.
func (p *Provider) UserClaims(ctx context.Context, rawIDToken string) (map[string]any, error) {
	if p.verifier != nil {
		ctx = oidc.ClientContext(ctx, p.httpClient)
		tok, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		var claims map[string]any
		if err := tok.Claims(&claims); err != nil {
			return nil, fmt.Errorf("parse claims: %w", err)
		}
		return claims, nil
	}
	return decodeIDTokenClaims(rawIDToken)
}

func decodeIDTokenClaims(rawIDToken string) (map[string]any, error) {
	jws, err := jose.ParseSigned(rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return nil, fmt.Errorf("decode id_token payload: %w", err)
	}
	if claims == nil {
		return nil, errors.New("id_token payload is empty")
	}
	return claims, nil
}

func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry).Round(time.Second); d > 0 {
			return int64(d / time.Second)
		}
	}
	return 0
}

func parseErrorBody(body []byte) (string, string) {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}
	desc := payload.ErrorDescription
	if desc == "" {
		desc = payload.Message
	}
	return payload.Error, desc
}

// needsAccessGrant reports whether a token error reads like the application lacks a
// grant for the requested audience or scopes.
func needsAccessGrant(err *ExchangeError) bool {
	msg := strings.ToLower(err.Code + " " + err.Description)
	for _, marker := range []string{
		"not authorized to access",
		"client-grant",
		"client grant",
		"unauthorized_client",
		"service not found",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
