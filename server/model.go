package server

import "time"

// ProviderConfig holds the identity provider settings read from the provider store.
type ProviderConfig struct {
	Domain        string `yaml:"domain" json:"domain"`
	ClientID      string `yaml:"client_id" json:"client_id"`
	ClientSecret  string `yaml:"client_secret" json:"-"`
	Audience      string `yaml:"audience" json:"audience,omitempty"`
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	VerifyIDToken bool   `yaml:"verify_id_token" json:"verify_id_token"`
}

// Usable reports whether the settings are complete enough to run a login.
func (p ProviderConfig) Usable() bool {
	return p.Enabled && p.Domain != "" && p.ClientID != ""
}

// PKCEChallenge pairs a code verifier with its S256 challenge.
type PKCEChallenge struct {
	CodeVerifier  string
	CodeChallenge string
}

// AuthState is the anti-CSRF value round-tripped through the provider.
type AuthState struct {
	State string
}

// TokenResponse is the subset of the provider token response the core consumes.
type TokenResponse struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int64
}

// SessionRecord is the cookie-held representation of a logged in user.
type SessionRecord struct {
	User         map[string]any `json:"user"`
	AccessToken  string         `json:"access_token"`
	IDToken      string         `json:"id_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Expired reports whether the record is no longer valid at now.
func (s SessionRecord) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Subject returns the sub claim of the session user, if any.
func (s SessionRecord) Subject() string {
	sub, _ := s.User["sub"].(string)
	return sub
}
