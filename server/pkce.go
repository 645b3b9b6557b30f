package server

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

const stateTokenBytes = 32

// NewPKCEChallenge generates a fresh verifier and its S256 challenge.
func NewPKCEChallenge() PKCEChallenge {
	verifier := oauth2.GenerateVerifier()
	return PKCEChallenge{
		CodeVerifier:  verifier,
		CodeChallenge: ChallengeFromVerifier(verifier),
	}
}

// ChallengeFromVerifier derives base64url(SHA256(verifier)) without padding.
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewStateToken returns an unguessable anti-CSRF token.
func NewStateToken() (AuthState, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return AuthState{}, fmt.Errorf("read random state: %w", err)
	}
	return AuthState{State: base64.RawURLEncoding.EncodeToString(buf)}, nil
}
