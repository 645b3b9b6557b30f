package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const maxProviderMessage = 300

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Every exit below is terminal for this login attempt.
	a.Sessions.EndFlow(w, r)

	if providerErr := q.Get("error"); providerErr != "" {
		message := q.Get("error_description")
		if message == "" {
			message = providerErr
		}
		a.Logger.Warn("callback.provider_error", "error", providerErr)
		a.callbackFailed(w, r, errProvider, truncate(message, maxProviderMessage))
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		a.callbackFailed(w, r, errMissingParameters, "Missing code or state in callback")
		return
	}

	storedState, verifier := a.Sessions.FlowCookies(r)
	if storedState == "" || subtle.ConstantTimeCompare([]byte(storedState), []byte(state)) != 1 {
		a.Logger.Warn("callback.state_mismatch", "has_cookie", storedState != "")
		a.callbackFailed(w, r, errInvalidState, "Invalid state parameter")
		return
	}
	if verifier == "" {
		a.callbackFailed(w, r, errMissingVerifier, "Missing code verifier")
		return
	}

	provider, err := a.Resolver.Resolve(r.Context())
	if err != nil {
		a.callbackFailed(w, r, errOAuthNotConfigured, "OAuth login is not configured")
		return
	}

	start := time.Now()
	tokens, err := provider.Exchange(r.Context(), code, verifier, a.callbackURL(r))
	a.Metrics.exchangeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		a.Logger.Error("token exchange failed", "error", err)
		a.callbackFailed(w, r, errTokenExchangeFailed, exchangeFailureMessage(err, provider.Config()))
		return
	}

	user, err := provider.UserClaims(r.Context(), tokens.IDToken)
	if err != nil {
		a.Logger.Error("callback.id_token", "error", err)
		a.callbackFailed(w, r, errSessionFailed, "Could not read identity token")
		return
	}

	rec, err := a.Sessions.Create(w, r, user, tokens)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		a.callbackFailed(w, r, errSessionFailed, "Could not create session")
		return
	}

	a.Metrics.callbacks.WithLabelValues("success").Inc()
	a.Logger.Info("login.complete", "user_sub", rec.Subject(), "expires_at", rec.ExpiresAt)
	http.Redirect(w, r, a.Config.Auth.LandingPage, http.StatusFound)
}

func (a *App) callbackFailed(w http.ResponseWriter, r *http.Request, code, message string) {
	a.Metrics.callbacks.WithLabelValues(code).Inc()
	a.redirectToLogin(w, r, code, message)
}

// exchangeFailureMessage renders a token endpoint failure for the login page. Grant
// problems get a remediation checklist; anything else passes the provider text through.
func exchangeFailureMessage(err error, cfg ProviderConfig) string {
	var xe *ExchangeError
	if !errors.As(err, &xe) {
		return "Token exchange failed"
	}
	reason := truncate(xe.Message(), maxProviderMessage)
	if !needsAccessGrant(xe) {
		return reason
	}

	audience := cfg.Audience
	if audience == "" {
		audience = "the requested API"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "The identity provider refused to issue tokens: %s. Check that: ", reason)
	fmt.Fprintf(&b, "(1) application %s is authorized to access %s (enable user access for the application on the API); ", cfg.ClientID, audience)
	b.WriteString("(2) the requested scopes match the permissions defined on the API; ")
	b.WriteString("(3) the application type is Regular Web Application with the Authorization Code grant enabled.")
	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
