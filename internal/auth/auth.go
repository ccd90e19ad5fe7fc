package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultAccessTokenHeader = "X-Access-Token"
	bearerPrefix             = "Bearer "
)

const (
	reasonMissingIdentity = "missing identity token"
	reasonInvalidIdentity = "invalid identity token"
	reasonMissingAccess   = "missing access token"
)

var authFailuresMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_auth_failures_total",
	Help: "The total number of rejected requests by reason",
}, []string{"reason"})

// AuthError is returned for every authentication failure. Reason is safe to
// show to the client.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credentials are the tokens of a single request. They must not outlive it.
type Credentials struct {
	IdentityToken string
	AccessToken   string
}

// TokenVerifier decides whether an identity token is acceptable.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

// VerifierFunc adapts a function to TokenVerifier.
type VerifierFunc func(ctx context.Context, token string) error

func (f VerifierFunc) Verify(ctx context.Context, token string) error {
	return f(ctx, token)
}

type Authenticator struct {
	verifier          TokenVerifier
	accessTokenHeader string
}

// NewAuthenticator reads the access token from accessTokenHeader, or from
// X-Access-Token when it is empty.
func NewAuthenticator(verifier TokenVerifier, accessTokenHeader string) *Authenticator {
	if accessTokenHeader == "" {
		accessTokenHeader = DefaultAccessTokenHeader
	}
	return &Authenticator{
		verifier:          verifier,
		accessTokenHeader: accessTokenHeader,
	}
}

func (a *Authenticator) AccessTokenHeader() string {
	return a.accessTokenHeader
}

// Authenticate validates the bearer identity token and extracts the access
// token. The identity token is checked first, so its errors do not depend on
// whether an access token was sent.
func (a *Authenticator) Authenticate(ctx context.Context, header http.Header) (Credentials, error) {
	identityToken, ok := bearerToken(header.Get("Authorization"))
	if !ok {
		return Credentials{}, fail(reasonMissingIdentity, nil)
	}

	if err := a.verifier.Verify(ctx, identityToken); err != nil {
		return Credentials{}, fail(reasonInvalidIdentity, err)
	}

	accessToken := strings.TrimSpace(header.Get(a.accessTokenHeader))
	if accessToken == "" {
		return Credentials{}, fail(reasonMissingAccess, nil)
	}

	return Credentials{
		IdentityToken: identityToken,
		AccessToken:   accessToken,
	}, nil
}

func bearerToken(authorization string) (string, bool) {
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	return token, token != ""
}

func fail(reason string, err error) *AuthError {
	authFailuresMetric.WithLabelValues(reason).Inc()
	return &AuthError{Reason: reason, Err: err}
}
