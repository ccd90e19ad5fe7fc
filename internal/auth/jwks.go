package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultRetryInterval   = 10 * time.Second
	defaultRetryBase       = 200 * time.Millisecond
	maxFetchRetries        = 3
	maxJWKSSize            = 1 << 20
)

var jwksRefreshMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_jwks_refresh_total",
	Help: "The total number of JWKS refreshes by result",
}, []string{"result"})

type JWKSConfig struct {
	// Issuer is the expected "iss" claim, e.g. https://cognito-idp.us-east-1.amazonaws.com/us-east-1_abc
	Issuer string
	// Audience is the expected "aud" claim. Empty skips the check.
	Audience string
	// JWKSURL defaults to <Issuer>/.well-known/jwks.json.
	JWKSURL string
	// TokenUse is the expected "token_use" claim. Empty skips the check.
	TokenUse string
	Leeway   time.Duration
	// RefreshInterval is the minimum time between two refreshes triggered
	// by an unknown key id.
	RefreshInterval time.Duration
	// RetryInterval is how often the background loop started by Start
	// checks the key set and refetches it while the last refresh failed.
	RetryInterval time.Duration
	HTTPClient    *http.Client
}

// JWKSVerifier verifies RS256 identity tokens against the signing keys
// published by the issuer.
type JWKSVerifier struct {
	jwksURL    string
	tokenUse   string
	parser     *jwt.Parser
	httpClient *http.Client
	limiter    *rate.Limiter
	retryBase  time.Duration

	refreshInterval time.Duration
	retryInterval   time.Duration

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastErr     error
	refreshedAt time.Time
}

var errNoKeys = errors.New("auth: no signing keys loaded")

func NewJWKSVerifier(cfg JWKSConfig) (*JWKSVerifier, error) {
	issuer := strings.TrimRight(cfg.Issuer, "/")
	if issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}
	refreshInterval := cfg.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = defaultRetryInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &JWKSVerifier{
		jwksURL:    jwksURL,
		tokenUse:   cfg.TokenUse,
		parser:     jwt.NewParser(opts...),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Every(refreshInterval), 1),
		retryBase:  defaultRetryBase,
		keys:       map[string]*rsa.PublicKey{},

		refreshInterval: refreshInterval,
		retryInterval:   retryInterval,
	}, nil
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) error {
	parsed, err := v.parser.Parse(token, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return v.key(ctx, kid)
	})
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if v.tokenUse != "" {
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return errors.New("auth: unexpected claims type")
		}
		if use, _ := claims["token_use"].(string); use != v.tokenUse {
			return fmt.Errorf("auth: token_use %q is not %q", use, v.tokenUse)
		}
	}
	return nil
}

// HealthCheck fails only while no signing keys are cached. A failed refresh
// with keys still cached keeps the verifier healthy.
func (v *JWKSVerifier) HealthCheck() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.keys) > 0 {
		return nil
	}
	if v.lastErr != nil {
		return v.lastErr
	}
	return errNoKeys
}

// Start fetches the key set once and keeps it fresh in the background until
// ctx is done: every RefreshInterval, and every RetryInterval while the last
// refresh failed or no keys are cached.
func (v *JWKSVerifier) Start(ctx context.Context) {
	logrus.WithFields(logrus.Fields{
		"prefix":           "JWKSVerifier",
		"jwks_url":         v.jwksURL,
		"refresh_interval": v.refreshInterval,
	}).Info("Starting JWKS refresh loop")

	if err := v.Refresh(ctx); err != nil {
		logrus.WithField("prefix", "JWKSVerifier").Warnf("initial jwks fetch failed, retrying every %v: %v", v.retryInterval, err)
	}
	go v.refreshLoop(ctx)
}

func (v *JWKSVerifier) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(v.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v.refreshDue(time.Now()) {
				_ = v.Refresh(ctx)
			}
		}
	}
}

func (v *JWKSVerifier) refreshDue(now time.Time) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys) == 0 || v.lastErr != nil || now.Sub(v.refreshedAt) >= v.refreshInterval
}

func (v *JWKSVerifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, errors.New("token has no key id")
	}
	if k, ok := v.cachedKey(kid); ok {
		return k, nil
	}
	if !v.limiter.Allow() {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	if k, ok := v.cachedKey(kid); ok {
		return k, nil
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

func (v *JWKSVerifier) cachedKey(kid string) (*rsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.keys[kid]
	return k, ok
}

// Refresh downloads the key set, retrying transport failures and 5xx
// responses with exponential backoff. The cached keys are only replaced on
// success.
func (v *JWKSVerifier) Refresh(ctx context.Context) error {
	log := logrus.WithField("prefix", "JWKSVerifier.Refresh")

	var keys map[string]*rsa.PublicKey
	backoff := retry.WithMaxRetries(maxFetchRetries, retry.NewExponential(v.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		fetched, err := v.fetch(ctx)
		if err != nil {
			var statusErr *jwksStatusError
			if errors.As(err, &statusErr) && statusErr.status < http.StatusInternalServerError {
				return err
			}
			log.Debugf("retrying jwks fetch: %v", err)
			return retry.RetryableError(err)
		}
		keys = fetched
		return nil
	})

	v.mu.Lock()
	v.lastErr = err
	if err == nil {
		v.keys = keys
		v.refreshedAt = time.Now()
	}
	v.mu.Unlock()

	if err != nil {
		jwksRefreshMetric.WithLabelValues("error").Inc()
		log.Errorf("failed to refresh jwks from %s: %v", v.jwksURL, err)
		return fmt.Errorf("jwks refresh: %w", err)
	}
	jwksRefreshMetric.WithLabelValues("ok").Inc()
	log.Debugf("loaded %d signing keys", len(keys))
	return nil
}

type jwksStatusError struct {
	status int
}

func (e *jwksStatusError) Error() string {
	return fmt.Sprintf("bad status code: %v", e.status)
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

func (v *JWKSVerifier) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed send request: %w", err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			logrus.Errorf("failed to close response body: %v", closeErr)
		}
	}()
	if res.StatusCode != http.StatusOK {
		return nil, &jwksStatusError{status: res.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxJWKSSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read jwks: %w", err)
	}
	var set jsonWebKeySet
	if err := sonic.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaPublicKey(k.N, k.E)
		if err != nil {
			logrus.WithField("prefix", "JWKSVerifier").Warnf("skipping key %q: %v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable RSA keys")
	}
	return keys, nil
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	exponent := new(big.Int).SetBytes(eBytes)
	if !exponent.IsInt64() || exponent.Int64() < 2 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("exponent out of range")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(exponent.Int64()),
	}, nil
}
