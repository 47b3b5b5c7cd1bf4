package connectkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/idtoken"
)

const (
	// DefaultJWKSCacheTTL is how long a fetched key set is trusted before refetching.
	DefaultJWKSCacheTTL = time.Hour
	jwksRefreshCooldown = time.Minute
	jwksFetchTimeout    = 10 * time.Second
)

var (
	// ErrInvalidIdentityToken indicates that a bearer token failed verification.
	ErrInvalidIdentityToken = errors.New("identity.invalid_token")

	errJWKSUnavailable   = errors.New("identity.jwks_unavailable")
	errUnknownSigningKey = errors.New("identity.unknown_signing_key")
)

// UpstreamIdentity is the verified (issuer, subject) pair of a caller.
type UpstreamIdentity struct {
	Issuer  string
	Subject string
}

// IdentityVerifier verifies a bearer token issued by the upstream identity provider.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (UpstreamIdentity, error)
}

// JWKSVerifier verifies RS256/ES256 tokens against a remote JSON Web Key Set.
type JWKSVerifier struct {
	jwksURL    string
	issuer     string
	audience   string
	httpClient *http.Client
	clock      Clock
	cacheTTL   time.Duration

	fetches   singleflight.Group
	mutex     sync.RWMutex
	keySet    *jose.JSONWebKeySet
	fetchedAt time.Time
	failedAt  time.Time
}

// JWKSVerifierOption customises a JWKSVerifier.
type JWKSVerifierOption func(*JWKSVerifier)

// WithJWKSHTTPClient replaces the HTTP client used to fetch keys.
func WithJWKSHTTPClient(client *http.Client) JWKSVerifierOption {
	return func(verifier *JWKSVerifier) {
		if client != nil {
			verifier.httpClient = client
		}
	}
}

// WithJWKSCacheTTL overrides the key set cache lifetime.
func WithJWKSCacheTTL(ttl time.Duration) JWKSVerifierOption {
	return func(verifier *JWKSVerifier) {
		if ttl > 0 {
			verifier.cacheTTL = ttl
		}
	}
}

// WithJWKSClock overrides the clock used for caching and token validation.
func WithJWKSClock(clock Clock) JWKSVerifierOption {
	return func(verifier *JWKSVerifier) {
		if clock != nil {
			verifier.clock = clock
		}
	}
}

// NewJWKSVerifier constructs a verifier for tokens from issuer. An empty audience skips the aud check.
func NewJWKSVerifier(jwksURL string, issuer string, audience string, options ...JWKSVerifierOption) *JWKSVerifier {
	verifier := &JWKSVerifier{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		httpClient: &http.Client{Timeout: jwksFetchTimeout},
		clock:      NewSystemClock(),
		cacheTTL:   DefaultJWKSCacheTTL,
	}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier
}

// Verify checks signature, expiry, issuer, and audience, and returns the caller identity.
func (verifier *JWKSVerifier) Verify(ctx context.Context, rawToken string) (UpstreamIdentity, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		keyID, _ := token.Header["kid"].(string)
		return verifier.lookupKey(ctx, keyID)
	}
	return parseIdentityToken(rawToken, keyFunc, verifier.parserOptions([]string{"RS256", "ES256"})...)
}

func (verifier *JWKSVerifier) parserOptions(methods []string) []jwt.ParserOption {
	options := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(verifier.clock.Now),
	}
	if verifier.issuer != "" {
		options = append(options, jwt.WithIssuer(verifier.issuer))
	}
	if verifier.audience != "" {
		options = append(options, jwt.WithAudience(verifier.audience))
	}
	return options
}

func (verifier *JWKSVerifier) lookupKey(ctx context.Context, keyID string) (interface{}, error) {
	now := verifier.clock.Now()
	keySet, fetchedAt, failedAt := verifier.cached()
	stale := keySet == nil || now.Sub(fetchedAt) >= verifier.cacheTTL
	if stale && (keySet == nil || failedAt.IsZero() || now.Sub(failedAt) >= jwksRefreshCooldown) {
		refreshed, err := verifier.refresh(ctx)
		switch {
		case err == nil:
			keySet = refreshed
		case keySet == nil:
			return nil, err
		}
	}
	if key, ok := selectSigningKey(keySet, keyID); ok {
		return key, nil
	}
	_, fetchedAt, failedAt = verifier.cached()
	if now.Sub(fetchedAt) < jwksRefreshCooldown || now.Sub(failedAt) < jwksRefreshCooldown {
		return nil, errUnknownSigningKey
	}
	refreshed, err := verifier.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := selectSigningKey(refreshed, keyID); ok {
		return key, nil
	}
	return nil, errUnknownSigningKey
}

func (verifier *JWKSVerifier) cached() (*jose.JSONWebKeySet, time.Time, time.Time) {
	verifier.mutex.RLock()
	defer verifier.mutex.RUnlock()
	return verifier.keySet, verifier.fetchedAt, verifier.failedAt
}

// refresh collapses concurrent fetches into one request; a failed fetch keeps the previous key set.
func (verifier *JWKSVerifier) refresh(ctx context.Context) (*jose.JSONWebKeySet, error) {
	result, err, _ := verifier.fetches.Do(verifier.jwksURL, func() (interface{}, error) {
		keySet, fetchErr := verifier.fetch(context.WithoutCancel(ctx))
		now := verifier.clock.Now()
		verifier.mutex.Lock()
		defer verifier.mutex.Unlock()
		if fetchErr != nil {
			verifier.failedAt = now
			return nil, fetchErr
		}
		verifier.keySet = keySet
		verifier.fetchedAt = now
		verifier.failedAt = time.Time{}
		return keySet, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*jose.JSONWebKeySet), nil
}

func (verifier *JWKSVerifier) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, verifier.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")
	response, err := verifier.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", errJWKSUnavailable, response.StatusCode)
	}
	var keySet jose.JSONWebKeySet
	if decodeErr := json.NewDecoder(response.Body).Decode(&keySet); decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", errJWKSUnavailable, decodeErr)
	}
	return &keySet, nil
}

func selectSigningKey(keySet *jose.JSONWebKeySet, keyID string) (interface{}, bool) {
	if keySet == nil {
		return nil, false
	}
	if keyID == "" {
		if len(keySet.Keys) == 1 && keySet.Keys[0].IsPublic() {
			return keySet.Keys[0].Key, true
		}
		return nil, false
	}
	for _, key := range keySet.Key(keyID) {
		if key.IsPublic() && (key.Use == "" || key.Use == "sig") {
			return key.Key, true
		}
	}
	return nil, false
}

// HS256Verifier verifies tokens signed with a shared secret.
type HS256Verifier struct {
	secret   []byte
	issuer   string
	audience string
	clock    Clock
}

// NewHS256Verifier constructs a shared-secret verifier.
func NewHS256Verifier(secret []byte, issuer string, audience string, clock Clock) *HS256Verifier {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &HS256Verifier{secret: secret, issuer: issuer, audience: audience, clock: clock}
}

// Verify checks signature, expiry, issuer, and audience.
func (verifier *HS256Verifier) Verify(_ context.Context, rawToken string) (UpstreamIdentity, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(verifier.clock.Now),
	}
	if verifier.issuer != "" {
		options = append(options, jwt.WithIssuer(verifier.issuer))
	}
	if verifier.audience != "" {
		options = append(options, jwt.WithAudience(verifier.audience))
	}
	return parseIdentityToken(rawToken, func(*jwt.Token) (interface{}, error) {
		return verifier.secret, nil
	}, options...)
}

func parseIdentityToken(rawToken string, keyFunc jwt.Keyfunc, options ...jwt.ParserOption) (UpstreamIdentity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return UpstreamIdentity{}, ErrInvalidIdentityToken
	}
	claims := &jwt.RegisteredClaims{}
	parsedToken, err := jwt.ParseWithClaims(rawToken, claims, keyFunc, options...)
	if err != nil || parsedToken == nil || !parsedToken.Valid {
		return UpstreamIdentity{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, err)
	}
	if strings.TrimSpace(claims.Issuer) == "" || strings.TrimSpace(claims.Subject) == "" {
		return UpstreamIdentity{}, fmt.Errorf("%w: missing iss or sub", ErrInvalidIdentityToken)
	}
	return UpstreamIdentity{Issuer: claims.Issuer, Subject: claims.Subject}, nil
}

// GoogleTokenValidator validates Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator constructs the default Google ID token validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleIdentityVerifier accepts Google ID tokens minted for clientID.
type GoogleIdentityVerifier struct {
	validator GoogleTokenValidator
	clientID  string
}

// NewGoogleIdentityVerifier wraps validator for the given OAuth client id.
func NewGoogleIdentityVerifier(validator GoogleTokenValidator, clientID string) *GoogleIdentityVerifier {
	return &GoogleIdentityVerifier{validator: validator, clientID: clientID}
}

// Verify validates the token and requires a Google issuer.
func (verifier *GoogleIdentityVerifier) Verify(ctx context.Context, rawToken string) (UpstreamIdentity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return UpstreamIdentity{}, ErrInvalidIdentityToken
	}
	payload, err := verifier.validator.Validate(ctx, rawToken, verifier.clientID)
	if err != nil || payload == nil {
		return UpstreamIdentity{}, fmt.Errorf("%w: %v", ErrInvalidIdentityToken, err)
	}
	if payload.Issuer != "https://accounts.google.com" && payload.Issuer != "accounts.google.com" {
		return UpstreamIdentity{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIdentityToken, payload.Issuer)
	}
	if payload.Subject == "" {
		return UpstreamIdentity{}, fmt.Errorf("%w: missing sub", ErrInvalidIdentityToken)
	}
	return UpstreamIdentity{Issuer: payload.Issuer, Subject: payload.Subject}, nil
}

// IdentityVerifierChain tries each verifier in order and returns the first success.
type IdentityVerifierChain []IdentityVerifier

// Verify returns the identity from the first verifier that accepts the token.
func (chain IdentityVerifierChain) Verify(ctx context.Context, rawToken string) (UpstreamIdentity, error) {
	if len(chain) == 0 {
		return UpstreamIdentity{}, ErrInvalidIdentityToken
	}
	var lastErr error
	for _, verifier := range chain {
		identity, err := verifier.Verify(ctx, rawToken)
		if err == nil {
			return identity, nil
		}
		lastErr = err
	}
	return UpstreamIdentity{}, lastErr
}
