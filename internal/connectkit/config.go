package connectkit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errMalformedKeyEntry = errors.New("token_cipher.malformed_key_entry")

// ServerConfig configures storage, token encryption, identity verification, and the provider flow.
type ServerConfig struct {
	ListenAddr    string
	DatabaseURL   string
	StateStoreURL string

	EncryptionKey          KeyMaterial
	PreviousEncryptionKeys []KeyMaterial

	StateTTL             time.Duration
	SweepInterval        time.Duration
	StaleConnectionAfter time.Duration

	UpstreamIssuer      string
	UpstreamAudience    string
	UpstreamJWKSURL     string
	UpstreamHS256Secret []byte
	GoogleClientID      string

	NotionClientID     string
	NotionClientSecret string
	NotionRedirectURI  string
	NotionOwner        string
	NotionSmokeTest    bool

	EnableCORS              bool
	CORSAllowedOrigins      []string
	OAuthRateLimitPerMinute int
	TrustedProxies          []string
	CookieDomain            string

	ResourceURL          string
	AuthorizationServers []string
	ResourceScopes       []string
}

// ParseKeyMaterialList parses "kid=secret" entries used for retired encryption keys.
func ParseKeyMaterialList(entries []string) ([]KeyMaterial, error) {
	materials := make([]KeyMaterial, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		keyID, secret, found := strings.Cut(trimmed, "=")
		if !found || strings.TrimSpace(keyID) == "" || strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("%w: expected kid=secret", errMalformedKeyEntry)
		}
		materials = append(materials, KeyMaterial{ID: strings.TrimSpace(keyID), Secret: []byte(strings.TrimSpace(secret))})
	}
	return materials, nil
}
