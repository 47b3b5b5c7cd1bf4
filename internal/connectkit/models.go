package connectkit

import "time"

// Principal is the internal identity for one upstream (issuer, subject) pair.
type Principal struct {
	ID        string
	Issuer    string
	Subject   string
	CreatedAt time.Time
}

// ConnectionStatus is derived from the revocation timestamp.
type ConnectionStatus string

const (
	ConnectionStatusActive  ConnectionStatus = "active"
	ConnectionStatusRevoked ConnectionStatus = "revoked"
)

// Connection is a stored downstream OAuth grant for one principal at one workspace.
// Token fields hold ciphertext produced by a TokenCipher.
type Connection struct {
	ID                     string
	PrincipalID            string
	WorkspaceID            string
	AccessTokenCiphertext  []byte
	RefreshTokenCiphertext []byte
	ExpiresAt              *time.Time
	RevokedAt              *time.Time
	Metadata               map[string]string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Status reports whether the connection is usable.
func (connection Connection) Status() ConnectionStatus {
	if connection.RevokedAt != nil {
		return ConnectionStatusRevoked
	}
	return ConnectionStatusActive
}

// IsExpired reports whether the access token is past its expiry at now.
// Connections without an expiry never expire.
func (connection Connection) IsExpired(now time.Time) bool {
	return connection.ExpiresAt != nil && now.After(*connection.ExpiresAt)
}

// ConnectionWrite carries the encrypted material for an upsert.
type ConnectionWrite struct {
	ID                     string
	PrincipalID            string
	WorkspaceID            string
	AccessTokenCiphertext  []byte
	RefreshTokenCiphertext []byte
	ExpiresAt              *time.Time
	Metadata               map[string]string
}

// StateStatus is the lifecycle position of a state token.
type StateStatus string

const (
	StateStatusIssued   StateStatus = "issued"
	StateStatusConsumed StateStatus = "consumed"
	StateStatusExpired  StateStatus = "expired"
)

// OAuthState is a single-use correlation token for an authorization round trip.
type OAuthState struct {
	State       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time
	PrincipalID *string
}

// Status reports the lifecycle position at now. Expiry wins over consumption.
func (state OAuthState) Status(now time.Time) StateStatus {
	if now.After(state.ExpiresAt) {
		return StateStatusExpired
	}
	if state.ConsumedAt != nil {
		return StateStatusConsumed
	}
	return StateStatusIssued
}

func toUnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func optionalUnixMillis(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return toUnixMillis(*value)
}

func fromUnixMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func optionalFromUnixMillis(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := fromUnixMillis(value)
	return &converted
}

func cloneMetadata(metadata map[string]string) map[string]string {
	clone := make(map[string]string, len(metadata))
	for key, value := range metadata {
		clone[key] = value
	}
	return clone
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
