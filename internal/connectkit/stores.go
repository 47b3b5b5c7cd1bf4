package connectkit

import (
	"context"
	"time"
)

// PrincipalStore persists upstream identities.
type PrincipalStore interface {
	// ResolveOrCreatePrincipal inserts candidate unless (issuer, subject) exists and returns the stored row.
	ResolveOrCreatePrincipal(ctx context.Context, candidate Principal) (Principal, error)
	GetPrincipal(ctx context.Context, principalID string) (Principal, error)
	// DeletePrincipal removes the principal, its connections, and nullifies state references.
	DeletePrincipal(ctx context.Context, principalID string) error
}

// StateStore persists one-time OAuth state tokens.
type StateStore interface {
	CreateState(ctx context.Context, state OAuthState) error
	// ConsumeState atomically marks the state consumed at now and returns the stored row.
	ConsumeState(ctx context.Context, stateValue string, now time.Time) (OAuthState, error)
	BindStatePrincipal(ctx context.Context, stateValue string, principalID string, now time.Time) error
	// DeleteExpiredStates removes states whose expiry is strictly before now.
	DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error)
}

// ConnectionStore persists encrypted OAuth grants.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, write ConnectionWrite, now time.Time) (Connection, error)
	GetConnection(ctx context.Context, principalID string, workspaceID string) (Connection, error)
	GetConnectionByID(ctx context.Context, connectionID string) (Connection, error)
	ListConnections(ctx context.Context, principalID string) ([]Connection, error)
	// RevokeConnection sets revoked_at once and clears token material; later calls are no-ops.
	RevokeConnection(ctx context.Context, connectionID string, now time.Time) error
	DeleteConnection(ctx context.Context, connectionID string) error
	// RevokeStaleConnections revokes active rows expired before cutoff that hold no refresh token.
	RevokeStaleConnections(ctx context.Context, cutoff time.Time, now time.Time) (int64, error)
}
