package connectkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UpsertConnectionInput carries plaintext grant material for ConnectionManager.Upsert.
type UpsertConnectionInput struct {
	PrincipalID  string
	WorkspaceID  string
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	Metadata     map[string]string
}

// Credentials is decrypted token material for one connection.
type Credentials struct {
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
}

// ConnectionManager encrypts grants and delegates persistence to a ConnectionStore.
type ConnectionManager struct {
	store      ConnectionStore
	principals PrincipalStore
	cipher     TokenCipher
	clock      Clock
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// ConnectionManagerOption customises a ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// WithConnectionClock overrides the clock.
func WithConnectionClock(clock Clock) ConnectionManagerOption {
	return func(manager *ConnectionManager) {
		if clock != nil {
			manager.clock = clock
		}
	}
}

// WithConnectionLogger sets the logger.
func WithConnectionLogger(logger *zap.Logger) ConnectionManagerOption {
	return func(manager *ConnectionManager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithConnectionMetrics sets the metrics recorder.
func WithConnectionMetrics(metrics MetricsRecorder) ConnectionManagerOption {
	return func(manager *ConnectionManager) {
		if metrics != nil {
			manager.metrics = metrics
		}
	}
}

// WithConnectionPrincipals rejects grants for principals missing from principals.
func WithConnectionPrincipals(principals PrincipalStore) ConnectionManagerOption {
	return func(manager *ConnectionManager) {
		if principals != nil {
			manager.principals = principals
		}
	}
}

// NewConnectionManager constructs a manager that seals tokens with tokenCipher.
func NewConnectionManager(store ConnectionStore, tokenCipher TokenCipher, options ...ConnectionManagerOption) *ConnectionManager {
	manager := &ConnectionManager{
		store:   store,
		cipher:  tokenCipher,
		clock:   NewSystemClock(),
		logger:  zap.NewNop(),
		metrics: noopMetrics{},
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager
}

// Upsert stores the grant for (principal, workspace), rotating tokens when one already exists.
// An absent refresh token clears any previously stored one.
func (manager *ConnectionManager) Upsert(ctx context.Context, input UpsertConnectionInput) (Connection, error) {
	principalID := strings.TrimSpace(input.PrincipalID)
	workspaceID := strings.TrimSpace(input.WorkspaceID)
	if principalID == "" || workspaceID == "" || input.AccessToken == "" {
		return Connection{}, fmt.Errorf("connections.upsert: %w", ErrEmptyIdentifier)
	}
	if err := requirePrincipal(ctx, manager.principals, principalID); err != nil {
		return Connection{}, fmt.Errorf("connections.upsert: %w", err)
	}
	accessCiphertext, err := manager.cipher.Encrypt(ctx, []byte(input.AccessToken))
	if err != nil {
		return Connection{}, fmt.Errorf("connections.upsert.encrypt: %w", err)
	}
	var refreshCiphertext []byte
	if input.RefreshToken != nil && *input.RefreshToken != "" {
		refreshCiphertext, err = manager.cipher.Encrypt(ctx, []byte(*input.RefreshToken))
		if err != nil {
			return Connection{}, fmt.Errorf("connections.upsert.encrypt: %w", err)
		}
	}
	connection, upsertErr := manager.store.UpsertConnection(ctx, ConnectionWrite{
		ID:                     newRecordID(),
		PrincipalID:            principalID,
		WorkspaceID:            workspaceID,
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		ExpiresAt:              input.ExpiresAt,
		Metadata:               input.Metadata,
	}, manager.clock.Now())
	if upsertErr != nil {
		manager.logger.Error("connection upsert failed",
			zap.String("code", "connections.upsert_failed"),
			zap.String("principal_id", principalID),
			zap.String("workspace_id", workspaceID),
			zap.Error(upsertErr),
		)
		return Connection{}, upsertErr
	}
	manager.metrics.Increment(MetricConnectionUpserted)
	return connection, nil
}

// GetActive returns the unrevoked connection for (principal, workspace).
// An expired access token is still returned; callers decide via Connection.IsExpired.
func (manager *ConnectionManager) GetActive(ctx context.Context, principalID string, workspaceID string) (Connection, error) {
	if strings.TrimSpace(principalID) == "" || strings.TrimSpace(workspaceID) == "" {
		return Connection{}, fmt.Errorf("connections.get_active: %w", ErrEmptyIdentifier)
	}
	connection, err := manager.store.GetConnection(ctx, principalID, workspaceID)
	if err != nil {
		return Connection{}, err
	}
	if connection.Status() != ConnectionStatusActive {
		return Connection{}, fmt.Errorf("connections.get_active: %w", ErrNotFound)
	}
	return connection, nil
}

// Get loads a connection by id regardless of status.
func (manager *ConnectionManager) Get(ctx context.Context, connectionID string) (Connection, error) {
	if strings.TrimSpace(connectionID) == "" {
		return Connection{}, fmt.Errorf("connections.get: %w", ErrEmptyIdentifier)
	}
	return manager.store.GetConnectionByID(ctx, connectionID)
}

// List returns every connection of the principal, revoked ones included.
func (manager *ConnectionManager) List(ctx context.Context, principalID string) ([]Connection, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, fmt.Errorf("connections.list: %w", ErrEmptyIdentifier)
	}
	return manager.store.ListConnections(ctx, principalID)
}

// Credentials decrypts the token material of an active connection.
func (manager *ConnectionManager) Credentials(ctx context.Context, connection Connection) (Credentials, error) {
	if connection.Status() != ConnectionStatusActive || len(connection.AccessTokenCiphertext) == 0 {
		return Credentials{}, fmt.Errorf("connections.credentials: %w", ErrNotFound)
	}
	accessToken, err := manager.cipher.Decrypt(ctx, connection.AccessTokenCiphertext)
	if err != nil {
		return Credentials{}, fmt.Errorf("connections.credentials.decrypt: %w", err)
	}
	credentials := Credentials{
		AccessToken: string(accessToken),
		ExpiresAt:   connection.ExpiresAt,
	}
	if len(connection.RefreshTokenCiphertext) > 0 {
		refreshToken, refreshErr := manager.cipher.Decrypt(ctx, connection.RefreshTokenCiphertext)
		if refreshErr != nil {
			return Credentials{}, fmt.Errorf("connections.credentials.decrypt: %w", refreshErr)
		}
		refreshValue := string(refreshToken)
		credentials.RefreshToken = &refreshValue
	}
	return credentials, nil
}

// Revoke marks the connection revoked. Repeated calls keep the first revocation time.
func (manager *ConnectionManager) Revoke(ctx context.Context, connectionID string) error {
	if strings.TrimSpace(connectionID) == "" {
		return fmt.Errorf("connections.revoke: %w", ErrEmptyIdentifier)
	}
	if err := manager.store.RevokeConnection(ctx, connectionID, manager.clock.Now()); err != nil {
		return err
	}
	manager.metrics.Increment(MetricConnectionRevoked)
	manager.logger.Info("connection revoked", zap.String("code", "connections.revoked"), zap.String("connection_id", connectionID))
	return nil
}

// Disconnect permanently deletes the connection.
func (manager *ConnectionManager) Disconnect(ctx context.Context, connectionID string) error {
	if strings.TrimSpace(connectionID) == "" {
		return fmt.Errorf("connections.disconnect: %w", ErrEmptyIdentifier)
	}
	if err := manager.store.DeleteConnection(ctx, connectionID); err != nil {
		return err
	}
	manager.metrics.Increment(MetricConnectionDeleted)
	return nil
}
