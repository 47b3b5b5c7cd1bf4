package connectkitpg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/tconnect/internal/connectkit"
)

// PostgresStateStore keeps OAuth states in PostgreSQL using single-statement transitions.
type PostgresStateStore struct {
	db *sql.DB
}

var _ connectkit.StateStore = (*PostgresStateStore)(nil)

// NewPostgresStateStore constructs a Postgres state store.
func NewPostgresStateStore(db *sql.DB) *PostgresStateStore {
	return &PostgresStateStore{db: db}
}

// CreateState inserts a freshly issued state; a duplicate value yields ErrConflict.
func (store *PostgresStateStore) CreateState(ctx context.Context, state connectkit.OAuthState) error {
	var principalID sql.NullString
	if state.PrincipalID != nil {
		principalID = sql.NullString{String: *state.PrincipalID, Valid: true}
	}
	result, err := store.db.ExecContext(ctx, `
INSERT INTO oauth_states (state, created_at_ms, expires_at_ms, consumed_at_ms, principal_id)
VALUES ($1, $2, $3, 0, $4)
ON CONFLICT (state) DO NOTHING
`, state.State, unixMillis(state.CreatedAt), unixMillis(state.ExpiresAt), principalID)
	if err != nil {
		return fmt.Errorf("connect_store.create_state.pg: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("connect_store.create_state.pg: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("connect_store.create_state.pg: %w", connectkit.ErrConflict)
	}
	return nil
}

// ConsumeState marks the state consumed with one UPDATE ... RETURNING.
func (store *PostgresStateStore) ConsumeState(ctx context.Context, stateValue string, now time.Time) (connectkit.OAuthState, error) {
	nowMillis := unixMillis(now)
	var createdAtMillis, expiresAtMillis, consumedAtMillis int64
	var principalID sql.NullString
	err := store.db.QueryRowContext(ctx, `
UPDATE oauth_states
SET consumed_at_ms = $1
WHERE state = $2 AND consumed_at_ms = 0 AND expires_at_ms >= $1
RETURNING created_at_ms, expires_at_ms, consumed_at_ms, principal_id
`, nowMillis, stateValue).Scan(&createdAtMillis, &expiresAtMillis, &consumedAtMillis, &principalID)
	if err == nil {
		consumedAt := time.UnixMilli(consumedAtMillis).UTC()
		state := connectkit.OAuthState{
			State:      stateValue,
			CreatedAt:  time.UnixMilli(createdAtMillis).UTC(),
			ExpiresAt:  time.UnixMilli(expiresAtMillis).UTC(),
			ConsumedAt: &consumedAt,
		}
		if principalID.Valid {
			boundPrincipal := principalID.String
			state.PrincipalID = &boundPrincipal
		}
		return state, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return connectkit.OAuthState{}, fmt.Errorf("connect_store.consume_state.pg: %w", err)
	}
	classifyErr := store.db.QueryRowContext(ctx, `
SELECT expires_at_ms, consumed_at_ms FROM oauth_states WHERE state = $1
`, stateValue).Scan(&expiresAtMillis, &consumedAtMillis)
	if errors.Is(classifyErr, sql.ErrNoRows) {
		return connectkit.OAuthState{}, fmt.Errorf("connect_store.consume_state.pg: %w", connectkit.ErrNotFound)
	}
	if classifyErr != nil {
		return connectkit.OAuthState{}, fmt.Errorf("connect_store.consume_state.pg: %w", classifyErr)
	}
	return connectkit.OAuthState{}, fmt.Errorf("connect_store.consume_state.pg: %w",
		connectkit.ClassifyUnconsumableState(expiresAtMillis, consumedAtMillis, nowMillis))
}

// BindStatePrincipal attaches a principal to a state that is still issued.
func (store *PostgresStateStore) BindStatePrincipal(ctx context.Context, stateValue string, principalID string, now time.Time) error {
	result, err := store.db.ExecContext(ctx, `
UPDATE oauth_states
SET principal_id = $1
WHERE state = $2 AND consumed_at_ms = 0 AND expires_at_ms >= $3 AND (principal_id IS NULL OR principal_id = $1)
`, principalID, stateValue, unixMillis(now))
	if err != nil {
		return fmt.Errorf("connect_store.bind_state.pg: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("connect_store.bind_state.pg: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var exists int
	lookupErr := store.db.QueryRowContext(ctx, `SELECT 1 FROM oauth_states WHERE state = $1`, stateValue).Scan(&exists)
	if errors.Is(lookupErr, sql.ErrNoRows) {
		return fmt.Errorf("connect_store.bind_state.pg: %w", connectkit.ErrNotFound)
	}
	if lookupErr != nil {
		return fmt.Errorf("connect_store.bind_state.pg: %w", lookupErr)
	}
	return fmt.Errorf("connect_store.bind_state.pg: %w", connectkit.ErrInvalidState)
}

// DeleteExpiredStates removes every state that expired before now.
func (store *PostgresStateStore) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	result, err := store.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at_ms < $1`, unixMillis(now))
	if err != nil {
		return 0, fmt.Errorf("connect_store.sweep_states.pg: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("connect_store.sweep_states.pg: %w", err)
	}
	return removed, nil
}

func unixMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Ping verifies the database connection.
func (store *PostgresStateStore) Ping(ctx context.Context) error {
	return store.db.PingContext(ctx)
}
