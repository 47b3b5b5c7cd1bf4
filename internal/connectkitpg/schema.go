package connectkitpg

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements mirror the GORM models in connectkit and add the foreign keys
// that AutoMigrate does not declare.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS principals (
    id TEXT PRIMARY KEY,
    issuer TEXT NOT NULL,
    subject TEXT NOT NULL,
    created_at_ms BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_principals_issuer_subject ON principals (issuer, subject)`,
	`CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    principal_id TEXT NOT NULL REFERENCES principals (id) ON DELETE CASCADE,
    workspace_id TEXT NOT NULL,
    access_token_enc BYTEA,
    refresh_token_enc BYTEA,
    expires_at_ms BIGINT NOT NULL DEFAULT 0,
    revoked_at_ms BIGINT NOT NULL DEFAULT 0,
    meta TEXT NOT NULL DEFAULT '{}',
    created_at_ms BIGINT NOT NULL,
    updated_at_ms BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_principal_workspace ON connections (principal_id, workspace_id)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
    state TEXT PRIMARY KEY,
    created_at_ms BIGINT NOT NULL,
    expires_at_ms BIGINT NOT NULL,
    consumed_at_ms BIGINT NOT NULL DEFAULT 0,
    principal_id TEXT REFERENCES principals (id) ON DELETE SET NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_states_expires_at ON oauth_states (expires_at_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_states_principal_id ON oauth_states (principal_id)`,
}

// EnsureSchema creates tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	transaction, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("connect_store.pg.schema: %w", err)
	}
	for _, statement := range schemaStatements {
		if _, execErr := transaction.ExecContext(ctx, statement); execErr != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("connect_store.pg.schema: %w", execErr)
		}
	}
	if commitErr := transaction.Commit(); commitErr != nil {
		return fmt.Errorf("connect_store.pg.schema: %w", commitErr)
	}
	return nil
}
