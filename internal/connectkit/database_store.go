package connectkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("connect_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("connect_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("connect_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("connect_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("connect_store.unsupported_no_scheme")
)

const (
	driverLabelSQLite   = "sqlite"
	driverLabelPostgres = "postgres"
)

// DatabaseStore persists principals, connections, and OAuth states using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
}

var (
	_ PrincipalStore  = (*DatabaseStore)(nil)
	_ StateStore      = (*DatabaseStore)(nil)
	_ ConnectionStore = (*DatabaseStore)(nil)
)

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

type principalRecord struct {
	ID              string `gorm:"column:id;primaryKey"`
	Issuer          string `gorm:"column:issuer;not null;uniqueIndex:idx_principals_issuer_subject,priority:1"`
	Subject         string `gorm:"column:subject;not null;uniqueIndex:idx_principals_issuer_subject,priority:2"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

func (principalRecord) TableName() string {
	return "principals"
}

type connectionRecord struct {
	ID              string            `gorm:"column:id;primaryKey"`
	PrincipalID     string            `gorm:"column:principal_id;not null;uniqueIndex:idx_connections_principal_workspace,priority:1"`
	WorkspaceID     string            `gorm:"column:workspace_id;not null;uniqueIndex:idx_connections_principal_workspace,priority:2"`
	AccessTokenEnc  []byte            `gorm:"column:access_token_enc"`
	RefreshTokenEnc []byte            `gorm:"column:refresh_token_enc"`
	ExpiresAtMillis int64             `gorm:"column:expires_at_ms;not null;default:0"`
	RevokedAtMillis int64             `gorm:"column:revoked_at_ms;not null;default:0"`
	Meta            map[string]string `gorm:"column:meta;type:text;serializer:json;not null"`
	CreatedAtMillis int64             `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64             `gorm:"column:updated_at_ms;not null"`
}

func (connectionRecord) TableName() string {
	return "connections"
}

type oauthStateRecord struct {
	State            string  `gorm:"column:state;primaryKey"`
	CreatedAtMillis  int64   `gorm:"column:created_at_ms;not null"`
	ExpiresAtMillis  int64   `gorm:"column:expires_at_ms;not null;index:idx_oauth_states_expires_at"`
	ConsumedAtMillis int64   `gorm:"column:consumed_at_ms;not null;default:0"`
	PrincipalID      *string `gorm:"column:principal_id;index:idx_oauth_states_principal_id"`
}

func (oauthStateRecord) TableName() string {
	return "oauth_states"
}

// NewDatabaseStore constructs a GORM-backed store and migrates its tables.
func NewDatabaseStore(ctx context.Context, databaseURL string) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("connect_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("connect_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == driverLabelSQLite {
		// SQLite allows one writer; a single connection makes callers queue instead of failing.
		sqlDB, poolErr := gormDB.DB()
		if poolErr != nil {
			return nil, fmt.Errorf("connect_store.open.%s: %w", driverLabel, poolErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&principalRecord{}, &connectionRecord{}, &oauthStateRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("connect_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("connect_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

// ResolveOrCreatePrincipal inserts the candidate unless (issuer, subject) already exists.
func (store *DatabaseStore) ResolveOrCreatePrincipal(ctx context.Context, candidate Principal) (Principal, error) {
	record := principalRecord{
		ID:              candidate.ID,
		Issuer:          candidate.Issuer,
		Subject:         candidate.Subject,
		CreatedAtMillis: toUnixMillis(candidate.CreatedAt),
	}
	insertErr := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "issuer"}, {Name: "subject"}},
			DoNothing: true,
		}).
		Create(&record).Error
	if insertErr != nil {
		return Principal{}, fmt.Errorf("connect_store.resolve_principal.%s: %w", store.driverLabel, insertErr)
	}
	var stored principalRecord
	err := store.db.WithContext(ctx).
		Where("issuer = ? AND subject = ?", candidate.Issuer, candidate.Subject).
		Take(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("connect_store.resolve_principal.%s: %w", store.driverLabel, ErrConflict)
		}
		return Principal{}, fmt.Errorf("connect_store.resolve_principal.%s: %w", store.driverLabel, err)
	}
	return stored.toDomain(), nil
}

// GetPrincipal loads a principal by id.
func (store *DatabaseStore) GetPrincipal(ctx context.Context, principalID string) (Principal, error) {
	var stored principalRecord
	err := store.db.WithContext(ctx).Where("id = ?", principalID).Take(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Principal{}, fmt.Errorf("connect_store.get_principal.%s: %w", store.driverLabel, ErrNotFound)
		}
		return Principal{}, fmt.Errorf("connect_store.get_principal.%s: %w", store.driverLabel, err)
	}
	return stored.toDomain(), nil
}

// DeletePrincipal removes the principal together with its connections and unlinks its states.
func (store *DatabaseStore) DeletePrincipal(ctx context.Context, principalID string) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_id = ?", principalID).Delete(&connectionRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&oauthStateRecord{}).Where("principal_id = ?", principalID).Update("principal_id", nil).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", principalID).Delete(&principalRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect_store.delete_principal.%s: %w", store.driverLabel, err)
	}
	return nil
}

// CreateState inserts a freshly issued state; an existing state value yields ErrConflict.
func (store *DatabaseStore) CreateState(ctx context.Context, state OAuthState) error {
	record := oauthStateRecord{
		State:           state.State,
		CreatedAtMillis: toUnixMillis(state.CreatedAt),
		ExpiresAtMillis: toUnixMillis(state.ExpiresAt),
		PrincipalID:     state.PrincipalID,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "state"}}, DoNothing: true}).
		Create(&record)
	if result.Error != nil {
		return fmt.Errorf("connect_store.create_state.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("connect_store.create_state.%s: %w", store.driverLabel, ErrConflict)
	}
	return nil
}

// ConsumeState marks the state consumed with one conditional update and classifies failures.
func (store *DatabaseStore) ConsumeState(ctx context.Context, stateValue string, now time.Time) (OAuthState, error) {
	nowMillis := toUnixMillis(now)
	var stored oauthStateRecord
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&oauthStateRecord{}).
			Where("state = ? AND consumed_at_ms = 0 AND expires_at_ms >= ?", stateValue, nowMillis).
			Update("consumed_at_ms", nowMillis)
		if result.Error != nil {
			return result.Error
		}
		if takeErr := tx.Where("state = ?", stateValue).Take(&stored).Error; takeErr != nil {
			if errors.Is(takeErr, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return takeErr
		}
		if result.RowsAffected == 1 {
			return nil
		}
		return ClassifyUnconsumableState(stored.ExpiresAtMillis, stored.ConsumedAtMillis, nowMillis)
	})
	if err != nil {
		return OAuthState{}, fmt.Errorf("connect_store.consume_state.%s: %w", store.driverLabel, err)
	}
	return stored.toDomain(), nil
}

// BindStatePrincipal attaches a principal to a state that is still issued.
func (store *DatabaseStore) BindStatePrincipal(ctx context.Context, stateValue string, principalID string, now time.Time) error {
	nowMillis := toUnixMillis(now)
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&oauthStateRecord{}).
			Where("state = ? AND consumed_at_ms = 0 AND expires_at_ms >= ? AND (principal_id IS NULL OR principal_id = ?)", stateValue, nowMillis, principalID).
			Update("principal_id", principalID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			return nil
		}
		var existing oauthStateRecord
		if takeErr := tx.Where("state = ?", stateValue).Take(&existing).Error; takeErr != nil {
			if errors.Is(takeErr, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return takeErr
		}
		return ErrInvalidState
	})
	if err != nil {
		return fmt.Errorf("connect_store.bind_state.%s: %w", store.driverLabel, err)
	}
	return nil
}

// DeleteExpiredStates removes all states that expired before now, consumed or not.
func (store *DatabaseStore) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).Where("expires_at_ms < ?", toUnixMillis(now)).Delete(&oauthStateRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("connect_store.sweep_states.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// UpsertConnection inserts or rotates the grant for (principal, workspace) in one transaction.
// A revoked row for the pair is replaced by a new row so revocation stays monotonic per id.
func (store *DatabaseStore) UpsertConnection(ctx context.Context, write ConnectionWrite, now time.Time) (Connection, error) {
	nowMillis := toUnixMillis(now)
	var stored connectionRecord
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_id = ? AND workspace_id = ? AND revoked_at_ms <> 0", write.PrincipalID, write.WorkspaceID).
			Delete(&connectionRecord{}).Error; err != nil {
			return err
		}
		record := connectionRecord{
			ID:              write.ID,
			PrincipalID:     write.PrincipalID,
			WorkspaceID:     write.WorkspaceID,
			AccessTokenEnc:  write.AccessTokenCiphertext,
			RefreshTokenEnc: write.RefreshTokenCiphertext,
			ExpiresAtMillis: optionalUnixMillis(write.ExpiresAt),
			Meta:            cloneMetadata(write.Metadata),
			CreatedAtMillis: nowMillis,
			UpdatedAtMillis: nowMillis,
		}
		upsertErr := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "principal_id"}, {Name: "workspace_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"access_token_enc",
				"refresh_token_enc",
				"expires_at_ms",
				"meta",
				"updated_at_ms",
			}),
		}).Create(&record).Error
		if upsertErr != nil {
			return upsertErr
		}
		return tx.Where("principal_id = ? AND workspace_id = ?", write.PrincipalID, write.WorkspaceID).Take(&stored).Error
	})
	if err != nil {
		return Connection{}, fmt.Errorf("connect_store.upsert_connection.%s: %w", store.driverLabel, err)
	}
	return stored.toDomain(), nil
}

// GetConnection loads the connection for (principal, workspace), revoked or not.
func (store *DatabaseStore) GetConnection(ctx context.Context, principalID string, workspaceID string) (Connection, error) {
	var stored connectionRecord
	err := store.db.WithContext(ctx).
		Where("principal_id = ? AND workspace_id = ?", principalID, workspaceID).
		Take(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Connection{}, fmt.Errorf("connect_store.get_connection.%s: %w", store.driverLabel, ErrNotFound)
		}
		return Connection{}, fmt.Errorf("connect_store.get_connection.%s: %w", store.driverLabel, err)
	}
	return stored.toDomain(), nil
}

// GetConnectionByID loads a connection by id.
func (store *DatabaseStore) GetConnectionByID(ctx context.Context, connectionID string) (Connection, error) {
	var stored connectionRecord
	err := store.db.WithContext(ctx).Where("id = ?", connectionID).Take(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Connection{}, fmt.Errorf("connect_store.get_connection.%s: %w", store.driverLabel, ErrNotFound)
		}
		return Connection{}, fmt.Errorf("connect_store.get_connection.%s: %w", store.driverLabel, err)
	}
	return stored.toDomain(), nil
}

// ListConnections returns every connection of the principal ordered by creation.
func (store *DatabaseStore) ListConnections(ctx context.Context, principalID string) ([]Connection, error) {
	var records []connectionRecord
	err := store.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Order("created_at_ms ASC").
		Order("workspace_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("connect_store.list_connections.%s: %w", store.driverLabel, err)
	}
	connections := make([]Connection, 0, len(records))
	for _, record := range records {
		connections = append(connections, record.toDomain())
	}
	return connections, nil
}

// RevokeConnection marks a connection revoked and clears its token material.
func (store *DatabaseStore) RevokeConnection(ctx context.Context, connectionID string, now time.Time) error {
	nowMillis := toUnixMillis(now)
	result := store.db.WithContext(ctx).Model(&connectionRecord{}).
		Where("id = ? AND revoked_at_ms = 0", connectionID).
		Updates(map[string]any{
			"revoked_at_ms":     nowMillis,
			"updated_at_ms":     nowMillis,
			"access_token_enc":  nil,
			"refresh_token_enc": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("connect_store.revoke_connection.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var existing connectionRecord
	findErr := store.db.WithContext(ctx).Where("id = ?", connectionID).Take(&existing).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return fmt.Errorf("connect_store.revoke_connection.%s: %w", store.driverLabel, ErrNotFound)
	}
	if findErr != nil {
		return fmt.Errorf("connect_store.revoke_connection.%s: %w", store.driverLabel, findErr)
	}
	return nil
}

// DeleteConnection removes a connection row.
func (store *DatabaseStore) DeleteConnection(ctx context.Context, connectionID string) error {
	result := store.db.WithContext(ctx).Where("id = ?", connectionID).Delete(&connectionRecord{})
	if result.Error != nil {
		return fmt.Errorf("connect_store.delete_connection.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("connect_store.delete_connection.%s: %w", store.driverLabel, ErrNotFound)
	}
	return nil
}

// RevokeStaleConnections revokes active, non-refreshable connections that expired before cutoff.
func (store *DatabaseStore) RevokeStaleConnections(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	nowMillis := toUnixMillis(now)
	result := store.db.WithContext(ctx).Model(&connectionRecord{}).
		Where("revoked_at_ms = 0 AND expires_at_ms <> 0 AND expires_at_ms < ? AND (refresh_token_enc IS NULL OR length(refresh_token_enc) = 0)", toUnixMillis(cutoff)).
		Updates(map[string]any{
			"revoked_at_ms":    nowMillis,
			"updated_at_ms":    nowMillis,
			"access_token_enc": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("connect_store.sweep_connections.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// ClassifyUnconsumableState explains why a conditional consume matched no row.
// Expiry is reported before consumption.
func ClassifyUnconsumableState(expiresAtMillis int64, consumedAtMillis int64, nowMillis int64) error {
	if nowMillis > expiresAtMillis {
		return ErrExpired
	}
	if consumedAtMillis != 0 {
		return ErrAlreadyConsumed
	}
	return ErrInvalidState
}

func (record principalRecord) toDomain() Principal {
	return Principal{
		ID:        record.ID,
		Issuer:    record.Issuer,
		Subject:   record.Subject,
		CreatedAt: fromUnixMillis(record.CreatedAtMillis),
	}
}

func (record connectionRecord) toDomain() Connection {
	return Connection{
		ID:                     record.ID,
		PrincipalID:            record.PrincipalID,
		WorkspaceID:            record.WorkspaceID,
		AccessTokenCiphertext:  record.AccessTokenEnc,
		RefreshTokenCiphertext: record.RefreshTokenEnc,
		ExpiresAt:              optionalFromUnixMillis(record.ExpiresAtMillis),
		RevokedAt:              optionalFromUnixMillis(record.RevokedAtMillis),
		Metadata:               cloneMetadata(record.Meta),
		CreatedAt:              fromUnixMillis(record.CreatedAtMillis),
		UpdatedAt:              fromUnixMillis(record.UpdatedAtMillis),
	}
}

func (record oauthStateRecord) toDomain() OAuthState {
	return OAuthState{
		State:       record.State,
		CreatedAt:   fromUnixMillis(record.CreatedAtMillis),
		ExpiresAt:   fromUnixMillis(record.ExpiresAtMillis),
		ConsumedAt:  optionalFromUnixMillis(record.ConsumedAtMillis),
		PrincipalID: record.PrincipalID,
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("connect_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("connect_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), driverLabelPostgres, nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("connect_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), driverLabelSQLite, nil
	default:
		return nil, "", fmt.Errorf("connect_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}

// Ping verifies the database connection.
func (store *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("connect_store.ping.%s: %w", store.driverLabel, err)
	}
	return sqlDB.PingContext(ctx)
}
