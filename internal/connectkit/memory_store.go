package connectkit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store intended for tests and dev.
type MemoryStore struct {
	mutex           sync.Mutex
	principals      map[string]*memoryPrincipal
	principalByKey  map[string]string
	connections     map[string]*memoryConnection
	connectionByKey map[string]string
	states          map[string]*memoryState
}

var (
	_ PrincipalStore  = (*MemoryStore)(nil)
	_ StateStore      = (*MemoryStore)(nil)
	_ ConnectionStore = (*MemoryStore)(nil)
)

type memoryPrincipal struct {
	ID              string
	Issuer          string
	Subject         string
	CreatedAtMillis int64
}

type memoryConnection struct {
	ID              string
	PrincipalID     string
	WorkspaceID     string
	AccessTokenEnc  []byte
	RefreshTokenEnc []byte
	ExpiresAtMillis int64
	RevokedAtMillis int64
	Meta            map[string]string
	CreatedAtMillis int64
	UpdatedAtMillis int64
}

type memoryState struct {
	State            string
	CreatedAtMillis  int64
	ExpiresAtMillis  int64
	ConsumedAtMillis int64
	PrincipalID      string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:      make(map[string]*memoryPrincipal),
		principalByKey:  make(map[string]string),
		connections:     make(map[string]*memoryConnection),
		connectionByKey: make(map[string]string),
		states:          make(map[string]*memoryState),
	}
}

// ResolveOrCreatePrincipal returns the existing principal for (issuer, subject) or stores candidate.
func (store *MemoryStore) ResolveOrCreatePrincipal(ctx context.Context, candidate Principal) (Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	key := compositeKey(candidate.Issuer, candidate.Subject)
	if existingID, ok := store.principalByKey[key]; ok {
		return store.principals[existingID].toDomain(), nil
	}
	if _, taken := store.principals[candidate.ID]; taken {
		return Principal{}, ErrConflict
	}
	record := &memoryPrincipal{
		ID:              candidate.ID,
		Issuer:          candidate.Issuer,
		Subject:         candidate.Subject,
		CreatedAtMillis: toUnixMillis(candidate.CreatedAt),
	}
	store.principals[record.ID] = record
	store.principalByKey[key] = record.ID
	return record.toDomain(), nil
}

// GetPrincipal loads a principal by id.
func (store *MemoryStore) GetPrincipal(ctx context.Context, principalID string) (Principal, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.principals[principalID]
	if record == nil {
		return Principal{}, ErrNotFound
	}
	return record.toDomain(), nil
}

// DeletePrincipal removes the principal, cascades connections, and unlinks states.
func (store *MemoryStore) DeletePrincipal(ctx context.Context, principalID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.principals[principalID]
	if record == nil {
		return ErrNotFound
	}
	for connectionID, connection := range store.connections {
		if connection.PrincipalID == principalID {
			delete(store.connectionByKey, compositeKey(connection.PrincipalID, connection.WorkspaceID))
			delete(store.connections, connectionID)
		}
	}
	for _, state := range store.states {
		if state.PrincipalID == principalID {
			state.PrincipalID = ""
		}
	}
	delete(store.principalByKey, compositeKey(record.Issuer, record.Subject))
	delete(store.principals, principalID)
	return nil
}

// CreateState stores a freshly issued state.
func (store *MemoryStore) CreateState(ctx context.Context, state OAuthState) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.states[state.State]; exists {
		return ErrConflict
	}
	record := &memoryState{
		State:           state.State,
		CreatedAtMillis: toUnixMillis(state.CreatedAt),
		ExpiresAtMillis: toUnixMillis(state.ExpiresAt),
	}
	if state.PrincipalID != nil {
		record.PrincipalID = *state.PrincipalID
	}
	store.states[state.State] = record
	return nil
}

// ConsumeState marks the state consumed if it is still issued.
func (store *MemoryStore) ConsumeState(ctx context.Context, stateValue string, now time.Time) (OAuthState, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.states[stateValue]
	if record == nil {
		return OAuthState{}, ErrNotFound
	}
	nowMillis := toUnixMillis(now)
	if nowMillis > record.ExpiresAtMillis || record.ConsumedAtMillis != 0 {
		return OAuthState{}, ClassifyUnconsumableState(record.ExpiresAtMillis, record.ConsumedAtMillis, nowMillis)
	}
	record.ConsumedAtMillis = nowMillis
	return record.toDomain(), nil
}

// BindStatePrincipal attaches a principal to an issued state.
func (store *MemoryStore) BindStatePrincipal(ctx context.Context, stateValue string, principalID string, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.states[stateValue]
	if record == nil {
		return ErrNotFound
	}
	if toUnixMillis(now) > record.ExpiresAtMillis || record.ConsumedAtMillis != 0 {
		return ErrInvalidState
	}
	if record.PrincipalID != "" && record.PrincipalID != principalID {
		return ErrInvalidState
	}
	record.PrincipalID = principalID
	return nil
}

// DeleteExpiredStates removes states that expired before now.
func (store *MemoryStore) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowMillis := toUnixMillis(now)
	var removed int64
	for stateValue, record := range store.states {
		if record.ExpiresAtMillis < nowMillis {
			delete(store.states, stateValue)
			removed++
		}
	}
	return removed, nil
}

// UpsertConnection inserts or rotates the grant for (principal, workspace).
func (store *MemoryStore) UpsertConnection(ctx context.Context, write ConnectionWrite, now time.Time) (Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowMillis := toUnixMillis(now)
	key := compositeKey(write.PrincipalID, write.WorkspaceID)
	if existingID, ok := store.connectionByKey[key]; ok {
		existing := store.connections[existingID]
		if existing.RevokedAtMillis == 0 {
			existing.AccessTokenEnc = cloneBytes(write.AccessTokenCiphertext)
			existing.RefreshTokenEnc = cloneBytes(write.RefreshTokenCiphertext)
			existing.ExpiresAtMillis = optionalUnixMillis(write.ExpiresAt)
			existing.Meta = cloneMetadata(write.Metadata)
			existing.UpdatedAtMillis = nowMillis
			return existing.toDomain(), nil
		}
		delete(store.connections, existingID)
		delete(store.connectionByKey, key)
	}
	if _, taken := store.connections[write.ID]; taken {
		return Connection{}, ErrConflict
	}
	record := &memoryConnection{
		ID:              write.ID,
		PrincipalID:     write.PrincipalID,
		WorkspaceID:     write.WorkspaceID,
		AccessTokenEnc:  cloneBytes(write.AccessTokenCiphertext),
		RefreshTokenEnc: cloneBytes(write.RefreshTokenCiphertext),
		ExpiresAtMillis: optionalUnixMillis(write.ExpiresAt),
		Meta:            cloneMetadata(write.Metadata),
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	store.connections[record.ID] = record
	store.connectionByKey[key] = record.ID
	return record.toDomain(), nil
}

// GetConnection loads the connection for (principal, workspace).
func (store *MemoryStore) GetConnection(ctx context.Context, principalID string, workspaceID string) (Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	connectionID, ok := store.connectionByKey[compositeKey(principalID, workspaceID)]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return store.connections[connectionID].toDomain(), nil
}

// GetConnectionByID loads a connection by id.
func (store *MemoryStore) GetConnectionByID(ctx context.Context, connectionID string) (Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.connections[connectionID]
	if record == nil {
		return Connection{}, ErrNotFound
	}
	return record.toDomain(), nil
}

// ListConnections returns the principal's connections ordered by creation.
func (store *MemoryStore) ListConnections(ctx context.Context, principalID string) ([]Connection, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	connections := make([]Connection, 0)
	for _, record := range store.connections {
		if record.PrincipalID == principalID {
			connections = append(connections, record.toDomain())
		}
	}
	sort.Slice(connections, func(left, right int) bool {
		if connections[left].CreatedAt.Equal(connections[right].CreatedAt) {
			return connections[left].WorkspaceID < connections[right].WorkspaceID
		}
		return connections[left].CreatedAt.Before(connections[right].CreatedAt)
	})
	return connections, nil
}

// RevokeConnection marks the connection revoked once.
func (store *MemoryStore) RevokeConnection(ctx context.Context, connectionID string, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.connections[connectionID]
	if record == nil {
		return ErrNotFound
	}
	if record.RevokedAtMillis != 0 {
		return nil
	}
	nowMillis := toUnixMillis(now)
	record.RevokedAtMillis = nowMillis
	record.UpdatedAtMillis = nowMillis
	record.AccessTokenEnc = nil
	record.RefreshTokenEnc = nil
	return nil
}

// DeleteConnection removes a connection.
func (store *MemoryStore) DeleteConnection(ctx context.Context, connectionID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.connections[connectionID]
	if record == nil {
		return ErrNotFound
	}
	delete(store.connectionByKey, compositeKey(record.PrincipalID, record.WorkspaceID))
	delete(store.connections, connectionID)
	return nil
}

// RevokeStaleConnections revokes active, non-refreshable connections that expired before cutoff.
func (store *MemoryStore) RevokeStaleConnections(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	cutoffMillis := toUnixMillis(cutoff)
	nowMillis := toUnixMillis(now)
	var revoked int64
	for _, record := range store.connections {
		if record.RevokedAtMillis != 0 || record.ExpiresAtMillis == 0 || len(record.RefreshTokenEnc) != 0 {
			continue
		}
		if record.ExpiresAtMillis < cutoffMillis {
			record.RevokedAtMillis = nowMillis
			record.UpdatedAtMillis = nowMillis
			record.AccessTokenEnc = nil
			revoked++
		}
	}
	return revoked, nil
}

func compositeKey(first string, second string) string {
	return first + "\x00" + second
}

func (record *memoryPrincipal) toDomain() Principal {
	return Principal{
		ID:        record.ID,
		Issuer:    record.Issuer,
		Subject:   record.Subject,
		CreatedAt: fromUnixMillis(record.CreatedAtMillis),
	}
}

func (record *memoryConnection) toDomain() Connection {
	return Connection{
		ID:                     record.ID,
		PrincipalID:            record.PrincipalID,
		WorkspaceID:            record.WorkspaceID,
		AccessTokenCiphertext:  cloneBytes(record.AccessTokenEnc),
		RefreshTokenCiphertext: cloneBytes(record.RefreshTokenEnc),
		ExpiresAt:              optionalFromUnixMillis(record.ExpiresAtMillis),
		RevokedAt:              optionalFromUnixMillis(record.RevokedAtMillis),
		Metadata:               cloneMetadata(record.Meta),
		CreatedAt:              fromUnixMillis(record.CreatedAtMillis),
		UpdatedAt:              fromUnixMillis(record.UpdatedAtMillis),
	}
}

func (record *memoryState) toDomain() OAuthState {
	return OAuthState{
		State:       record.State,
		CreatedAt:   fromUnixMillis(record.CreatedAtMillis),
		ExpiresAt:   fromUnixMillis(record.ExpiresAtMillis),
		ConsumedAt:  optionalFromUnixMillis(record.ConsumedAtMillis),
		PrincipalID: optionalString(record.PrincipalID),
	}
}
