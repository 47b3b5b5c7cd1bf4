package connectkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPrincipalStoresResolveIdempotently(t *testing.T) {
	t.Parallel()

	for _, backend := range relationalBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			stores := backend.build(t)
			ctx := context.Background()

			first, err := stores.principals.ResolveOrCreatePrincipal(ctx, Principal{ID: "p-1", Issuer: "https://issuer", Subject: "sub-1", CreatedAt: testEpoch})
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			second, err := stores.principals.ResolveOrCreatePrincipal(ctx, Principal{ID: "p-2", Issuer: "https://issuer", Subject: "sub-1", CreatedAt: testEpoch.Add(time.Hour)})
			if err != nil {
				t.Fatalf("second resolve failed: %v", err)
			}
			if first.ID != "p-1" || second.ID != "p-1" {
				t.Fatalf("expected both resolves to return p-1, got %q and %q", first.ID, second.ID)
			}
			if !second.CreatedAt.Equal(testEpoch) {
				t.Fatalf("expected original creation time, got %v", second.CreatedAt)
			}

			other, err := stores.principals.ResolveOrCreatePrincipal(ctx, Principal{ID: "p-3", Issuer: "https://other", Subject: "sub-1", CreatedAt: testEpoch})
			if err != nil {
				t.Fatalf("resolve other issuer failed: %v", err)
			}
			if other.ID != "p-3" {
				t.Fatalf("expected distinct principal for distinct issuer, got %q", other.ID)
			}

			loaded, err := stores.principals.GetPrincipal(ctx, "p-1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if loaded.Issuer != "https://issuer" || loaded.Subject != "sub-1" {
				t.Fatalf("unexpected principal %+v", loaded)
			}
			if _, err := stores.principals.GetPrincipal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeletePrincipalCascades(t *testing.T) {
	t.Parallel()

	for _, backend := range relationalBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			stores := backend.build(t)
			ctx := context.Background()

			if _, err := stores.principals.ResolveOrCreatePrincipal(ctx, Principal{ID: "p-1", Issuer: "iss", Subject: "sub", CreatedAt: testEpoch}); err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			connection, err := stores.connections.UpsertConnection(ctx, ConnectionWrite{
				ID:                    "c-1",
				PrincipalID:           "p-1",
				WorkspaceID:           "ws-1",
				AccessTokenCiphertext: []byte("sealed"),
			}, testEpoch)
			if err != nil {
				t.Fatalf("upsert failed: %v", err)
			}
			if err := stores.states.CreateState(ctx, OAuthState{State: "bound", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(time.Minute), PrincipalID: stringPointer("p-1")}); err != nil {
				t.Fatalf("create state failed: %v", err)
			}

			if err := stores.principals.DeletePrincipal(ctx, "p-1"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := stores.connections.GetConnectionByID(ctx, connection.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected connection to be deleted, got %v", err)
			}
			consumed, err := stores.states.ConsumeState(ctx, "bound", testEpoch)
			if err != nil {
				t.Fatalf("consume failed: %v", err)
			}
			if consumed.PrincipalID != nil {
				t.Fatalf("expected state principal to be cleared, got %q", *consumed.PrincipalID)
			}
			if err := stores.principals.DeletePrincipal(ctx, "p-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on second delete, got %v", err)
			}
		})
	}
}

func TestStateStoresConsumeOnce(t *testing.T) {
	t.Parallel()

	for _, backend := range stateBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store := backend.build(t)
			ctx := context.Background()

			if err := store.CreateState(ctx, OAuthState{State: "s-1", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(5 * time.Minute), PrincipalID: stringPointer("p-1")}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if err := store.CreateState(ctx, OAuthState{State: "s-1", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(5 * time.Minute)}); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for duplicate state, got %v", err)
			}

			consumed, err := store.ConsumeState(ctx, "s-1", testEpoch.Add(4*time.Minute))
			if err != nil {
				t.Fatalf("consume failed: %v", err)
			}
			if consumed.PrincipalID == nil || *consumed.PrincipalID != "p-1" {
				t.Fatalf("expected bound principal p-1, got %v", consumed.PrincipalID)
			}
			if consumed.ConsumedAt == nil || !consumed.ConsumedAt.Equal(testEpoch.Add(4*time.Minute)) {
				t.Fatalf("unexpected consumed_at %v", consumed.ConsumedAt)
			}
			if consumed.Status(testEpoch.Add(4*time.Minute)) != StateStatusConsumed {
				t.Fatalf("expected consumed status")
			}

			if _, err := store.ConsumeState(ctx, "s-1", testEpoch.Add(4*time.Minute+30*time.Second)); !errors.Is(err, ErrAlreadyConsumed) {
				t.Fatalf("expected ErrAlreadyConsumed, got %v", err)
			}
			if _, err := store.ConsumeState(ctx, "s-1", testEpoch.Add(6*time.Minute)); !errors.Is(err, ErrExpired) {
				t.Fatalf("expected ErrExpired to win over consumption, got %v", err)
			}
			if _, err := store.ConsumeState(ctx, "missing", testEpoch); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStateStoresRejectExpiredConsume(t *testing.T) {
	t.Parallel()

	for _, backend := range stateBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store := backend.build(t)
			ctx := context.Background()

			if err := store.CreateState(ctx, OAuthState{State: "short", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(time.Minute)}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if _, err := store.ConsumeState(ctx, "short", testEpoch.Add(2*time.Minute)); !errors.Is(err, ErrExpired) {
				t.Fatalf("expected ErrExpired, got %v", err)
			}
			if _, err := store.ConsumeState(ctx, "short", testEpoch.Add(2*time.Minute)); !errors.Is(err, ErrExpired) {
				t.Fatalf("expected ErrExpired on retry, got %v", err)
			}

			if err := store.CreateState(ctx, OAuthState{State: "boundary", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(time.Minute)}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if _, err := store.ConsumeState(ctx, "boundary", testEpoch.Add(time.Minute)); err != nil {
				t.Fatalf("expected consume at exact expiry to succeed, got %v", err)
			}
		})
	}
}

func TestStateStoresBindPrincipal(t *testing.T) {
	t.Parallel()

	for _, backend := range stateBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store := backend.build(t)
			ctx := context.Background()

			if err := store.CreateState(ctx, OAuthState{State: "unbound", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(10 * time.Minute)}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if err := store.BindStatePrincipal(ctx, "unbound", "p-1", testEpoch.Add(time.Minute)); err != nil {
				t.Fatalf("bind failed: %v", err)
			}
			if err := store.BindStatePrincipal(ctx, "unbound", "p-1", testEpoch.Add(time.Minute)); err != nil {
				t.Fatalf("rebinding the same principal should be a no-op, got %v", err)
			}
			if err := store.BindStatePrincipal(ctx, "unbound", "p-2", testEpoch.Add(time.Minute)); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState for a different principal, got %v", err)
			}
			consumed, err := store.ConsumeState(ctx, "unbound", testEpoch.Add(2*time.Minute))
			if err != nil {
				t.Fatalf("consume failed: %v", err)
			}
			if consumed.PrincipalID == nil || *consumed.PrincipalID != "p-1" {
				t.Fatalf("expected p-1, got %v", consumed.PrincipalID)
			}
			if err := store.BindStatePrincipal(ctx, "unbound", "p-1", testEpoch.Add(3*time.Minute)); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState after consumption, got %v", err)
			}

			if err := store.CreateState(ctx, OAuthState{State: "stale", CreatedAt: testEpoch, ExpiresAt: testEpoch.Add(time.Minute)}); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if err := store.BindStatePrincipal(ctx, "stale", "p-1", testEpoch.Add(2*time.Minute)); !errors.Is(err, ErrInvalidState) {
				t.Fatalf("expected ErrInvalidState after expiry, got %v", err)
			}
			if err := store.BindStatePrincipal(ctx, "missing", "p-1", testEpoch); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStateStoresDeleteExpired(t *testing.T) {
	t.Parallel()

	for _, backend := range stateBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			store := backend.build(t)
			ctx := context.Background()
			sweepAt := testEpoch.Add(time.Hour)

			fixtures := map[string]time.Duration{
				"past":        -time.Minute,
				"near-future": time.Minute,
				"future":      5 * time.Minute,
			}
			for stateValue, offset := range fixtures {
				expiresAt := sweepAt.Add(offset)
				if err := store.CreateState(ctx, OAuthState{State: stateValue, CreatedAt: expiresAt.Add(-10 * time.Minute), ExpiresAt: expiresAt}); err != nil {
					t.Fatalf("create %s failed: %v", stateValue, err)
				}
			}
			if _, err := store.ConsumeState(ctx, "near-future", sweepAt.Add(-30*time.Second)); err != nil {
				t.Fatalf("consume failed: %v", err)
			}

			removed, err := store.DeleteExpiredStates(ctx, sweepAt)
			if err != nil {
				t.Fatalf("sweep failed: %v", err)
			}
			if removed != 1 {
				t.Fatalf("expected 1 removed state, got %d", removed)
			}
			if _, err := store.ConsumeState(ctx, "past", sweepAt); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected swept state to be gone, got %v", err)
			}
			if _, err := store.ConsumeState(ctx, "future", sweepAt); err != nil {
				t.Fatalf("expected future state to survive, got %v", err)
			}
			if _, err := store.ConsumeState(ctx, "near-future", sweepAt); !errors.Is(err, ErrAlreadyConsumed) {
				t.Fatalf("expected consumed unexpired state to survive, got %v", err)
			}
		})
	}
}

func TestConnectionStoresUpsertRotatesInPlace(t *testing.T) {
	t.Parallel()

	for _, backend := range relationalBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			stores := backend.build(t)
			ctx := context.Background()

			first, err := stores.connections.UpsertConnection(ctx, ConnectionWrite{
				ID:                     "c-1",
				PrincipalID:            "p-1",
				WorkspaceID:            "ws-1",
				AccessTokenCiphertext:  []byte("token-a"),
				RefreshTokenCiphertext: []byte("refresh-a"),
				ExpiresAt:              timePointer(testEpoch.Add(time.Hour)),
				Metadata:               map[string]string{"workspace_name": "Alpha"},
			}, testEpoch)
			if err != nil {
				t.Fatalf("first upsert failed: %v", err)
			}
			second, err := stores.connections.UpsertConnection(ctx, ConnectionWrite{
				ID:                    "c-ignored",
				PrincipalID:           "p-1",
				WorkspaceID:           "ws-1",
				AccessTokenCiphertext: []byte("token-b"),
				Metadata:              map[string]string{"workspace_name": "Beta"},
			}, testEpoch.Add(time.Minute))
			if err != nil {
				t.Fatalf("second upsert failed: %v", err)
			}

			if second.ID != first.ID {
				t.Fatalf("expected rotation to keep id %q, got %q", first.ID, second.ID)
			}
			if string(second.AccessTokenCiphertext) != "token-b" {
				t.Fatalf("expected token-b, got %q", second.AccessTokenCiphertext)
			}
			if len(second.RefreshTokenCiphertext) != 0 {
				t.Fatalf("expected refresh token to be cleared, got %q", second.RefreshTokenCiphertext)
			}
			if second.ExpiresAt != nil {
				t.Fatalf("expected expiry to be cleared, got %v", second.ExpiresAt)
			}
			if second.Metadata["workspace_name"] != "Beta" {
				t.Fatalf("expected metadata to be replaced, got %v", second.Metadata)
			}
			if !second.CreatedAt.Equal(testEpoch) {
				t.Fatalf("expected created_at to stay %v, got %v", testEpoch, second.CreatedAt)
			}
			if !second.UpdatedAt.Equal(testEpoch.Add(time.Minute)) {
				t.Fatalf("expected updated_at to advance, got %v", second.UpdatedAt)
			}

			listed, err := stores.connections.ListConnections(ctx, "p-1")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(listed) != 1 {
				t.Fatalf("expected a single row per principal and workspace, got %d", len(listed))
			}

			loaded, err := stores.connections.GetConnection(ctx, "p-1", "ws-1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if string(loaded.AccessTokenCiphertext) != "token-b" {
				t.Fatalf("expected token-b on read, got %q", loaded.AccessTokenCiphertext)
			}
			if _, err := stores.connections.GetConnection(ctx, "p-1", "ws-missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestConnectionStoresRevokeIsMonotonic(t *testing.T) {
	t.Parallel()

	for _, backend := range relationalBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			stores := backend.build(t)
			ctx := context.Background()

			connection, err := stores.connections.UpsertConnection(ctx, ConnectionWrite{
				ID:                     "c-1",
				PrincipalID:            "p-1",
				WorkspaceID:            "ws-1",
				AccessTokenCiphertext:  []byte("token-a"),
				RefreshTokenCiphertext: []byte("refresh-a"),
			}, testEpoch)
			if err != nil {
				t.Fatalf("upsert failed: %v", err)
			}

			firstRevoke := testEpoch.Add(time.Minute)
			if err := stores.connections.RevokeConnection(ctx, connection.ID, firstRevoke); err != nil {
				t.Fatalf("revoke failed: %v", err)
			}
			if err := stores.connections.RevokeConnection(ctx, connection.ID, firstRevoke.Add(time.Hour)); err != nil {
				t.Fatalf("second revoke should be a no-op, got %v", err)
			}
			revoked, err := stores.connections.GetConnectionByID(ctx, connection.ID)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if revoked.RevokedAt == nil || !revoked.RevokedAt.Equal(firstRevoke) {
				t.Fatalf("expected revoked_at %v, got %v", firstRevoke, revoked.RevokedAt)
			}
			if !revoked.UpdatedAt.Equal(firstRevoke) {
				t.Fatalf("expected updated_at %v, got %v", firstRevoke, revoked.UpdatedAt)
			}
			if revoked.Status() != ConnectionStatusRevoked {
				t.Fatalf("expected revoked status")
			}
			if len(revoked.AccessTokenCiphertext) != 0 || len(revoked.RefreshTokenCiphertext) != 0 {
				t.Fatalf("expected token material to be cleared")
			}
			if err := stores.connections.RevokeConnection(ctx, "missing", firstRevoke); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			reconnected, err := stores.connections.UpsertConnection(ctx, ConnectionWrite{
				ID:                    "c-2",
				PrincipalID:           "p-1",
				WorkspaceID:           "ws-1",
				AccessTokenCiphertext: []byte("token-c"),
			}, firstRevoke.Add(2*time.Hour))
			if err != nil {
				t.Fatalf("reconnect failed: %v", err)
			}
			if reconnected.ID != "c-2" {
				t.Fatalf("expected a fresh row after revocation, got id %q", reconnected.ID)
			}
			if reconnected.RevokedAt != nil {
				t.Fatalf("expected fresh row to be active")
			}
			if _, err := stores.connections.GetConnectionByID(ctx, connection.ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected revoked row to be replaced, got %v", err)
			}
		})
	}
}

func TestConnectionStoresDeleteAndStaleRevocation(t *testing.T) {
	t.Parallel()

	for _, backend := range relationalBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			stores := backend.build(t)
			ctx := context.Background()

			writes := []ConnectionWrite{
				{ID: "stale", PrincipalID: "p-1", WorkspaceID: "ws-stale", AccessTokenCiphertext: []byte("a"), ExpiresAt: timePointer(testEpoch.Add(-48 * time.Hour))},
				{ID: "refreshable", PrincipalID: "p-1", WorkspaceID: "ws-refresh", AccessTokenCiphertext: []byte("a"), RefreshTokenCiphertext: []byte("r"), ExpiresAt: timePointer(testEpoch.Add(-48 * time.Hour))},
				{ID: "recent", PrincipalID: "p-1", WorkspaceID: "ws-recent", AccessTokenCiphertext: []byte("a"), ExpiresAt: timePointer(testEpoch.Add(-time.Hour))},
				{ID: "no-expiry", PrincipalID: "p-1", WorkspaceID: "ws-forever", AccessTokenCiphertext: []byte("a")},
			}
			for _, write := range writes {
				if _, err := stores.connections.UpsertConnection(ctx, write, testEpoch.Add(-72*time.Hour)); err != nil {
					t.Fatalf("upsert %s failed: %v", write.ID, err)
				}
			}

			revoked, err := stores.connections.RevokeStaleConnections(ctx, testEpoch.Add(-24*time.Hour), testEpoch)
			if err != nil {
				t.Fatalf("stale revoke failed: %v", err)
			}
			if revoked != 1 {
				t.Fatalf("expected 1 stale connection, got %d", revoked)
			}
			stale, err := stores.connections.GetConnectionByID(ctx, "stale")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if stale.Status() != ConnectionStatusRevoked {
				t.Fatalf("expected stale connection to be revoked")
			}

			if err := stores.connections.DeleteConnection(ctx, "recent"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if err := stores.connections.DeleteConnection(ctx, "recent"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on second delete, got %v", err)
			}
			listed, err := stores.connections.ListConnections(ctx, "p-1")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(listed) != 3 {
				t.Fatalf("expected 3 remaining connections, got %d", len(listed))
			}
		})
	}
}

func TestConnectionStoresRepeatedUpsertKeepsOneRow(t *testing.T) {
	t.Parallel()

	for _, backend := range relationalBackends() {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			stores := backend.build(t)
			ctx := context.Background()

			write := ConnectionWrite{
				ID:                    "c-1",
				PrincipalID:           "p-1",
				WorkspaceID:           "ws-1",
				AccessTokenCiphertext: []byte("token-a"),
				ExpiresAt:             timePointer(testEpoch.Add(time.Hour)),
				Metadata:              map[string]string{"workspace_name": "Alpha"},
			}
			first, err := stores.connections.UpsertConnection(ctx, write, testEpoch)
			if err != nil {
				t.Fatalf("first upsert failed: %v", err)
			}
			retried, err := stores.connections.UpsertConnection(ctx, write, testEpoch.Add(30*time.Second))
			if err != nil {
				t.Fatalf("retried upsert failed: %v", err)
			}

			if retried.ID != first.ID || !retried.CreatedAt.Equal(testEpoch) {
				t.Fatalf("expected retry to keep id and created_at, got %q %v", retried.ID, retried.CreatedAt)
			}
			if !retried.UpdatedAt.Equal(testEpoch.Add(30 * time.Second)) {
				t.Fatalf("expected updated_at to advance on retry, got %v", retried.UpdatedAt)
			}
			if string(retried.AccessTokenCiphertext) != "token-a" || retried.ExpiresAt == nil || !retried.ExpiresAt.Equal(testEpoch.Add(time.Hour)) {
				t.Fatalf("expected retry to leave the grant unchanged, got %+v", retried)
			}
			listed, err := stores.connections.ListConnections(ctx, "p-1")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(listed) != 1 {
				t.Fatalf("expected one row after a retried upsert, got %d", len(listed))
			}
		})
	}
}
