package connectkit

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testEpoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock(start time.Time) *controllableClock {
	return &controllableClock{current: start}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

var unsafeDatabaseNameCharacters = regexp.MustCompile(`[^A-Za-z0-9_]`)

func newSQLiteTestStore(t *testing.T) *DatabaseStore {
	t.Helper()
	databaseName := unsafeDatabaseNameCharacters.ReplaceAllString(t.Name(), "_")
	store, err := NewDatabaseStore(context.Background(), "sqlite:file:"+databaseName+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newRedisTestStore(t *testing.T) *RedisStateStore {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateStore(client, WithRedisKeyPrefix("test:oauth_state"))
}

type relationalBackend struct {
	name  string
	build func(t *testing.T) relationalStores
}

type relationalStores struct {
	principals  PrincipalStore
	connections ConnectionStore
	states      StateStore
}

func relationalBackends() []relationalBackend {
	return []relationalBackend{
		{
			name: "memory",
			build: func(t *testing.T) relationalStores {
				t.Helper()
				store := NewMemoryStore()
				return relationalStores{principals: store, connections: store, states: store}
			},
		},
		{
			name: "sqlite",
			build: func(t *testing.T) relationalStores {
				t.Helper()
				store := newSQLiteTestStore(t)
				return relationalStores{principals: store, connections: store, states: store}
			},
		},
	}
}

type stateBackend struct {
	name  string
	build func(t *testing.T) StateStore
}

func stateBackends() []stateBackend {
	return []stateBackend{
		{
			name: "memory",
			build: func(t *testing.T) StateStore {
				t.Helper()
				return NewMemoryStore()
			},
		},
		{
			name: "sqlite",
			build: func(t *testing.T) StateStore {
				t.Helper()
				return newSQLiteTestStore(t)
			},
		},
		{
			name: "redis",
			build: func(t *testing.T) StateStore {
				t.Helper()
				return newRedisTestStore(t)
			},
		},
	}
}

func stringPointer(value string) *string {
	return &value
}

func timePointer(value time.Time) *time.Time {
	return &value
}

func newTestCipher(t *testing.T) *EnvelopeCipher {
	t.Helper()
	tokenCipher, err := NewEnvelopeCipher(KeyMaterial{ID: "k1", Secret: []byte("test-encryption-secret")})
	if err != nil {
		t.Fatalf("failed to build cipher: %v", err)
	}
	return tokenCipher
}
