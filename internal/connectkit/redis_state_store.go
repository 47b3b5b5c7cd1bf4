package connectkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisStatePrefix    = "tconnect:oauth_state"
	defaultRedisStateRetention = time.Hour
)

// createStateLua inserts a state hash unless it exists and indexes it by expiry.
// KEYS[1] = state key, KEYS[2] = expiry index
// ARGV = created_at_ms, expires_at_ms, principal_id, key ttl ms, state value
var createStateLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {err='conflict'}
end
redis.call('HSET', KEYS[1], 'created_at_ms', ARGV[1], 'expires_at_ms', ARGV[2], 'consumed_at_ms', '0', 'principal_id', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[5])
return 1
`)

// consumeStateLua is the check-and-set for one-time consumption.
// KEYS[1] = state key; ARGV[1] = now ms
var consumeStateLua = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'created_at_ms', 'expires_at_ms', 'consumed_at_ms', 'principal_id')
if not fields[2] then
  return {err='not_found'}
end
if tonumber(ARGV[1]) > tonumber(fields[2]) then
  return {err='expired'}
end
if tonumber(fields[3]) ~= 0 then
  return {err='already_consumed'}
end
redis.call('HSET', KEYS[1], 'consumed_at_ms', ARGV[1])
return {fields[1], fields[2], ARGV[1], fields[4] or ''}
`)

// bindStateLua attaches a principal while the state is issued.
// KEYS[1] = state key; ARGV[1] = now ms, ARGV[2] = principal id
var bindStateLua = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'expires_at_ms', 'consumed_at_ms', 'principal_id')
if not fields[1] then
  return {err='not_found'}
end
if tonumber(ARGV[1]) > tonumber(fields[1]) or tonumber(fields[2]) ~= 0 then
  return {err='invalid_state'}
end
if fields[3] and fields[3] ~= '' and fields[3] ~= ARGV[2] then
  return {err='invalid_state'}
end
redis.call('HSET', KEYS[1], 'principal_id', ARGV[2])
return 1
`)

// sweepStatesLua deletes every indexed state that expired before now.
// KEYS[1] = expiry index; ARGV[1] = now ms, ARGV[2] = state key prefix
var sweepStatesLua = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local removed = 0
for _, state in ipairs(expired) do
  removed = removed + redis.call('DEL', ARGV[2] .. state)
  redis.call('ZREM', KEYS[1], state)
end
return removed
`)

// RedisStateStore keeps OAuth states in Redis hashes; all transitions run as Lua scripts.
type RedisStateStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ StateStore = (*RedisStateStore)(nil)

// RedisStateStoreOption customises a RedisStateStore.
type RedisStateStoreOption func(*RedisStateStore)

// WithRedisKeyPrefix overrides the key namespace.
func WithRedisKeyPrefix(prefix string) RedisStateStoreOption {
	return func(store *RedisStateStore) {
		if prefix != "" {
			store.prefix = prefix
		}
	}
}

// WithRedisRetention sets how long a state key outlives its expiry before Redis evicts it.
// Until then consume reports ErrExpired rather than ErrNotFound.
func WithRedisRetention(retention time.Duration) RedisStateStoreOption {
	return func(store *RedisStateStore) {
		if retention > 0 {
			store.retention = retention
		}
	}
}

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient, options ...RedisStateStoreOption) *RedisStateStore {
	store := &RedisStateStore{
		client:    client,
		prefix:    defaultRedisStatePrefix,
		retention: defaultRedisStateRetention,
	}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store
}

// OpenRedisStateStore connects to redisURL and verifies the connection.
func OpenRedisStateStore(ctx context.Context, redisURL string, options ...RedisStateStoreOption) (*RedisStateStore, error) {
	clientOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis_state_store.parse_url: %w", err)
	}
	client := redis.NewClient(clientOptions)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis_state_store.ping: %w", pingErr)
	}
	return NewRedisStateStore(client, options...), nil
}

// Close releases the client.
func (store *RedisStateStore) Close() error {
	return store.client.Close()
}

func (store *RedisStateStore) stateKeyPrefix() string {
	return store.prefix + ":state:"
}

func (store *RedisStateStore) stateKey(stateValue string) string {
	return store.stateKeyPrefix() + stateValue
}

func (store *RedisStateStore) expiryIndexKey() string {
	return store.prefix + ":expiry"
}

// CreateState stores a freshly issued state.
func (store *RedisStateStore) CreateState(ctx context.Context, state OAuthState) error {
	principalID := ""
	if state.PrincipalID != nil {
		principalID = *state.PrincipalID
	}
	keyTTL := state.ExpiresAt.Sub(state.CreatedAt) + store.retention
	err := createStateLua.Run(ctx, store.client,
		[]string{store.stateKey(state.State), store.expiryIndexKey()},
		toUnixMillis(state.CreatedAt),
		toUnixMillis(state.ExpiresAt),
		principalID,
		keyTTL.Milliseconds(),
		state.State,
	).Err()
	if err != nil {
		return fmt.Errorf("redis_state_store.create_state: %w", translateRedisScriptError(err))
	}
	return nil
}

// ConsumeState marks the state consumed if it is still issued.
func (store *RedisStateStore) ConsumeState(ctx context.Context, stateValue string, now time.Time) (OAuthState, error) {
	values, err := consumeStateLua.Run(ctx, store.client, []string{store.stateKey(stateValue)}, toUnixMillis(now)).StringSlice()
	if err != nil {
		return OAuthState{}, fmt.Errorf("redis_state_store.consume_state: %w", translateRedisScriptError(err))
	}
	if len(values) != 4 {
		return OAuthState{}, fmt.Errorf("redis_state_store.consume_state: unexpected script result length %d", len(values))
	}
	millis := make([]int64, 3)
	for index := range millis {
		parsed, parseErr := strconv.ParseInt(values[index], 10, 64)
		if parseErr != nil {
			return OAuthState{}, fmt.Errorf("redis_state_store.consume_state: %w", parseErr)
		}
		millis[index] = parsed
	}
	return OAuthState{
		State:       stateValue,
		CreatedAt:   fromUnixMillis(millis[0]),
		ExpiresAt:   fromUnixMillis(millis[1]),
		ConsumedAt:  optionalFromUnixMillis(millis[2]),
		PrincipalID: optionalString(values[3]),
	}, nil
}

// BindStatePrincipal attaches a principal to an issued state.
func (store *RedisStateStore) BindStatePrincipal(ctx context.Context, stateValue string, principalID string, now time.Time) error {
	err := bindStateLua.Run(ctx, store.client, []string{store.stateKey(stateValue)}, toUnixMillis(now), principalID).Err()
	if err != nil {
		return fmt.Errorf("redis_state_store.bind_state: %w", translateRedisScriptError(err))
	}
	return nil
}

// DeleteExpiredStates removes indexed states that expired before now.
func (store *RedisStateStore) DeleteExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	removed, err := sweepStatesLua.Run(ctx, store.client,
		[]string{store.expiryIndexKey()},
		toUnixMillis(now),
		store.stateKeyPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis_state_store.sweep_states: %w", err)
	}
	return removed, nil
}

func translateRedisScriptError(err error) error {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return err
	}
	switch redisErr.Error() {
	case "not_found":
		return ErrNotFound
	case "expired":
		return ErrExpired
	case "already_consumed":
		return ErrAlreadyConsumed
	case "invalid_state":
		return ErrInvalidState
	case "conflict":
		return ErrConflict
	default:
		return err
	}
}

// Ping verifies the Redis connection.
func (store *RedisStateStore) Ping(ctx context.Context) error {
	return store.client.Ping(ctx).Err()
}
