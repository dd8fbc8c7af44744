package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/tokenauth/internal/refresh"
)

// DefaultRetention is how long a token hash stays in Redis after its expiry,
// so that late replays are still recognised as reuse rather than unknown.
const DefaultRetention = 24 * time.Hour

// Each token is a hash at <prefix>rt:<value>; a set at <prefix>principal:<id>
// lists the values of one principal for RevokeAll.
var (
	insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'principal', ARGV[1], 'expires_at', ARGV[2], 'created_at', ARGV[3], 'revoked', '0')
redis.call('EXPIRE', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
if redis.call('TTL', KEYS[2]) < tonumber(ARGV[4]) then
  redis.call('EXPIRE', KEYS[2], ARGV[4])
end
return 1
`)

	replaceScript = redis.NewScript(`
local revoked = redis.call('HGET', KEYS[1], 'revoked')
if not revoked then
  return -1
end
if revoked == '1' then
  return -2
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1')
redis.call('HSET', KEYS[2], 'principal', ARGV[1], 'expires_at', ARGV[2], 'created_at', ARGV[3], 'revoked', '0')
redis.call('EXPIRE', KEYS[2], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
if redis.call('TTL', KEYS[3]) < tonumber(ARGV[4]) then
  redis.call('EXPIRE', KEYS[3], ARGV[4])
end
return 1
`)

	revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'revoked', '1')
return 1
`)

	revokeAllScript = redis.NewScript(`
local n = 0
for _, v in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local k = ARGV[1] .. v
  if redis.call('EXISTS', k) == 1 then
    redis.call('HSET', k, 'revoked', '1')
    n = n + 1
  else
    redis.call('SREM', KEYS[1], v)
  end
end
return n
`)
)

// RedisTokens is a refresh.Repository backed by Redis. Principals and roles
// still live in a SQL or memory DB.
type RedisTokens struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// RedisOption configures RedisTokens.
type RedisOption func(*RedisTokens)

// WithKeyPrefix namespaces every key, e.g. "tokenauth:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisTokens) { r.prefix = prefix }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) RedisOption {
	return func(r *RedisTokens) {
		if d >= 0 {
			r.retention = d
		}
	}
}

// WithRedisClock replaces time.Now when computing key lifetimes.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisTokens) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRedisTokens(client redis.UniversalClient, opts ...RedisOption) *RedisTokens {
	r := &RedisTokens{client: client, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisTokens) tokenKey(value string) string { return r.prefix + "rt:" + value }
func (r *RedisTokens) principalKey(id string) string {
	return r.prefix + "principal:" + id
}

// ttlSeconds is the key lifetime for a token expiring at exp. Never below one
// second; EXPIRE with zero deletes the key immediately.
func (r *RedisTokens) ttlSeconds(exp time.Time) int64 {
	secs := int64(exp.Add(r.retention).Sub(r.now()) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (r *RedisTokens) tokenArgs(t *refresh.Token) []any {
	return []any{t.PrincipalID, t.ExpiresAt.Unix(), t.CreatedAt.Unix(), r.ttlSeconds(t.ExpiresAt), t.Value}
}

func (r *RedisTokens) Insert(ctx context.Context, t *refresh.Token) error {
	keys := []string{r.tokenKey(t.Value), r.principalKey(t.PrincipalID)}
	n, err := insertScript.Run(ctx, r.client, keys, r.tokenArgs(t)...).Int()
	if err != nil {
		return fmt.Errorf("redis insert: %w", err)
	}
	if n == 0 {
		return refresh.ErrDuplicate
	}
	return nil
}

func (r *RedisTokens) Get(ctx context.Context, value string) (*refresh.Token, error) {
	fields, err := r.client.HGetAll(ctx, r.tokenKey(value)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, refresh.ErrNotFound
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis get: bad expires_at: %w", err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis get: bad created_at: %w", err)
	}
	return &refresh.Token{
		Value:       value,
		PrincipalID: fields["principal"],
		ExpiresAt:   time.Unix(expires, 0),
		CreatedAt:   time.Unix(created, 0),
		Revoked:     fields["revoked"] == "1",
	}, nil
}

func (r *RedisTokens) Replace(ctx context.Context, oldValue string, next *refresh.Token) error {
	keys := []string{r.tokenKey(oldValue), r.tokenKey(next.Value), r.principalKey(next.PrincipalID)}
	n, err := replaceScript.Run(ctx, r.client, keys, r.tokenArgs(next)...).Int()
	if err != nil {
		return fmt.Errorf("redis replace: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return refresh.ErrDuplicate
	case -1:
		return refresh.ErrNotFound
	case -2:
		return refresh.ErrRevoked
	default:
		return fmt.Errorf("redis replace: unexpected result %d", n)
	}
}

func (r *RedisTokens) Revoke(ctx context.Context, value string) error {
	n, err := revokeScript.Run(ctx, r.client, []string{r.tokenKey(value)}).Int()
	if err != nil {
		return fmt.Errorf("redis revoke: %w", err)
	}
	if n == 0 {
		return refresh.ErrNotFound
	}
	return nil
}

func (r *RedisTokens) RevokeAll(ctx context.Context, principalID string) error {
	err := revokeAllScript.Run(ctx, r.client, []string{r.principalKey(principalID)}, r.prefix+"rt:").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis revoke all: %w", err)
	}
	return nil
}

func (r *RedisTokens) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
