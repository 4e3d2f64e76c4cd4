// Package redis implements store.Store with one Redis hash per session.
// Reference count and status updates run as Lua scripts so they are atomic
// with the existence check.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/toolsessions-go/internal/redisconn"
	"github.com/ggoodman/toolsessions-go/store"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// KeyPrefix for all keys. ENV: STORE_KEY_PREFIX
	KeyPrefix string `env:"STORE_KEY_PREFIX,default=toolsessions:sessions:"`
	// TTL bounds how long an entry outlives its last write, so entries left
	// behind by a crashed host expire. ENV: STORE_ENTRY_TTL
	TTL time.Duration `env:"STORE_ENTRY_TTL,default=24h"`
}

const (
	fieldID      = "id"
	fieldTool    = "tool"
	fieldRef     = "rc"
	fieldStatus  = "status"
	fieldCreated = "created"
	fieldOwner   = "owner"
)

// Store is a Redis-backed store.Store.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	cl, err := redisconn.Dial(context.Background(), redisconn.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return nil, err
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "toolsessions:sessions:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode store config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) Get(ctx context.Context, id string) (*store.Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	e := &store.Entry{
		SessionID: vals[fieldID],
		ToolName:  vals[fieldTool],
		Status:    vals[fieldStatus],
		Owner:     vals[fieldOwner],
	}
	if e.RefCount, err = strconv.ParseInt(vals[fieldRef], 10, 64); err != nil {
		return nil, fmt.Errorf("redis store: parse refcount for %s: %w", id, err)
	}
	if raw := vals[fieldCreated]; raw != "" {
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, fmt.Errorf("redis store: parse created for %s: %w", id, err)
		}
	}
	return e, nil
}

func (s *Store) Set(ctx context.Context, e store.Entry) error {
	if e.SessionID == "" {
		return fmt.Errorf("redis store: session id is required")
	}
	key := s.key(e.SessionID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		fieldID, e.SessionID,
		fieldTool, e.ToolName,
		fieldRef, e.RefCount,
		fieldStatus, e.Status,
		fieldCreated, e.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldOwner, e.Owner,
	)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: set %s: %w", e.SessionID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis store: delete %s: %w", id, err)
	}
	return nil
}

// Returns {code, count}: code 0 ok, -1 missing, -2 would go negative.
var refCountScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return {-1, 0}
end
local cur = tonumber(redis.call('HGET', key, 'rc') or '0')
local n = cur + tonumber(ARGV[1])
if n < 0 then
  return {-2, cur}
end
redis.call('HSET', key, 'rc', n)
redis.call('PEXPIRE', key, ARGV[2])
return {0, n}
`)

func (s *Store) UpdateRefCount(ctx context.Context, id string, delta int64) (int64, error) {
	res, err := refCountScript.Run(ctx, s.client, []string{s.key(id)}, delta, s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redis store: update refcount %s: %w", id, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis store: unexpected refcount reply %v", res)
	}
	switch res[0] {
	case -1:
		return 0, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	case -2:
		return res[1], store.ErrNegativeRefCount
	}
	return res[1], nil
}

var statusScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 0
end
redis.call('HSET', key, 'status', ARGV[1])
redis.call('PEXPIRE', key, ARGV[2])
return 1
`)

func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	n, err := statusScript.Run(ctx, s.client, []string{s.key(id)}, status, s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis store: update status %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}
