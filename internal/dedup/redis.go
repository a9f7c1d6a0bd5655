package dedup

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisConfig configures the shared Redis cache.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	TTL         time.Duration
	DialTimeout time.Duration
	PingTimeout time.Duration
}

// Redis is a Cache shared by every process pointing at the same server.
// Expiry is delegated to Redis, so there is nothing to sweep.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// OpenRedis connects to Redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, eris.New("dedup: redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "dedup: redis ping")
	}
	return NewRedis(rdb, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if prefix == "" {
		prefix = "cdr-sync:dedup:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Set(ctx context.Context, key string, at time.Time) error {
	err := r.client.Set(ctx, r.key(key), strconv.FormatInt(at.Unix(), 10), r.ttl).Err()
	return eris.Wrapf(err, "dedup: redis set %s", key)
}

func (r *Redis) HasKey(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, eris.Wrapf(err, "dedup: redis exists %s", key)
	}
	return n > 0, nil
}

func (r *Redis) DeleteKey(ctx context.Context, key string) error {
	err := r.client.Del(ctx, r.key(key)).Err()
	return eris.Wrapf(err, "dedup: redis del %s", key)
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
