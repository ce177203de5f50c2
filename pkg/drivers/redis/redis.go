// Package redis implements the kv.Driver contract on a Redis backend
// using go-redis v9.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louspringer/inter-llm-mailbox/pkg/health"
	"github.com/louspringer/inter-llm-mailbox/pkg/kv"
)

// Config holds Redis connection settings.
type Config struct {
	Address         string        `yaml:"address"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	MaxRetries      int           `yaml:"max_retries"`
	PoolSize        int           `yaml:"pool_size"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// Validate applies defaults for unset fields.
func (c *Config) Validate() error {
	if c.Address == "" {
		c.Address = "localhost:6379"
	}
	// Strip redis:// or rediss:// scheme prefix if present
	c.Address = strings.TrimPrefix(c.Address, "redis://")
	c.Address = strings.TrimPrefix(c.Address, "rediss://")

	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	return nil
}

// Driver is a Redis-backed kv.Driver.
type Driver struct {
	client *redis.Client
	config Config
}

var _ kv.Driver = (*Driver)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		PoolSize:        cfg.PoolSize,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Driver{client: client, config: cfg}, nil
}

// Health reports connection health and pool pressure.
func (d *Driver) Health(ctx context.Context) (*health.Status, error) {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return health.Unhealthy(fmt.Sprintf("Redis ping failed: %v", err), map[string]string{
			"error": err.Error(),
		}), nil
	}

	stats := d.client.PoolStats()
	details := map[string]string{
		"total_conns": fmt.Sprintf("%d", stats.TotalConns),
		"idle_conns":  fmt.Sprintf("%d", stats.IdleConns),
		"pool_size":   fmt.Sprintf("%d", d.config.PoolSize),
	}

	if stats.TotalConns >= uint32(d.config.PoolSize*90/100) {
		return health.Degraded(
			fmt.Sprintf("pool near capacity: %d/%d connections", stats.TotalConns, d.config.PoolSize),
			details), nil
	}
	return health.Healthy(fmt.Sprintf("healthy, %d connections", stats.TotalConns), details), nil
}

func (d *Driver) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := d.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (d *Driver) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return d.client.Set(ctx, key, value, ttl).Err()
}

func (d *Driver) Del(ctx context.Context, keys ...string) (int64, error) {
	return d.client.Del(ctx, keys...).Result()
}

func (d *Driver) Exists(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Driver) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return d.client.Expire(ctx, key, ttl).Err()
}

func (d *Driver) TTL(ctx context.Context, key string) (time.Duration, error) {
	return d.client.TTL(ctx, key).Result()
}

func (d *Driver) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return d.client.HSet(ctx, key, fields).Err()
}

func (d *Driver) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := d.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (d *Driver) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return d.client.HGetAll(ctx, key).Result()
}

func (d *Driver) HDel(ctx context.Context, key string, fields ...string) error {
	return d.client.HDel(ctx, key, fields...).Err()
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func (d *Driver) SAdd(ctx context.Context, key string, members ...string) error {
	return d.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (d *Driver) SMembers(ctx context.Context, key string) ([]string, error) {
	return d.client.SMembers(ctx, key).Result()
}

func (d *Driver) SRem(ctx context.Context, key string, members ...string) error {
	return d.client.SRem(ctx, key, toAny(members)...).Err()
}

func (d *Driver) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return d.client.SIsMember(ctx, key, member).Result()
}

func (d *Driver) SCard(ctx context.Context, key string) (int64, error) {
	return d.client.SCard(ctx, key).Result()
}

func (d *Driver) ZAdd(ctx context.Context, key string, members ...kv.ZMember) error {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return d.client.ZAdd(ctx, key, zs...).Err()
}

func (d *Driver) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return d.client.ZRange(ctx, key, start, stop).Result()
}

func (d *Driver) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return d.client.ZRevRange(ctx, key, start, stop).Result()
}

func (d *Driver) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return d.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (d *Driver) ZRem(ctx context.Context, key string, members ...string) error {
	return d.client.ZRem(ctx, key, toAny(members)...).Err()
}

func (d *Driver) ZCard(ctx context.Context, key string) (int64, error) {
	return d.client.ZCard(ctx, key).Result()
}

func (d *Driver) Keys(ctx context.Context, pattern string) ([]string, error) {
	return d.client.Keys(ctx, pattern).Result()
}

func (d *Driver) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return d.client.Publish(ctx, channel, payload).Result()
}

func (d *Driver) Close() error {
	return d.client.Close()
}
