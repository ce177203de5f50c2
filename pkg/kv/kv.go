// Package kv defines the key-value and pub/sub store contract the message
// plane is built on. Drivers live under pkg/drivers.
package kv

import (
	"context"
	"time"
)

// ZMember is a sorted-set member with its score.
type ZMember struct {
	Score  float64
	Member string
}

// Store is the durable key-value interface required by the core.
// Implementations must be safe for concurrent use.
type Store interface {
	// String operations
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Hash operations
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Set operations
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted-set operations, scores are unix seconds throughout the core
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Keys returns keys matching a glob pattern. Intended for recovery
	// scans, not hot paths.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish sends payload on a channel and returns the number of
	// subscribers that received it.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)

	Close() error
}

// InboundMessage is a message received from a pub/sub subscription.
type InboundMessage struct {
	// Channel the message arrived on.
	Channel string
	// Pattern that matched the channel, empty for exact subscriptions.
	Pattern string
	Payload []byte
}

// Subscriber is a single pub/sub subscription session. Channels and
// patterns may be added and removed while the session is open; inbound
// messages are delivered on Messages until Close.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	Messages() <-chan *InboundMessage
	Close() error
}

// Driver combines the store with the ability to open pub/sub sessions.
type Driver interface {
	Store
	// NewSubscriber opens a pub/sub session against the same backend.
	NewSubscriber(ctx context.Context) (Subscriber, error)
}
