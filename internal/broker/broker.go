// Package broker is the shared ephemeral store used for cross-instance
// fan-out and short-lived counters and flags. Nothing in it is durable; losing
// it degrades presence accuracy and rate-limit memory only.
package broker

import (
	"context"
	"time"
)

// Bus is a fire-and-forget pub/sub channel.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers every payload published on channel until ctx is done,
	// then closes the returned channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// KV holds atomic counters and TTL'd flags.
type KV interface {
	Incr(ctx context.Context, key string) (int64, error)
	// Decr decrements key and deletes it once the value reaches zero or below.
	Decr(ctx context.Context, key string) (int64, error)
	// Get returns 0 for a missing key.
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	// SetNX sets key with ttl only if absent and reports whether it did.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Allow records one event in key's sliding window and reports whether the
	// window held fewer than limit events before it. Rejected events are not recorded.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Ping(ctx context.Context) error
}

// Broker is a Bus and a KV behind one connection.
type Broker interface {
	Bus
	KV
}
