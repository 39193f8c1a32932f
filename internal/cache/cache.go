// Package cache provides the shared cache client used by the rate
// limiter and the analytics hub. It wraps a clustered key/value store
// behind typed atomic primitives and owns connection lifecycle, retry
// policy and failure classification, so callers only decide what to do
// when the cache is genuinely gone.
package cache

import (
	"context"
	"time"
)

// Member is a sorted-set entry with its score
type Member struct {
	Score float64
	Value string
}

// Client is the typed surface over the shared cache. Every method is a
// single atomic primitive at the storage layer; sequences of calls are
// not transactional.
type Client interface {
	// Get returns the value for key, or ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key with an optional TTL (0 = no expiry)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// IncrementCounter atomically advances the counter by 1 and returns the new value
	IncrementCounter(ctx context.Context, key string) (int64, error)
	// IncrementHashField atomically adds delta to a hash field and returns the new value
	IncrementHashField(ctx context.Context, key, field string, delta int64) (int64, error)
	// AddToSortedSet inserts member with the given score
	AddToSortedSet(ctx context.Context, key string, score float64, member string) error
	// RemoveSortedSetRange drops all members with minScore <= score <= maxScore
	RemoveSortedSetRange(ctx context.Context, key string, minScore, maxScore float64) error
	// RangeSortedSet returns members between rank start and stop, ascending by score
	RangeSortedSet(ctx context.Context, key string, start, stop int64) ([]string, error)
	// RangeSortedSetWithScores returns members and scores between rank start and stop
	RangeSortedSetWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error)
	// CountSortedSet returns the cardinality of the sorted set
	CountSortedSet(ctx context.Context, key string) (int64, error)
	// SetExpiry sets a TTL on key
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error
	// ReadHashAll returns all fields of a hash; missing keys yield an empty map
	ReadHashAll(ctx context.Context, key string) (map[string]string, error)
	// AppendToList appends value to the tail of a list
	AppendToList(ctx context.Context, key, value string) error
	// ReadList returns list elements between index start and stop
	ReadList(ctx context.Context, key string, start, stop int64) ([]string, error)
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error
	// Watch subscribes to connection state transitions
	Watch() *Subscription
	// Close releases the connection
	Close() error
}
