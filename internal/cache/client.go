package cache

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"formpulse/internal/retry"
	"formpulse/pkg/errors"
)

// Config holds connection and retry settings for the redis-backed client
type Config struct {
	// Addr is the single-node address, ignored when ClusterNodes is set
	Addr     string
	Password string
	DB       int

	// ClusterNodes switches the client to cluster mode. Redirection
	// (MOVED/ASK) is followed transparently by the cluster client.
	ClusterNodes []string

	// Pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Retry is the per-operation retry policy
	Retry retry.Config
	// Backoff shapes connection establishment
	Backoff retry.BackoffConfig
	// MaxConnectAttempts bounds one Connect call (0 = default)
	MaxConnectAttempts int
}

// DefaultConfig returns a config suitable for a local single node
func DefaultConfig() Config {
	return Config{
		Addr:               "localhost:6379",
		PoolSize:           100,
		MinIdleConns:       10,
		DialTimeout:        10 * time.Second,
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		Retry:              retry.DefaultConfig(),
		Backoff:            retry.DefaultBackoffConfig(),
		MaxConnectAttempts: 5,
	}
}

// RedisCache implements Client over a go-redis universal client. One
// instance is shared by all callers; the connection handle is created
// once, lazily, behind an explicit state machine, and every operation
// is safe for arbitrary interleaving.
type RedisCache struct {
	config   Config
	logger   *slog.Logger
	retrier  *retry.Retrier
	watchers *watchRegistry

	// connectMu serializes Connect so reconnect attempts are never concurrent
	connectMu sync.Mutex
	state     atomic.Int32
	client    redis.UniversalClient
}

// New creates a client without touching the network. The first
// operation (or an explicit Connect) establishes the connection.
func New(config Config, logger *slog.Logger) *RedisCache {
	if config.MaxConnectAttempts <= 0 {
		config.MaxConnectAttempts = 5
	}
	return &RedisCache{
		config:   config,
		logger:   logger.With("component", "cache"),
		retrier:  retry.New(config.Retry),
		watchers: newWatchRegistry(),
	}
}

// State returns the current connection state
func (c *RedisCache) State() State {
	return State(c.state.Load())
}

// Watch subscribes to connection state transitions
func (c *RedisCache) Watch() *Subscription {
	return c.watchers.subscribe()
}

// Connect establishes the connection if it is not already up. Calls are
// serialized; concurrent callers wait for the in-flight attempt instead
// of dialing on their own.
func (c *RedisCache) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State() == StateReady {
		return nil
	}

	c.setState(StateConnecting, StateEvent{State: StateConnecting, Addr: c.addr()})

	if c.client == nil {
		c.client = c.newUniversalClient()
	}

	backoff := retry.NewBackoff(c.config.Backoff)
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxConnectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
		err := c.client.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			c.setState(StateReady, StateEvent{State: StateReady, Addr: c.addr()})
			c.logger.Info("Connected to cache", "addr", c.addr(), "attempt", attempt)
			return nil
		}
		lastErr = err

		if attempt == c.config.MaxConnectAttempts {
			break
		}

		delay := backoff.Next()
		c.logger.Warn("Cache connection failed, backing off",
			"addr", c.addr(),
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(StateFailed, StateEvent{State: StateFailed, Addr: c.addr(), Err: ctx.Err()})
			return ctx.Err()
		}
	}

	c.setState(StateFailed, StateEvent{State: StateFailed, Addr: c.addr(), Err: lastErr})
	return errors.NewError(errors.ErrorTypeUnavailable, "failed to connect to cache").
		WithCause(lastErr).
		WithDetail("addr", c.addr())
}

// Close releases the connection and ends all watch subscriptions
func (c *RedisCache) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.watchers.closeAll()
	c.state.Store(int32(StateUninitialized))

	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// Ping verifies the connection is alive
func (c *RedisCache) Ping(ctx context.Context) error {
	rdb, err := c.handle(ctx)
	if err != nil {
		return err
	}
	return classify(rdb.Ping(ctx).Err())
}

// Get returns the value for key, or ErrNotFound
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// Set stores value under key with an optional TTL (0 = no expiry)
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.do(ctx, func(rdb redis.UniversalClient) error {
		return rdb.Set(ctx, key, value, ttl).Err()
	})
}

// IncrementCounter atomically advances the counter by 1
func (c *RedisCache) IncrementCounter(ctx context.Context, key string) (int64, error) {
	var val int64
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.Incr(ctx, key).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// IncrementHashField atomically adds delta to a hash field
func (c *RedisCache) IncrementHashField(ctx context.Context, key, field string, delta int64) (int64, error) {
	var val int64
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.HIncrBy(ctx, key, field, delta).Result()
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	return val, err
}

// AddToSortedSet inserts member with the given score
func (c *RedisCache) AddToSortedSet(ctx context.Context, key string, score float64, member string) error {
	return c.do(ctx, func(rdb redis.UniversalClient) error {
		return rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// RemoveSortedSetRange drops all members within the score range
func (c *RedisCache) RemoveSortedSetRange(ctx context.Context, key string, minScore, maxScore float64) error {
	return c.do(ctx, func(rdb redis.UniversalClient) error {
		return rdb.ZRemRangeByScore(ctx, key, formatScore(minScore), formatScore(maxScore)).Err()
	})
}

// RangeSortedSet returns members between rank start and stop
func (c *RedisCache) RangeSortedSet(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var members []string
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.ZRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		members = v
		return nil
	})
	return members, err
}

// RangeSortedSetWithScores returns members and scores between rank start and stop
func (c *RedisCache) RangeSortedSetWithScores(ctx context.Context, key string, start, stop int64) ([]Member, error) {
	var members []Member
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		zs, err := rdb.ZRangeWithScores(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		members = make([]Member, len(zs))
		for i, z := range zs {
			members[i] = Member{Score: z.Score, Value: fmt.Sprint(z.Member)}
		}
		return nil
	})
	return members, err
}

// CountSortedSet returns the cardinality of the sorted set
func (c *RedisCache) CountSortedSet(ctx context.Context, key string) (int64, error) {
	var count int64
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		count = v
		return nil
	})
	return count, err
}

// SetExpiry sets a TTL on key
func (c *RedisCache) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	return c.do(ctx, func(rdb redis.UniversalClient) error {
		return rdb.Expire(ctx, key, ttl).Err()
	})
}

// ReadHashAll returns all fields of a hash; a missing key yields an empty map
func (c *RedisCache) ReadHashAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		fields = v
		return nil
	})
	return fields, err
}

// AppendToList appends value to the tail of a list
func (c *RedisCache) AppendToList(ctx context.Context, key, value string) error {
	return c.do(ctx, func(rdb redis.UniversalClient) error {
		return rdb.RPush(ctx, key, value).Err()
	})
}

// ReadList returns list elements between index start and stop
func (c *RedisCache) ReadList(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var values []string
	err := c.do(ctx, func(rdb redis.UniversalClient) error {
		v, err := rdb.LRange(ctx, key, start, stop).Result()
		if err != nil {
			return err
		}
		values = v
		return nil
	})
	return values, err
}

// do runs one primitive under the bounded retry policy. Missing keys
// are surfaced immediately; everything else is retried and, on
// exhaustion, classified for the caller to decide fail-open vs
// fail-closed.
func (c *RedisCache) do(ctx context.Context, fn func(rdb redis.UniversalClient) error) error {
	rdb, err := c.handle(ctx)
	if err != nil {
		return err
	}

	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		err := fn(rdb)
		if err == nil {
			return nil
		}
		if stderrors.Is(err, redis.Nil) {
			return retry.Permanent(err)
		}
		return err
	})
	return classify(err)
}

// handle returns the live client, connecting lazily on first use
func (c *RedisCache) handle(ctx context.Context) (redis.UniversalClient, error) {
	if c.State() != StateReady {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}

	c.connectMu.Lock()
	rdb := c.client
	c.connectMu.Unlock()

	if rdb == nil {
		return nil, errors.NewError(errors.ErrorTypeUnavailable, "cache client closed")
	}
	return rdb, nil
}

func (c *RedisCache) newUniversalClient() redis.UniversalClient {
	onConnect := func(ctx context.Context, cn *redis.Conn) error {
		c.logger.Debug("Cache node connection established")
		return nil
	}

	if len(c.config.ClusterNodes) > 0 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        c.config.ClusterNodes,
			Password:     c.config.Password,
			PoolSize:     c.config.PoolSize,
			MinIdleConns: c.config.MinIdleConns,
			DialTimeout:  c.config.DialTimeout,
			ReadTimeout:  c.config.ReadTimeout,
			WriteTimeout: c.config.WriteTimeout,
			OnConnect:    onConnect,
			// In-flight operations follow MOVED/ASK redirects instead
			// of failing when slots migrate.
			MaxRedirects: 3,
		})
	}

	return redis.NewClient(&redis.Options{
		Addr:         c.config.Addr,
		Password:     c.config.Password,
		DB:           c.config.DB,
		PoolSize:     c.config.PoolSize,
		MinIdleConns: c.config.MinIdleConns,
		DialTimeout:  c.config.DialTimeout,
		ReadTimeout:  c.config.ReadTimeout,
		WriteTimeout: c.config.WriteTimeout,
		OnConnect:    onConnect,
		// The operation-level retrier owns retry policy
		MaxRetries: -1,
	})
}

func (c *RedisCache) setState(s State, ev StateEvent) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.watchers.publish(ev)
}

func (c *RedisCache) addr() string {
	if len(c.config.ClusterNodes) > 0 {
		return fmt.Sprintf("cluster[%d nodes]", len(c.config.ClusterNodes))
	}
	return c.config.Addr
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// Ensure RedisCache implements Client
var _ Client = (*RedisCache)(nil)
