package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/usewisp/wisp/pkg/engine"
)

const (
	defaultLeaseTTL     = 2 * time.Minute
	defaultLeaseRefresh = 30 * time.Second
)

// Only the token that took the lease may release or extend it.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLockerConfig configures RedisLocker.
type RedisLockerConfig struct {
	// TTL bounds how long a lease outlives a crashed holder.
	TTL time.Duration `yaml:"ttl"`

	// Refresh is how often a held lease is extended. It must be below TTL.
	Refresh time.Duration `yaml:"refresh"`
}

// RedisLocker implements engine.Locker with SET NX PX leases that a
// background goroutine keeps alive until released.
type RedisLocker struct {
	client  redis.UniversalClient
	ttl     time.Duration
	refresh time.Duration
}

var _ engine.Locker = (*RedisLocker)(nil)

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLeaseTTL
	}
	if cfg.Refresh <= 0 || cfg.Refresh >= cfg.TTL {
		cfg.Refresh = cfg.TTL / 4
		if cfg.Refresh <= 0 {
			cfg.Refresh = defaultLeaseRefresh
		}
	}
	return &RedisLocker{client: client, ttl: cfg.TTL, refresh: cfg.Refresh}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Acquire takes key or fails with LEASE_HELD.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (engine.Lease, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, engine.NewTransientError("failed to acquire lease", err).
			WithCode(engine.ErrCodeExternalService).
			WithOperation("acquire_lease").
			WithResource(key)
	}
	if !ok {
		return nil, engine.NewLeaseHeldError(key)
	}

	keepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		locker: l,
		key:    key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go lease.keepAlive(keepCtx)
	return lease, nil
}

// Held reports whether any lease exists for key.
func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, engine.NewTransientError("failed to check lease", err).
			WithCode(engine.ErrCodeExternalService).
			WithOperation("check_lease").
			WithResource(key)
	}
	return n > 0, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *redisLease) keepAlive(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.locker.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := extendScript.Run(ctx, l.locker.client, []string{l.key}, l.token, l.locker.ttl.Milliseconds()).Int()
			if err != nil {
				continue
			}
			if n == 0 {
				// Lost to expiry; someone else may hold it now.
				return
			}
		}
	}
}

// Release stops the refresher and deletes the key if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	l.cancel()
	<-l.done

	if err := releaseScript.Run(ctx, l.locker.client, []string{l.key}, l.token).Err(); err != nil {
		return engine.NewTransientError("failed to release lease", err).
			WithCode(engine.ErrCodeExternalService).
			WithOperation("release_lease").
			WithResource(l.key)
	}
	return nil
}
