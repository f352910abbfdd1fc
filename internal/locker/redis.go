package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	defaultPrefix     = "klear:lend:lock:"
	defaultTTL        = 10 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker backed by a single Redis key per position. The key holds
// a random token so only the holder can release it, and expires after ttl so
// a crashed holder cannot wedge the position. While fn runs the key is
// extended every ttl/3; if it is lost anyway, fn's context is cancelled with
// ErrLockNotHeld.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithRetryDelay(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retryDelay = d
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:     client,
		prefix:     defaultPrefix,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithLock retries acquisition until ctx is done.
func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if key == "" {
		return ErrEmptyKey
	}
	if fn == nil {
		return ErrNilFn
	}

	redisKey := r.prefix + key
	token := uuid.NewString()

	if err := r.acquire(ctx, redisKey, token); err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.keepAlive(context.WithoutCancel(ctx), redisKey, token, stop, cancel)
	}()

	fnErr := fn(fnCtx)
	close(stop)
	<-renewed
	cancel(nil)

	// Release with a fresh context so a cancelled caller still frees the key.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer releaseCancel()
	if err := r.release(releaseCtx, redisKey, token); err != nil {
		log.Warn().Err(err).Str("key", redisKey).Msg("failed to release position lock")
		if fnErr == nil {
			return err
		}
	}
	return fnErr
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(r.retryDelay)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrLockNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}, lost context.CancelCauseFunc) {
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		extendCtx, cancel := context.WithTimeout(ctx, interval)
		n, err := extendScript.Run(extendCtx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to extend position lock")
			continue
		}
		if n == 0 {
			log.Error().Str("key", key).Msg("position lock expired while held")
			lost(ErrLockNotHeld)
			return
		}
	}
}

func (r *Redis) release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
