package turnlock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	r "gopkg.in/redis.v5"
)

const (
	prefix = "promptlab:turnlock:"

	defaultTTL  = 3 * time.Minute
	pollBackoff = 50 * time.Millisecond
)

// unlockScript deletes the key only if it still carries our token, so an
// expired lock that another process re-acquired is left alone.
var unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Redis is a Locker backed by SET NX with an expiry, for deployments that
// run several server processes against one store.
type Redis struct {
	client *r.Client
	ttl    time.Duration
}

// NewRedis connects to the Redis instance at url. ttl bounds how long a
// crashed holder can block a conversation. It must outlast a live holder's
// model call and store retries, or a second writer can take the lock
// mid-turn; config.Validate enforces that.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := r.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

// Lock polls SETNX until it wins or ctx is done.
func (l *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	k := prefix + key

	for {
		ok, err := l.client.SetNX(k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(pollBackoff):
		}
	}

	return func() {
		if err := l.client.Eval(unlockScript, []string{k}, token).Err(); err != nil && err != r.Nil {
			slog.Warn("releasing turn lock", "key", key, "error", err)
		}
	}, nil
}

func (l *Redis) Close() error {
	return l.client.Close()
}
