// Package kv holds short-lived Redis keys used to suppress duplicate work
// across replicas.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Guard hands out keyed leases. A Guard without a client always grants the
// lease, which is how a single replica runs without REDIS_ADDR.
type Guard struct {
	client *redis.Client
	prefix string
}

func NewGuard(client *redis.Client, prefix string) *Guard {
	return &Guard{client: client, prefix: prefix}
}

// Lease is a held key. Release is safe to call on a lease that expired or was
// taken over by another holder.
type Lease struct {
	guard *Guard
	key   string
	token string
}

func (g *Guard) Enabled() bool {
	return g != nil && g.client != nil
}

// Acquire sets key for ttl unless it is already held. ok is false when another
// holder owns the key.
func (g *Guard) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	lease := &Lease{guard: g, key: g.key(key), token: uuid.NewString()}
	if !g.Enabled() {
		return lease, true, nil
	}
	ok, err := g.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", lease.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return lease, true, nil
}

// Held reports whether key is currently set by any holder.
func (g *Guard) Held(ctx context.Context, key string) (bool, error) {
	if !g.Enabled() {
		return false, nil
	}
	n, err := g.client.Exists(ctx, g.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil || !l.guard.Enabled() {
		return nil
	}
	if err := releaseScript.Run(ctx, l.guard.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

func (g *Guard) key(key string) string {
	if g == nil || g.prefix == "" {
		return key
	}
	return g.prefix + ":" + key
}
