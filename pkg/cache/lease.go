package cache

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
return 0`)

// LeaseStore hands out short-lived exclusive leases keyed by domain id.
// A lease only narrows the window for duplicate concurrent work; the database
// state check stays the source of truth.
type LeaseStore struct {
	client redis.Cmdable
	prefix string
}

// NewLeaseStore builds a lease store writing keys under prefix.
func NewLeaseStore(client redis.Cmdable, prefix string) *LeaseStore {
	if prefix == "" {
		prefix = "lease"
	}
	return &LeaseStore{client: client, prefix: prefix}
}

// Acquire takes the lease for id. ok is false when another holder owns it.
func (s *LeaseStore) Acquire(ctx context.Context, id string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = s.client.SetNX(ctx, s.key(id), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", id, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops the lease if token still owns it.
func (s *LeaseStore) Release(ctx context.Context, id, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(id)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", id, err)
	}
	return nil
}

func (s *LeaseStore) key(id string) string {
	return s.prefix + ":" + id
}
