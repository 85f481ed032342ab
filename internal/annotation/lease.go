package annotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld means another instance owns the room.
var ErrLeaseHeld = errors.New("room is owned by another instance")

const DefaultLeaseTTL = 15 * time.Second

// Leases grants single-instance ownership of a room. Each room's document
// lives in exactly one process, so only the owner may remap or resolve its
// shared annotations.
type Leases interface {
	// Acquire takes or refreshes the lease for owner. It fails with
	// ErrLeaseHeld while another owner holds it.
	Acquire(ctx context.Context, roomID, owner string) error
	// Renew extends a lease owner still holds, or fails with ErrLeaseHeld.
	Renew(ctx context.Context, roomID, owner string) error
	// Release drops the lease if owner holds it.
	Release(ctx context.Context, roomID, owner string) error
	TTL() time.Duration
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeases keeps one expiring key per room holding the owner's id.
type RedisLeases struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLeases(client *redis.Client, ttl time.Duration) *RedisLeases {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLeases{client: client, ttl: ttl}
}

func leaseKey(roomID string) string {
	return "room:" + roomID + ":owner"
}

func (l *RedisLeases) TTL() time.Duration { return l.ttl }

func (l *RedisLeases) Acquire(ctx context.Context, roomID, owner string) error {
	ok, err := l.client.SetNX(ctx, leaseKey(roomID), owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return nil
	}
	return l.Renew(ctx, roomID, owner)
}

func (l *RedisLeases) Renew(ctx context.Context, roomID, owner string) error {
	n, err := renewScript.Run(ctx, l.client, []string{leaseKey(roomID)}, owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (l *RedisLeases) Release(ctx context.Context, roomID, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{leaseKey(roomID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
