// internal/channel/lease.go
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// holdScript takes a free lease or renews one the caller already holds.
var holdScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if cur == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseScript drops a lease only when the caller holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// SessionLease hands every session connection to one worker at a time, so
// a device is connected once across the fleet.
//
//	{prefix}:session:{connection id}  owner, expires after TTL
type SessionLease struct {
	rdb    redis.UniversalClient
	prefix string
	owner  string
	ttl    time.Duration
}

func NewSessionLease(rdb redis.UniversalClient, prefix, owner string, ttl time.Duration) *SessionLease {
	if prefix == "" {
		prefix = "dispatch"
	}
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &SessionLease{rdb: rdb, prefix: prefix, owner: owner, ttl: ttl}
}

func (l *SessionLease) key(connectionID int) string {
	return fmt.Sprintf("%s:session:%d", l.prefix, connectionID)
}

// Hold takes or renews the lease of a connection. It returns false when
// another worker holds it.
func (l *SessionLease) Hold(ctx context.Context, connectionID int) (bool, error) {
	n, err := holdScript.Run(ctx, l.rdb, []string{l.key(connectionID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives a held lease up.
func (l *SessionLease) Release(ctx context.Context, connectionID int) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key(connectionID)}, l.owner).Err()
}

// Owner implements SessionOwners. The caller's own lease reports "".
func (l *SessionLease) Owner(ctx context.Context, connectionID int) (string, error) {
	owner, err := l.rdb.Get(ctx, l.key(connectionID)).Result()
	if errors.Is(err, redis.Nil) || owner == l.owner {
		return "", nil
	}
	return owner, err
}
