package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const throttleKeyPrefix = "ipguard:throttle:issue:"

// issueCountScript increments the window counter and sets its expiry in one
// step. A counter left without a TTL is given one on the next call.
var issueCountScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisThrottle counts issued codes per (user, ip) in fixed windows.
// A nil client allows everything.
type RedisThrottle struct {
	client *redis.Client
	policy func() Policy
}

func NewRedisThrottle(client *redis.Client, policy func() Policy) *RedisThrottle {
	if policy == nil {
		policy = PolicyFromConfig
	}
	return &RedisThrottle{client: client, policy: policy}
}

func throttleKey(userID uint, ip string) string {
	return fmt.Sprintf("%s%d:%s", throttleKeyPrefix, userID, ip)
}

func (t *RedisThrottle) Allow(ctx context.Context, userID uint, ip string) (bool, error) {
	if t == nil || t.client == nil {
		return true, nil
	}

	p := t.policy()
	if p.MaxCodesPerWindow <= 0 || p.ThrottleWindow <= 0 {
		return true, nil
	}

	key := throttleKey(userID, ip)
	count, err := issueCountScript.Run(ctx, t.client, []string{key}, p.ThrottleWindow.Milliseconds()).Int64()
	if err != nil {
		return true, err
	}

	return count <= int64(p.MaxCodesPerWindow), nil
}

type issuedCounter interface {
	CountIssuedSince(ctx context.Context, userID uint, ip string, since time.Time) (int64, error)
}

// StoreThrottle derives the same limit from the challenge table. It is used
// when redis is not configured.
type StoreThrottle struct {
	counter issuedCounter
	policy  func() Policy
	now     func() time.Time
}

func NewStoreThrottle(counter issuedCounter, policy func() Policy) *StoreThrottle {
	if policy == nil {
		policy = PolicyFromConfig
	}
	return &StoreThrottle{counter: counter, policy: policy, now: time.Now}
}

func (t *StoreThrottle) Allow(ctx context.Context, userID uint, ip string) (bool, error) {
	p := t.policy()
	if p.MaxCodesPerWindow <= 0 || p.ThrottleWindow <= 0 {
		return true, nil
	}

	issued, err := t.counter.CountIssuedSince(ctx, userID, ip, t.now().Add(-p.ThrottleWindow))
	if err != nil {
		return true, err
	}
	return issued < int64(p.MaxCodesPerWindow), nil
}
