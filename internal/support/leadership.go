package support

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	leaderKeyPrefix      = "ipguard:leader:"
	DefaultLeadershipTTL = 45 * time.Second
	leaseRetryDelay      = time.Second
	leaseCallTimeout     = 5 * time.Second
)

// ErrLeaseLost means another instance owns the job lease now.
var ErrLeaseLost = errors.New("job lease lost")

var (
	// ARGV[1] owner, ARGV[2] ttl in ms; 0 ttl releases.
	leaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) == 0 then
	return redis.call("DEL", KEYS[1])
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])`)

	leaseOwner = newLeaseOwner()
)

func newLeaseOwner() string {
	host, _ := os.Hostname()
	return host + "/" + uuid.NewString()
}

// LeaderKey is the redis key guarding a maintenance job.
func LeaderKey(job string) string {
	return leaderKeyPrefix + job
}

// RunWithLeader runs job on one instance at a time. The instance holding the
// lease calls run with a context that ends when the lease is lost or ctx is
// done; the others wait and take over when it is released. Without redis
// there is only one instance and run gets ctx directly.
func RunWithLeader(ctx context.Context, client *redis.Client, job string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if client == nil {
		log.Debug("Running job without a lease", "job", job)
		run(ctx)
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		lease, err := acquireLease(ctx, client, LeaderKey(job), ttl)
		if err != nil {
			return ctx.Err()
		}

		log.Debug("Job lease acquired", "job", job)
		run(lease.ctx)
		lease.release()
		log.Debug("Job lease released", "job", job)

		if !sleepCtx(ctx, leaseRetryDelay) {
			return ctx.Err()
		}
	}
}

type jobLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// acquireLease blocks until the key is ours or ctx ends.
func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*jobLease, error) {
	for {
		ok, err := client.SetNX(ctx, key, leaseOwner, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("Could not request job lease", "key", key, "error", err)
		case ok:
			leaseCtx, cancel := context.WithCancel(ctx)
			lease := &jobLease{client: client, key: key, ttl: ttl, ctx: leaseCtx, cancel: cancel, done: make(chan struct{})}
			go lease.keepAlive()
			return lease, nil
		}

		if !sleepCtx(ctx, leaseRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *jobLease) keepAlive() {
	interval := max(l.ttl/3, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.call(l.ttl); err != nil {
				log.Warn("Job lease not renewed, stopping job", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *jobLease) release() {
	l.once.Do(func() {
		close(l.done)
		l.cancel()
		if err := l.call(0); err != nil && !errors.Is(err, ErrLeaseLost) {
			log.Warn("Could not release job lease", "key", l.key, "error", err)
		}
	})
}

// call extends the lease by ttl, or releases it when ttl is zero.
func (l *jobLease) call(ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseCallTimeout)
	defer cancel()

	n, err := leaseScript.Run(ctx, l.client, []string{l.key}, leaseOwner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
