package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/support"
)

const (
	challengeCleanupJob           = "challenge_cleanup"
	challengeCleanupFallbackEvery = 30 * time.Minute
)

type expiredChallengeSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StartChallengeCleanupRoutine periodically deletes expired, unused
// verification challenges. Only the leader instance sweeps; without redis the
// routine always runs. The interval follows config updates.
func StartChallengeCleanupRoutine(ctx context.Context, client *redis.Client, sweeper expiredChallengeSweeper, intervals <-chan time.Duration) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, client, challengeCleanupJob, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runChallengeCleanupLoop(leaderCtx, sweeper, intervals)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Challenge cleanup routine stopped", "error", err)
	}
}

func runChallengeCleanupLoop(ctx context.Context, sweeper expiredChallengeSweeper, intervals <-chan time.Duration) {
	current := challengeCleanupFallbackEvery
	select {
	case initial := <-intervals:
		if initial > 0 {
			current = initial
		}
	default:
	}

	ticker := time.NewTicker(current)
	defer ticker.Stop()

	runChallengeCleanup(ctx, sweeper)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runChallengeCleanup(ctx, sweeper)
		case next, ok := <-intervals:
			if !ok {
				intervals = nil
				continue
			}
			if next <= 0 || next == current {
				continue
			}
			current = next
			ticker.Reset(current)
			log.Debug("Challenge cleanup interval changed", "interval", current)
		}
	}
}

func runChallengeCleanup(ctx context.Context, sweeper expiredChallengeSweeper) int64 {
	start := time.Now()

	removed, err := sweeper.DeleteExpired(ctx, start.UTC())
	if err != nil {
		if ctx.Err() == nil {
			log.Error("Failed to cleanup expired challenges", "error", err)
		}
		return 0
	}
	if removed == 0 {
		return 0
	}

	log.Info("Expired challenge cleanup completed", "challenges_removed", removed, "duration", time.Since(start))
	return removed
}
