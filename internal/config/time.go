package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultTrustPollInterval        = 2 * time.Second
	defaultChallengeCleanupInterval = 30 * time.Minute
)

var (
	trustPollInterval         atomic.Value
	challengeCleanupInterval  atomic.Value
	challengeCleanupListeners []chan time.Duration
	listenersMu               sync.Mutex
)

func init() {
	trustPollInterval.Store(defaultTrustPollInterval)
	challengeCleanupInterval.Store(defaultChallengeCleanupInterval)
}

// SetBetweenTime recomputes the derived intervals from the current config and
// notifies listeners whose interval changed.
func SetBetweenTime() {
	cfg := GetConfig()
	setTrustPollInterval(durationOr(cfg.Trust.PollTimer, defaultTrustPollInterval))
	setChallengeCleanupInterval(durationOr(cfg.Trust.ChallengeCleanupTimer, defaultChallengeCleanupInterval))
}

// CalculateBetweenTime converts a Timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

// GetTrustPollInterval is the interval advertised to clients for the trust poller.
func GetTrustPollInterval() time.Duration {
	return trustPollInterval.Load().(time.Duration)
}

func setTrustPollInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultTrustPollInterval
	}
	trustPollInterval.Store(interval)
}

func GetChallengeCleanupInterval() time.Duration {
	return challengeCleanupInterval.Load().(time.Duration)
}

// ChallengeCleanupIntervalUpdates returns a channel primed with the current
// interval that receives every subsequent change.
func ChallengeCleanupIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	challengeCleanupListeners = append(challengeCleanupListeners, ch)
	listenersMu.Unlock()

	ch <- GetChallengeCleanupInterval()
	return ch
}

func setChallengeCleanupInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultChallengeCleanupInterval
	}

	if GetChallengeCleanupInterval() == interval {
		return
	}

	challengeCleanupInterval.Store(interval)

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range challengeCleanupListeners {
		select {
		case ch <- interval:
		default:
		}
	}
}
