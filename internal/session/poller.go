package session

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/api/dto"
	"ipguard/internal/client"
)

// Outcome is the reason a session was forcibly ended.
type Outcome string

const (
	OutcomeBanned         Outcome = "banned"
	OutcomeReverify       Outcome = "reverify"
	OutcomeSessionExpired Outcome = "session_expired"
)

const DefaultInterval = 2 * time.Second

type StatusSource interface {
	TrustStatus(ctx context.Context, publicIP string) (*dto.TrustStatusResponse, error)
}

type IPResolver interface {
	PublicIP(ctx context.Context) (string, error)
}

// Poller asks the server on a fixed interval whether the current origin is
// still trusted.
type Poller struct {
	interval time.Duration
	source   StatusSource
	resolver IPResolver
}

func NewPoller(interval time.Duration, source StatusSource, resolver IPResolver) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{interval: interval, source: source, resolver: resolver}
}

// Check runs one poll. It returns a non-empty Outcome when the session must
// end, and an error for failures that should simply be retried next tick.
func (p *Poller) Check(ctx context.Context) (Outcome, error) {
	ip := ""
	if p.resolver != nil {
		resolved, err := p.resolver.PublicIP(ctx)
		if err != nil {
			// the server falls back to the address it observes
			log.Debug("Public IP lookup failed", "error", err)
		} else {
			ip = resolved
		}
	}

	report, err := p.source.TrustStatus(ctx, ip)
	switch {
	case errors.Is(err, client.ErrOriginBanned):
		return OutcomeBanned, nil
	case errors.Is(err, client.ErrUnauthorized):
		return OutcomeSessionExpired, nil
	case err != nil:
		return "", err
	}

	switch {
	case report.IsBanned || report.IPStatus == "banned":
		return OutcomeBanned, nil
	case report.IsApproved || report.IPStatus == "approved":
		return "", nil
	default:
		return OutcomeReverify, nil
	}
}

// Run polls until ctx is done or a forced outcome is found. The outcome is
// empty when the loop ended by cancellation.
func (p *Poller) Run(ctx context.Context) Outcome {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}

		outcome, err := p.Check(ctx)
		if ctx.Err() != nil {
			return ""
		}
		if err != nil {
			log.Warn("Trust poll failed, retrying", "error", err)
			continue
		}
		if outcome != "" {
			return outcome
		}
	}
}
