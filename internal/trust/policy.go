package trust

import (
	"time"

	"ipguard/internal/config"
)

// Policy holds the tunables the engine reads on every call.
type Policy struct {
	CodeTTL           time.Duration
	StrictIPMatch     bool
	MaxCodesPerWindow int
	ThrottleWindow    time.Duration
	PollInterval      time.Duration
}

func PolicyFromConfig() Policy {
	cfg := config.GetConfig()
	return Policy{
		CodeTTL:           cfg.CodeTTL(),
		StrictIPMatch:     cfg.Verification.StrictIPMatch,
		MaxCodesPerWindow: int(cfg.Verification.MaxCodesPerWindow),
		ThrottleWindow:    cfg.ThrottleWindow(),
		PollInterval:      config.GetTrustPollInterval(),
	}
}

func (p Policy) codeTTL() time.Duration {
	if p.CodeTTL <= 0 {
		return 10 * time.Minute
	}
	return p.CodeTTL
}

func (p Policy) pollInterval() time.Duration {
	if p.PollInterval <= 0 {
		return 2 * time.Second
	}
	return p.PollInterval
}

func staticPolicy(p Policy) func() Policy {
	return func() Policy { return p }
}
