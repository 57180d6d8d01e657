package trust

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"ipguard/internal/domain"
	"ipguard/internal/support"

	"github.com/charmbracelet/log"
)

type Outcome string

const (
	OutcomeSession              Outcome = "session"
	OutcomeRequiresVerification Outcome = "requires_verification"
)

type LoginAttempt struct {
	Email      string
	Password   string
	ClaimedIP  string
	ObservedIP string
	UserAgent  string
}

type LoginDecision struct {
	Outcome      Outcome
	User         *domain.User
	Token        string
	IP           string
	Private      bool
	PollInterval time.Duration
}

type codeIssuer interface {
	Issue(ctx context.Context, user *domain.User, ip string) (string, error)
}

type EngineDeps struct {
	Credentials CredentialVerifier
	Trust       TrustStore
	Issuer      codeIssuer
	Sessions    SessionIssuer
	Enricher    *Enricher
	Policy      func() Policy
	Now         func() time.Time
}

// Engine decides whether a login gets a session, a verification challenge or
// a refusal.
type Engine struct {
	credentials CredentialVerifier
	trust       TrustStore
	issuer      codeIssuer
	sessions    SessionIssuer
	enricher    *Enricher
	policy      func() Policy
	now         func() time.Time
}

func NewEngine(deps EngineDeps) *Engine {
	policy := deps.Policy
	if policy == nil {
		policy = PolicyFromConfig
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		credentials: deps.Credentials,
		trust:       deps.Trust,
		issuer:      deps.Issuer,
		sessions:    deps.Sessions,
		enricher:    deps.Enricher,
		policy:      policy,
		now:         now,
	}
}

// EffectiveIP picks the address trust decisions are keyed on: the claimed one
// when it is public, otherwise the observed one when that is public. The
// boolean is false when neither qualifies and the attempt is exempt.
func EffectiveIP(claimed, observed string) (string, bool) {
	for _, candidate := range []string{claimed, observed} {
		if canonical, private, ok := support.ClassifyIP(candidate); ok && !private {
			return canonical, true
		}
	}
	return "", false
}

func (e *Engine) Login(ctx context.Context, attempt LoginAttempt) (*LoginDecision, error) {
	user, err := e.credentials.VerifyCredentials(ctx, strings.TrimSpace(attempt.Email), attempt.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			log.Info("Login rejected", "reason", "credentials")
		}
		return nil, err
	}

	p := e.policy()
	decision := &LoginDecision{User: user, PollInterval: p.pollInterval()}

	ip, public := EffectiveIP(attempt.ClaimedIP, attempt.ObservedIP)
	if !public {
		decision.Private = true
		return e.grant(decision)
	}
	decision.IP = ip

	record, err := e.trust.Get(ctx, user.ID, ip)
	if err != nil {
		return nil, storeError("load trust record", err)
	}
	if record.Status() == domain.TrustStatusBanned {
		log.Info("Login rejected", "reason", "origin", "user_id", user.ID, "ip", ip)
		return nil, ErrOriginBanned
	}

	record, err = e.trust.Upsert(ctx, user.ID, ip, domain.TrustPatch{
		UserAgent: userAgentPatch(attempt.UserAgent),
		SeenAt:    e.now().UTC(),
	})
	if err != nil {
		return nil, storeError("record sighting", err)
	}
	if record == nil || record.Location() == "" {
		e.enricher.EnrichAsync(user.ID, ip)
	}

	switch record.Status() {
	case domain.TrustStatusBanned:
		// banned between the read and the upsert
		log.Info("Login rejected", "reason", "origin", "user_id", user.ID, "ip", ip)
		return nil, ErrOriginBanned
	case domain.TrustStatusApproved:
		return e.grant(decision)
	}

	if _, err := e.issuer.Issue(ctx, user, ip); err != nil && !errors.Is(err, ErrIssueThrottled) {
		return nil, err
	}

	decision.Outcome = OutcomeRequiresVerification
	log.Info("Login requires verification", "user_id", user.ID, "ip", ip)
	return decision, nil
}

func (e *Engine) grant(decision *LoginDecision) (*LoginDecision, error) {
	token, err := e.sessions.IssueSession(decision.User)
	if err != nil {
		return nil, err
	}
	decision.Outcome = OutcomeSession
	decision.Token = token
	return decision, nil
}

const maxUserAgentBytes = 512

// userAgentPatch returns valid UTF-8 of at most maxUserAgentBytes, cut on a
// rune boundary.
func userAgentPatch(ua string) *string {
	ua = strings.TrimSpace(strings.ToValidUTF8(ua, ""))
	if ua == "" {
		return nil
	}
	if len(ua) > maxUserAgentBytes {
		cut := maxUserAgentBytes
		for cut > 0 && !utf8.RuneStart(ua[cut]) {
			cut--
		}
		ua = ua[:cut]
	}
	return &ua
}
