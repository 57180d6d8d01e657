package trust

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"ipguard/internal/domain"
	"ipguard/internal/support"

	"github.com/charmbracelet/log"
)

const codeLength = 6

// ErrIssueThrottled reports that no new code was sent because the pair hit
// its issue limit. Codes issued earlier remain valid.
var ErrIssueThrottled = errors.New("verification code issue throttled")

var codeSpace = big.NewInt(1_000_000)

type IssuerDeps struct {
	Trust      TrustStore
	Challenges ChallengeStore
	Mailer     Mailer
	Geo        GeoResolver
	Throttle   Throttle
	Policy     func() Policy
	Now        func() time.Time
}

// Issuer creates, delivers and redeems one-time verification codes.
type Issuer struct {
	trust      TrustStore
	challenges ChallengeStore
	mailer     Mailer
	geo        GeoResolver
	throttle   Throttle
	policy     func() Policy
	now        func() time.Time
}

func NewIssuer(deps IssuerDeps) *Issuer {
	policy := deps.Policy
	if policy == nil {
		policy = PolicyFromConfig
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Issuer{
		trust:      deps.Trust,
		challenges: deps.Challenges,
		mailer:     deps.Mailer,
		geo:        deps.Geo,
		throttle:   deps.Throttle,
		policy:     policy,
		now:        now,
	}
}

// Issue stores a fresh code for the user and ip and emails it. Earlier unused
// codes for the same pair stay valid until they expire.
func (i *Issuer) Issue(ctx context.Context, user *domain.User, ip string) (string, error) {
	if user == nil {
		return "", errors.New("trust: issue for nil user")
	}
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return "", ErrInvalidAddress
	}

	if i.throttle != nil {
		allowed, err := i.throttle.Allow(ctx, user.ID, canonical)
		if err != nil {
			log.Warn("Verification throttle unavailable, allowing issue", "user_id", user.ID, "error", err)
		} else if !allowed {
			log.Info("Verification code issue throttled", "user_id", user.ID, "ip", canonical)
			return "", ErrIssueThrottled
		}
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	p := i.policy()
	now := i.now().UTC()
	challenge := &domain.VerificationChallenge{
		UserID:    user.ID,
		Code:      code,
		IPAddress: canonical,
		ExpiresAt: now.Add(p.codeTTL()),
		CreatedAt: now,
	}
	if err := i.challenges.Create(ctx, challenge); err != nil {
		return "", storeError("create challenge", err)
	}

	location := i.locationFor(ctx, user.ID, canonical)
	if err := i.mailer.SendVerificationCode(ctx, user.Email, code, location, p.codeTTL()); err != nil {
		log.Error("Verification code delivery failed", "user_id", user.ID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	log.Debug("Verification code issued", "user_id", user.ID, "ip", canonical, "expires_at", challenge.ExpiresAt)
	return code, nil
}

// locationFor prefers what the trust record already knows and only asks the
// resolver when nothing is stored yet.
func (i *Issuer) locationFor(ctx context.Context, userID uint, ip string) string {
	if i.trust != nil {
		record, err := i.trust.Get(ctx, userID, ip)
		if err == nil && record != nil {
			if location := record.Location(); location != "" {
				return location
			}
		}
	}
	if i.geo == nil {
		return ""
	}
	return i.geo.Resolve(ctx, ip).Location()
}

// Verify redeems a code. The newest matching challenge for the same ip wins;
// unless strict matching is configured a code issued for another ip of the
// same user is accepted too. The ip stored on the challenge is approved.
func (i *Issuer) Verify(ctx context.Context, userID uint, code, ip string) (*domain.VerificationChallenge, error) {
	code = strings.TrimSpace(code)
	if !validCode(code) {
		return nil, ErrInvalidCode
	}

	p := i.policy()
	now := i.now().UTC()

	var match *domain.VerificationChallenge
	if canonical, ok := support.CanonicalIP(ip); ok {
		found, err := i.challenges.FindActive(ctx, userID, code, canonical, now)
		if err != nil {
			return nil, storeError("find challenge", err)
		}
		match = found
	}

	if match == nil && !p.StrictIPMatch {
		found, err := i.challenges.FindActive(ctx, userID, code, "", now)
		if err != nil {
			return nil, storeError("find challenge", err)
		}
		match = found
	}

	if match == nil {
		removed, err := i.challenges.DeleteExpiredMatching(ctx, userID, code, now)
		if err != nil {
			return nil, storeError("delete expired challenges", err)
		}
		if removed > 0 {
			return nil, ErrExpiredCode
		}
		return nil, ErrInvalidCode
	}

	consumed, err := i.challenges.MarkUsed(ctx, match.ID)
	if err != nil {
		return nil, storeError("consume challenge", err)
	}
	if !consumed {
		return nil, ErrInvalidCode
	}
	match.Used = true

	if _, err := i.trust.Upsert(ctx, userID, match.IPAddress, domain.TrustPatch{
		IsApproved: domain.BoolPtr(true),
		SeenAt:     now,
	}); err != nil {
		return nil, storeError("approve origin", err)
	}

	log.Info("Origin verified", "user_id", userID, "ip", match.IPAddress)
	return match, nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
