package trust

import (
	"context"
	"time"

	"ipguard/internal/domain"
)

// TrustStore is implemented by database.TrustRecordStore.
type TrustStore interface {
	Get(ctx context.Context, userID uint, ip string) (*domain.TrustRecord, error)
	GetByID(ctx context.Context, id uint64) (*domain.TrustRecord, error)
	ListByUser(ctx context.Context, userID uint) ([]domain.TrustRecord, error)
	Upsert(ctx context.Context, userID uint, ip string, patch domain.TrustPatch) (*domain.TrustRecord, error)
	SetApproved(ctx context.Context, userID uint, ip string, approved bool) error
	SetBanned(ctx context.Context, userID uint, ip string, banned bool) error
	UpdateGeo(ctx context.Context, userID uint, ip string, geo *domain.GeoInfo) error
	UpdateFlags(ctx context.Context, id uint64, approved, banned *bool) (*domain.TrustRecord, error)
	Reset(ctx context.Context) (int64, error)
}

// ChallengeStore is implemented by database.ChallengeStore.
type ChallengeStore interface {
	Create(ctx context.Context, challenge *domain.VerificationChallenge) error
	FindActive(ctx context.Context, userID uint, code, ip string, now time.Time) (*domain.VerificationChallenge, error)
	DeleteExpiredMatching(ctx context.Context, userID uint, code string, now time.Time) (int64, error)
	MarkUsed(ctx context.Context, id uint64) (bool, error)
}

// UserStore is implemented by database.UserStore.
type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id uint) (*domain.User, error)
}

type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, email, password string) (*domain.User, error)
}

type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code, location string, ttl time.Duration) error
}

type GeoResolver interface {
	Resolve(ctx context.Context, ip string) *domain.GeoInfo
}

type SessionIssuer interface {
	IssueSession(user *domain.User) (string, error)
}

// Throttle limits how many codes a (user, ip) pair may be sent per window.
type Throttle interface {
	Allow(ctx context.Context, userID uint, ip string) (bool, error)
}
