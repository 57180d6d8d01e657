package database

import (
	"context"
	"errors"
	"time"

	"ipguard/internal/domain"
	"ipguard/internal/support"

	"gorm.io/gorm"
)

// ChallengeStore persists one-time verification codes.
type ChallengeStore struct {
	db *gorm.DB
}

func NewChallengeStore(db *gorm.DB) *ChallengeStore {
	return &ChallengeStore{db: db}
}

func (s *ChallengeStore) Create(ctx context.Context, challenge *domain.VerificationChallenge) error {
	if challenge == nil {
		return errors.New("database: nil challenge")
	}
	canonical, ok := support.CanonicalIP(challenge.IPAddress)
	if !ok {
		return support.ErrInvalidAddress
	}
	challenge.IPAddress = canonical
	if challenge.CreatedAt.IsZero() {
		challenge.CreatedAt = utcNow()
	}
	challenge.CreatedAt = challenge.CreatedAt.UTC()
	challenge.ExpiresAt = challenge.ExpiresAt.UTC()

	return s.db.WithContext(ctx).Create(challenge).Error
}

// FindActive returns the newest unused, unexpired challenge matching the user
// and code. An empty ip matches challenges issued for any address.
func (s *ChallengeStore) FindActive(ctx context.Context, userID uint, code, ip string, now time.Time) (*domain.VerificationChallenge, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND code = ? AND used = ? AND expires_at > ?", userID, code, false, now.UTC())

	if ip != "" {
		canonical, ok := support.CanonicalIP(ip)
		if !ok {
			return nil, support.ErrInvalidAddress
		}
		query = query.Where("ip_address = ?", canonical)
	}

	var challenge domain.VerificationChallenge
	err := query.Order("created_at DESC").Order("id DESC").Take(&challenge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

// DeleteExpiredMatching removes unused challenges for the user and code whose
// expiry has passed and reports how many were removed.
func (s *ChallengeStore) DeleteExpiredMatching(ctx context.Context, userID uint, code string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND code = ? AND used = ? AND expires_at <= ?", userID, code, false, now.UTC()).
		Delete(&domain.VerificationChallenge{})
	return res.RowsAffected, res.Error
}

// MarkUsed consumes the challenge. It reports false when another caller
// consumed it first.
func (s *ChallengeStore) MarkUsed(ctx context.Context, id uint64) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&domain.VerificationChallenge{}).
		Where("id = ? AND used = ?", id, false).
		Update("used", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeleteExpired sweeps unused challenges whose expiry is at or before now.
// Consumed challenges are kept.
func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("used = ? AND expires_at <= ?", false, now.UTC()).
		Delete(&domain.VerificationChallenge{})
	return res.RowsAffected, res.Error
}

// CountIssuedSince counts challenges created for the pair after since.
func (s *ChallengeStore) CountIssuedSince(ctx context.Context, userID uint, ip string, since time.Time) (int64, error) {
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return 0, support.ErrInvalidAddress
	}

	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.VerificationChallenge{}).
		Where("user_id = ? AND ip_address = ? AND created_at > ?", userID, canonical, since.UTC()).
		Count(&count).Error
	return count, err
}
