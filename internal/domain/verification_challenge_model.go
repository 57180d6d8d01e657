package domain

import "time"

// VerificationChallenge is a one-time code scoped to a user and the IP it was issued for.
type VerificationChallenge struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"not null;index:idx_challenge_lookup,priority:1" json:"user_id"`
	Code      string    `gorm:"size:6;not null;index:idx_challenge_lookup,priority:2" json:"-"`
	IPAddress string    `gorm:"size:45;not null" json:"ip_address"`
	Used      bool      `gorm:"not null;default:false;index:idx_challenge_lookup,priority:3" json:"used"`
	ExpiresAt time.Time `gorm:"not null;index:idx_challenge_lookup,priority:4" json:"expires_at"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (c *VerificationChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
