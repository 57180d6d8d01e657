package domain

import "time"

// TrustStatus is derived from a TrustRecord's flags and never persisted.
type TrustStatus string

const (
	TrustStatusBanned      TrustStatus = "banned"
	TrustStatusApproved    TrustStatus = "approved"
	TrustStatusNotVerified TrustStatus = "not_verified"
)

// TrustRecord tracks approval and ban state for one user on one canonical public IP.
type TrustRecord struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID uint   `gorm:"not null;uniqueIndex:idx_trust_user_ip,priority:1" json:"user_id"`

	// IPAddress holds the canonical form produced by support.CanonicalIP.
	IPAddress string `gorm:"size:45;not null;uniqueIndex:idx_trust_user_ip,priority:2" json:"ip_address"`

	IsApproved bool `gorm:"not null;default:false" json:"is_approved"`
	IsBanned   bool `gorm:"not null;default:false" json:"is_banned"`

	// Geolocation is filled best-effort and never overwritten with null.
	Country   *string  `gorm:"size:128" json:"country,omitempty"`
	Region    *string  `gorm:"size:128" json:"region,omitempty"`
	City      *string  `gorm:"size:128" json:"city,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	ISP       *string  `gorm:"column:isp;size:255" json:"isp,omitempty"`

	UserAgent  *string   `gorm:"size:512" json:"user_agent,omitempty"`
	LastSeenAt time.Time `gorm:"not null;index" json:"last_seen_at"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Status applies the fixed priority banned > approved > not_verified.
// A nil record has never been seen and is therefore not verified.
func (r *TrustRecord) Status() TrustStatus {
	return StatusFromFlags(r != nil && r.IsApproved, r != nil && r.IsBanned)
}

func StatusFromFlags(approved, banned bool) TrustStatus {
	switch {
	case banned:
		return TrustStatusBanned
	case approved:
		return TrustStatusApproved
	default:
		return TrustStatusNotVerified
	}
}

// Location renders "City, Region, Country" from whatever parts are known.
func (r *TrustRecord) Location() string {
	if r == nil {
		return ""
	}
	return joinLocation(r.City, r.Region, r.Country)
}

// TrustPatch is a partial update for TrustRecordStore.Upsert.
// A nil field leaves the stored value untouched; a non-nil field sets it.
type TrustPatch struct {
	IsApproved *bool
	IsBanned   *bool
	UserAgent  *string
	Geo        *GeoInfo
	SeenAt     time.Time
}

func BoolPtr(v bool) *bool {
	return &v
}

func StringPtr(v string) *string {
	return &v
}
