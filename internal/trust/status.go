package trust

import (
	"context"
	"time"

	"ipguard/internal/domain"
)

// StatusReport is what a client poll or a tracking call learns about its origin.
type StatusReport struct {
	IP         string             `json:"ipAddress,omitempty"`
	Status     domain.TrustStatus `json:"ipStatus"`
	IsBanned   bool               `json:"isBanned"`
	IsApproved bool               `json:"isApproved"`
	Private    bool               `json:"private"`
}

func reportFor(ip string, record *domain.TrustRecord) *StatusReport {
	return &StatusReport{
		IP:         ip,
		Status:     record.Status(),
		IsBanned:   record != nil && record.IsBanned,
		IsApproved: record != nil && record.IsApproved,
	}
}

// exemptReport is returned for origins that cannot be keyed: they are treated
// as trusted and never revoked.
func exemptReport() *StatusReport {
	return &StatusReport{Status: domain.TrustStatusApproved, IsApproved: true, Private: true}
}

// Tracker answers status polls and records sightings for signed-in users.
type Tracker struct {
	trust    TrustStore
	enricher *Enricher
	now      func() time.Time
}

func NewTracker(store TrustStore, enricher *Enricher) *Tracker {
	return &Tracker{trust: store, enricher: enricher, now: time.Now}
}

// Status reads the record for the effective origin without modifying it.
func (t *Tracker) Status(ctx context.Context, userID uint, claimedIP, observedIP string) (*StatusReport, error) {
	ip, public := EffectiveIP(claimedIP, observedIP)
	if !public {
		return exemptReport(), nil
	}

	record, err := t.trust.Get(ctx, userID, ip)
	if err != nil {
		return nil, storeError("load trust record", err)
	}
	return reportFor(ip, record), nil
}

// Track records a sighting from a signed-in client. A banned origin is
// reported with ErrOriginBanned alongside the report.
func (t *Tracker) Track(ctx context.Context, userID uint, claimedIP, observedIP, userAgent string) (*StatusReport, error) {
	ip, public := EffectiveIP(claimedIP, observedIP)
	if !public {
		return exemptReport(), nil
	}

	record, err := t.trust.Upsert(ctx, userID, ip, domain.TrustPatch{
		UserAgent: userAgentPatch(userAgent),
		SeenAt:    t.now().UTC(),
	})
	if err != nil {
		return nil, storeError("record sighting", err)
	}
	if record.Location() == "" {
		t.enricher.EnrichAsync(userID, ip)
	}

	report := reportFor(ip, record)
	if report.IsBanned {
		return report, ErrOriginBanned
	}
	return report, nil
}

// IsBanned is the edge check. Non-public addresses are never banned.
func (t *Tracker) IsBanned(ctx context.Context, userID uint, ip string) (bool, error) {
	canonical, public := EffectiveIP(ip, "")
	if !public {
		return false, nil
	}
	record, err := t.trust.Get(ctx, userID, canonical)
	if err != nil {
		return false, storeError("load trust record", err)
	}
	return record.Status() == domain.TrustStatusBanned, nil
}
