package trust

import (
	"context"

	"ipguard/internal/domain"
	"ipguard/internal/support"

	"github.com/charmbracelet/log"
)

type AdminPatch struct {
	IsBanned   *bool `json:"isBanned,omitempty"`
	IsApproved *bool `json:"isApproved,omitempty"`
}

func (p AdminPatch) empty() bool {
	return p.IsBanned == nil && p.IsApproved == nil
}

// Admin changes trust flags on behalf of an administrator. Sessions are not
// terminated here: the edge gate and the client poller pick changes up.
type Admin struct {
	trust TrustStore
}

func NewAdmin(store TrustStore) *Admin {
	return &Admin{trust: store}
}

// SetFlags updates a record that must belong to targetUserID. A record owned
// by someone else is reported as missing.
func (a *Admin) SetFlags(ctx context.Context, targetUserID uint, recordID uint64, patch AdminPatch) (*domain.TrustRecord, error) {
	record, err := a.trust.GetByID(ctx, recordID)
	if err != nil {
		return nil, storeError("load trust record", err)
	}
	if record == nil || record.UserID != targetUserID {
		return nil, ErrRecordNotFound
	}
	if patch.empty() {
		return record, nil
	}

	updated, err := a.trust.UpdateFlags(ctx, recordID, patch.IsApproved, patch.IsBanned)
	if err != nil {
		return nil, storeError("update trust flags", err)
	}
	if updated == nil {
		return nil, ErrRecordNotFound
	}

	log.Info("Trust flags changed by admin", "user_id", targetUserID, "record_id", recordID, "ip", updated.IPAddress, "status", updated.Status())
	return updated, nil
}

// SetFlagsByIP updates the pair directly, creating the record when the
// origin has never been seen. This allows banning an address pre-emptively.
func (a *Admin) SetFlagsByIP(ctx context.Context, targetUserID uint, ip string, patch AdminPatch) (*domain.TrustRecord, error) {
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return nil, ErrInvalidAddress
	}
	if support.IsPrivateIP(canonical) {
		return nil, ErrInvalidAddress
	}

	if patch.IsBanned != nil {
		if err := a.trust.SetBanned(ctx, targetUserID, canonical, *patch.IsBanned); err != nil {
			return nil, storeError("set banned", err)
		}
	}
	if patch.IsApproved != nil {
		if err := a.trust.SetApproved(ctx, targetUserID, canonical, *patch.IsApproved); err != nil {
			return nil, storeError("set approved", err)
		}
	}

	record, err := a.trust.Get(ctx, targetUserID, canonical)
	if err != nil {
		return nil, storeError("load trust record", err)
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}

	log.Info("Trust flags changed by admin", "user_id", targetUserID, "ip", canonical, "status", record.Status())
	return record, nil
}

func (a *Admin) List(ctx context.Context, userID uint) ([]domain.TrustRecord, error) {
	records, err := a.trust.ListByUser(ctx, userID)
	if err != nil {
		return nil, storeError("list trust records", err)
	}
	return records, nil
}

// Reset wipes all trust records and challenges. Every user must verify again.
func (a *Admin) Reset(ctx context.Context) (int64, error) {
	removed, err := a.trust.Reset(ctx)
	if err != nil {
		return 0, storeError("reset trust data", err)
	}
	log.Warn("Trust data reset", "records_removed", removed)
	return removed, nil
}
