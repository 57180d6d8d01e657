package database

import (
	"context"
	"errors"
	"fmt"

	"ipguard/internal/domain"
	"ipguard/internal/support"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const trustRecordTable = "trust_records"

// Columns that a later sighting may only fill in, never clear.
var trustCoalesceColumns = []string{"country", "region", "city", "latitude", "longitude", "isp", "user_agent"}

// TrustRecordStore persists per-(user, ip) trust state.
type TrustRecordStore struct {
	db *gorm.DB
}

func NewTrustRecordStore(db *gorm.DB) *TrustRecordStore {
	return &TrustRecordStore{db: db}
}

// Get returns the record for the pair or nil when none exists.
func (s *TrustRecordStore) Get(ctx context.Context, userID uint, ip string) (*domain.TrustRecord, error) {
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return nil, support.ErrInvalidAddress
	}

	var record domain.TrustRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND ip_address = ?", userID, canonical).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *TrustRecordStore) GetByID(ctx context.Context, id uint64) (*domain.TrustRecord, error) {
	var record domain.TrustRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *TrustRecordStore) ListByUser(ctx context.Context, userID uint) ([]domain.TrustRecord, error) {
	records := make([]domain.TrustRecord, 0)
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_seen_at DESC").
		Order("id DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Upsert creates or updates the pair in a single statement. LastSeenAt always
// moves forward to patch.SeenAt, geo and user agent columns only accept
// non-null values, and flags change only when the patch sets them.
func (s *TrustRecordStore) Upsert(ctx context.Context, userID uint, ip string, patch domain.TrustPatch) (*domain.TrustRecord, error) {
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return nil, support.ErrInvalidAddress
	}

	seenAt := patch.SeenAt
	if seenAt.IsZero() {
		seenAt = utcNow()
	}

	record := domain.TrustRecord{
		UserID:     userID,
		IPAddress:  canonical,
		LastSeenAt: seenAt.UTC(),
		UserAgent:  nonEmpty(patch.UserAgent),
	}
	if patch.IsApproved != nil {
		record.IsApproved = *patch.IsApproved
	}
	if patch.IsBanned != nil {
		record.IsBanned = *patch.IsBanned
	}
	applyGeo(&record, patch.Geo)

	updates := map[string]interface{}{
		"last_seen_at": gorm.Expr("excluded.last_seen_at"),
		"updated_at":   gorm.Expr("excluded.updated_at"),
	}
	for _, column := range trustCoalesceColumns {
		updates[column] = gorm.Expr(fmt.Sprintf("COALESCE(excluded.%s, %s.%s)", column, trustRecordTable, column))
	}
	if patch.IsApproved != nil {
		updates["is_approved"] = *patch.IsApproved
	}
	if patch.IsBanned != nil {
		updates["is_banned"] = *patch.IsBanned
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "ip_address"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(&record).Error
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, userID, canonical)
}

// SetApproved flips only the approval flag, creating the record when absent.
func (s *TrustRecordStore) SetApproved(ctx context.Context, userID uint, ip string, approved bool) error {
	return s.setFlag(ctx, userID, ip, "is_approved", approved)
}

// SetBanned flips only the ban flag, creating the record when absent.
func (s *TrustRecordStore) SetBanned(ctx context.Context, userID uint, ip string, banned bool) error {
	return s.setFlag(ctx, userID, ip, "is_banned", banned)
}

func (s *TrustRecordStore) setFlag(ctx context.Context, userID uint, ip, column string, value bool) error {
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return support.ErrInvalidAddress
	}

	record := domain.TrustRecord{
		UserID:     userID,
		IPAddress:  canonical,
		LastSeenAt: utcNow(),
	}
	switch column {
	case "is_approved":
		record.IsApproved = value
	case "is_banned":
		record.IsBanned = value
	default:
		return fmt.Errorf("database: unknown trust flag %q", column)
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "ip_address"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				column:       value,
				"updated_at": utcNow(),
			}),
		}).
		Create(&record).Error
}

// UpdateFlags applies the non-nil flags to the record with the given id and
// returns the updated row, or nil when the id is unknown.
func (s *TrustRecordStore) UpdateFlags(ctx context.Context, id uint64, approved, banned *bool) (*domain.TrustRecord, error) {
	updates := map[string]interface{}{}
	if approved != nil {
		updates["is_approved"] = *approved
	}
	if banned != nil {
		updates["is_banned"] = *banned
	}

	if len(updates) > 0 {
		updates["updated_at"] = utcNow()
		res := s.db.WithContext(ctx).
			Model(&domain.TrustRecord{}).
			Where("id = ?", id).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
	}

	return s.GetByID(ctx, id)
}

// UpdateGeo fills in location columns on an existing record. Unknown parts of
// geo are skipped so stored values are never cleared. LastSeenAt is untouched.
func (s *TrustRecordStore) UpdateGeo(ctx context.Context, userID uint, ip string, geo *domain.GeoInfo) error {
	canonical, ok := support.CanonicalIP(ip)
	if !ok {
		return support.ErrInvalidAddress
	}

	var record domain.TrustRecord
	applyGeo(&record, geo)

	updates := map[string]interface{}{}
	for column, value := range map[string]interface{}{
		"country":   record.Country,
		"region":    record.Region,
		"city":      record.City,
		"isp":       record.ISP,
		"latitude":  record.Latitude,
		"longitude": record.Longitude,
	} {
		switch v := value.(type) {
		case *string:
			if v != nil {
				updates[column] = *v
			}
		case *float64:
			if v != nil {
				updates[column] = *v
			}
		}
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = utcNow()

	return s.db.WithContext(ctx).
		Model(&domain.TrustRecord{}).
		Where("user_id = ? AND ip_address = ?", userID, canonical).
		Updates(updates).Error
}

// Reset removes every trust record and every verification challenge.
func (s *TrustRecordStore) Reset(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&domain.VerificationChallenge{}).Error; err != nil {
			return err
		}
		res := tx.Where("1 = 1").Delete(&domain.TrustRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}

// CountByStatus is used by the admin overview.
func (s *TrustRecordStore) CountByStatus(ctx context.Context) (map[domain.TrustStatus]int64, error) {
	type row struct {
		IsApproved bool
		IsBanned   bool
		Total      int64
	}

	var rows []row
	err := s.db.WithContext(ctx).
		Model(&domain.TrustRecord{}).
		Select("is_approved, is_banned, COUNT(*) AS total").
		Group("is_approved, is_banned").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := map[domain.TrustStatus]int64{
		domain.TrustStatusBanned:      0,
		domain.TrustStatusApproved:    0,
		domain.TrustStatusNotVerified: 0,
	}
	for _, r := range rows {
		counts[domain.StatusFromFlags(r.IsApproved, r.IsBanned)] += r.Total
	}
	return counts, nil
}

func applyGeo(record *domain.TrustRecord, geo *domain.GeoInfo) {
	if geo == nil {
		return
	}
	record.Country = nonEmpty(&geo.Country)
	record.Region = nonEmpty(&geo.Region)
	record.City = nonEmpty(&geo.City)
	record.ISP = nonEmpty(&geo.ISP)
	record.Latitude = geo.Latitude
	record.Longitude = geo.Longitude
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	value := *v
	return &value
}

