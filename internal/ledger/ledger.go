package ledger

import (
	"context"
	"errors"

	"github.com/kinloop/quota-engine/internal/models"
	"github.com/kinloop/quota-engine/internal/quota"
	"github.com/kinloop/quota-engine/internal/storage"
	"gorm.io/gorm"
)

// Repository persists usage records. It relies on the table's composite
// unique index to serialize concurrent first inserts; see quota.Store.
type Repository struct {
	db *storage.Postgres
}

func NewRepository(db *storage.Postgres) *Repository {
	return &Repository{db: db}
}

// Retrieves the record for one (identity, endpoint, day), nil when absent.
func (r *Repository) Get(ctx context.Context, identity, endpoint, usageDate string) (*models.UsageRecord, error) {
	var record models.UsageRecord

	err := r.db.DB.WithContext(ctx).
		Where("identity = ? AND endpoint = ? AND usage_date = ?", identity, endpoint, usageDate).
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// Inserts a fresh record. A uniqueness violation is translated to
// quota.ErrDuplicateKey so the checker can resolve the race inline.
func (r *Repository) Insert(ctx context.Context, record *models.UsageRecord) error {
	err := r.db.DB.WithContext(ctx).Create(record).Error

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return quota.ErrDuplicateKey
	}

	return err
}

// Persists the counters of an existing record by primary key.
func (r *Repository) Update(ctx context.Context, record *models.UsageRecord) error {
	result := r.db.DB.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("id = ?", record.ID).
		UpdateColumns(map[string]interface{}{
			"daily_count":         record.DailyCount,
			"minute_window_start": record.MinuteWindowStart,
			"minute_count":        record.MinuteCount,
			"updated_at":          r.db.DB.NowFunc(),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return nil
}
