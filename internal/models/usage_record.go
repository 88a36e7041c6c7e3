package models

import (
	"time"
)

// One row per (identity, endpoint, usage date). The composite unique index is
// the concurrency anchor: concurrent first-requests race on the insert and
// exactly one wins.
type UsageRecord struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Identity          string    `gorm:"size:64;not null;uniqueIndex:ux_usage_identity_endpoint_day,priority:1" json:"identity"`
	Endpoint          string    `gorm:"size:128;not null;uniqueIndex:ux_usage_identity_endpoint_day,priority:2" json:"endpoint"`
	UsageDate         string    `gorm:"size:10;not null;uniqueIndex:ux_usage_identity_endpoint_day,priority:3" json:"usage_date"`
	DailyCount        int64     `gorm:"not null;default:0" json:"daily_count"`
	MinuteWindowStart int64     `gorm:"not null;default:0" json:"minute_window_start"` // unix seconds, truncated to the minute
	MinuteCount       int64     `gorm:"not null;default:0" json:"minute_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

// DateKey formats a time as the usage_date column value (UTC day).
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
