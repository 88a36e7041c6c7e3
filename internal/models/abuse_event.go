package models

import (
	"time"
)

// Represents a recorded allow/warn/deny decision for abuse dashboards.
// Identity and IP are stored hashed; no raw actor data ever lands here.
type AbuseEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Timestamp    time.Time `gorm:"index" json:"timestamp"`
	IdentityHash string    `gorm:"size:20;index" json:"identity_hash"`
	IPHash       string    `gorm:"size:20" json:"ip_hash"`
	Endpoint     string    `gorm:"size:128;index" json:"endpoint"`
	Outcome      string    `gorm:"size:10;not null" json:"outcome"` // "allowed" "warned" "denied"
	LimitType    string    `gorm:"size:10" json:"limit_type"`       // "daily" "burst"
	LimitValue   int64     `json:"limit_value"`
}

func (AbuseEvent) TableName() string {
	return "abuse_events"
}
