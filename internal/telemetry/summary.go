package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/kinloop/quota-engine/internal/models"
)

// Holds the aggregate view over recorded events for one endpoint.
type Summary struct {
	Endpoint         string     `json:"endpoint"`
	WindowHours      int        `json:"window_hours"`
	TotalDenials     int64      `json:"total_denials"`
	UniqueIdentities int64      `json:"unique_identities"`
	UniqueIPs        int64      `json:"unique_ips"`
	TopOffenders     []Offender `json:"top_offenders"`
}

type Offender struct {
	IdentityHash string `json:"identity_hash"`
	Denials      int64  `json:"denials"`
}

// Summarize aggregates denial events for an endpoint over the last
// windowHours. Plain grouping queries; dashboards only.
func (s *Sink) Summarize(ctx context.Context, endpoint string, windowHours int) (*Summary, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := time.Now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	summary := &Summary{
		Endpoint:     endpoint,
		WindowHours:  windowHours,
		TopOffenders: []Offender{},
	}

	denied := s.db.DB.WithContext(ctx).
		Model(&models.AbuseEvent{}).
		Where("endpoint = ? AND outcome = ? AND timestamp >= ?", endpoint, "denied", since)

	if err := denied.Count(&summary.TotalDenials).Error; err != nil {
		return nil, err
	}

	if summary.TotalDenials == 0 {
		return summary, nil
	}

	err := s.db.DB.WithContext(ctx).
		Model(&models.AbuseEvent{}).
		Where("endpoint = ? AND outcome = ? AND timestamp >= ?", endpoint, "denied", since).
		Select("COUNT(DISTINCT identity_hash)").
		Scan(&summary.UniqueIdentities).Error
	if err != nil {
		return nil, err
	}

	err = s.db.DB.WithContext(ctx).
		Model(&models.AbuseEvent{}).
		Where("endpoint = ? AND outcome = ? AND timestamp >= ? AND ip_hash <> ''", endpoint, "denied", since).
		Select("COUNT(DISTINCT ip_hash)").
		Scan(&summary.UniqueIPs).Error
	if err != nil {
		return nil, err
	}

	rows, err := s.db.DB.WithContext(ctx).
		Model(&models.AbuseEvent{}).
		Select("identity_hash, COUNT(*) as denials").
		Where("endpoint = ? AND outcome = ? AND timestamp >= ?", endpoint, "denied", since).
		Group("identity_hash").
		Order("denials DESC").
		Limit(5).
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var offender Offender
		if err := rows.Scan(&offender.IdentityHash, &offender.Denials); err != nil {
			return nil, err
		}
		summary.TopOffenders = append(summary.TopOffenders, offender)
	}

	return summary, rows.Err()
}

// LiveCount reads the best-effort Redis counter for one endpoint/outcome.
// Returns 0 when Redis is not configured or has no counter yet.
func (s *Sink) LiveCount(ctx context.Context, endpoint, outcome string) (int64, error) {
	if s.redis == nil {
		return 0, nil
	}

	val, err := s.redis.Get(ctx, liveCounterKey(endpoint, outcome))
	if err != nil {
		return 0, nil
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}

	return count, nil
}

// DeleteOldEvents drops events recorded before the cutoff. Run from the
// retention cron job.
func (s *Sink) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.AbuseEvent{})

	return result.RowsAffected, result.Error
}
