package quota

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/kinloop/quota-engine/internal/models"
	"github.com/kinloop/quota-engine/internal/rules"
)

// Error codes surfaced to callers on denial.
const (
	CodeRateLimit  = "RATE_LIMIT"
	CodeDailyLimit = "DAILY_LIMIT_EXCEEDED"
	CodeBurstLimit = "BURST_LIMIT_EXCEEDED"
)

// Telemetry vocabulary.
const (
	OutcomeAllowed = "allowed"
	OutcomeWarned  = "warned"
	OutcomeDenied  = "denied"

	LimitTypeDaily = "daily"
	LimitTypeBurst = "burst"
)

// Request identifies one admission check. IP is optional and only used for
// telemetry hashing.
type Request struct {
	Identity string
	Endpoint string
	Tier     string
	IP       string
}

// Decision is the outcome of an admission check. Code is empty when allowed.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Remaining         int64  `json:"remaining"`
	Limit             int64  `json:"limit"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Code              string `json:"code,omitempty"`
}

// Recorder receives abuse telemetry. Implementations must never block the
// caller; see the telemetry package.
type Recorder interface {
	Record(identity, ip, endpoint, outcome, limitType string, limitValue int64)
}

// Checker is the admission algorithm. It holds no mutable state of its own;
// concurrent checks across processes are serialized only by the ledger's
// uniqueness constraint.
type Checker struct {
	registry *rules.Registry
	store    Store
	recorder Recorder
	now      func() time.Time
}

func NewChecker(registry *rules.Registry, store Store, recorder Recorder) *Checker {
	return &Checker{
		registry: registry,
		store:    store,
		recorder: recorder,
		now:      time.Now,
	}
}

// CheckAndConsume evaluates both windows for (identity, endpoint) and, when
// admitting, consumes one unit. It never returns an error: store failures are
// resolved by the failure policy for the endpoint's category.
func (c *Checker) CheckAndConsume(ctx context.Context, req Request) *Decision {
	rule := c.registry.Resolve(req.Endpoint)
	effective := c.registry.Adjust(req.Endpoint, req.Tier)

	now := c.now().UTC()
	today := models.DateKey(now)
	minuteBucket := now.Truncate(time.Minute).Unix()

	if effective.MaxPerDay <= 0 {
		return c.denyDaily(req, effective, now)
	}

	record, err := c.store.Get(ctx, req.Identity, req.Endpoint, today)
	if err != nil {
		return c.storeFailure(req, rule.Category, effective, err)
	}

	if record == nil {
		fresh := &models.UsageRecord{
			Identity:          req.Identity,
			Endpoint:          req.Endpoint,
			UsageDate:         today,
			DailyCount:        1,
			MinuteWindowStart: minuteBucket,
			MinuteCount:       1,
		}

		err := c.store.Insert(ctx, fresh)
		if err == nil {
			return c.allow(req, effective, effective.MaxPerDay-1)
		}

		if !errors.Is(err, ErrDuplicateKey) {
			return c.storeFailure(req, rule.Category, effective, err)
		}

		// Lost the first-insert race. Re-read once and evaluate against
		// the winner's row; no retry loop beyond this.
		record, err = c.store.Get(ctx, req.Identity, req.Endpoint, today)
		if err != nil || record == nil {
			return c.storeFailure(req, rule.Category, effective, err)
		}
	}

	if record.DailyCount >= effective.MaxPerDay {
		return c.denyDaily(req, effective, now)
	}

	if record.MinuteWindowStart == minuteBucket && record.MinuteCount >= effective.MaxPerMinute {
		c.record(req, OutcomeDenied, LimitTypeBurst, effective.MaxPerMinute)
		return &Decision{
			Allowed:           false,
			Remaining:         effective.MaxPerDay - record.DailyCount,
			Limit:             effective.MaxPerDay,
			RetryAfterSeconds: 60,
			Code:              CodeBurstLimit,
		}
	}

	newMinuteCount := int64(1)
	if record.MinuteWindowStart == minuteBucket {
		newMinuteCount = record.MinuteCount + 1
	}

	record.DailyCount++
	record.MinuteWindowStart = minuteBucket
	record.MinuteCount = newMinuteCount

	// An update failure after the admission decision is tolerated: the next
	// request re-derives a slightly stale count, it never grants unlimited
	// access.
	if err := c.store.Update(ctx, record); err != nil {
		log.Printf("quota: usage update failed for endpoint %s: %v", req.Endpoint, err)
	}

	return c.allow(req, effective, effective.MaxPerDay-record.DailyCount)
}

func (c *Checker) allow(req Request, effective rules.EffectiveLimit, remaining int64) *Decision {
	if remaining < 0 {
		remaining = 0
	}

	// Nearly exhausted budgets show up on abuse dashboards before they deny.
	if remaining*10 < effective.MaxPerDay {
		c.record(req, OutcomeWarned, LimitTypeDaily, effective.MaxPerDay)
	}

	return &Decision{
		Allowed:   true,
		Remaining: remaining,
		Limit:     effective.MaxPerDay,
	}
}

func (c *Checker) denyDaily(req Request, effective rules.EffectiveLimit, now time.Time) *Decision {
	c.record(req, OutcomeDenied, LimitTypeDaily, effective.MaxPerDay)
	return &Decision{
		Allowed:           false,
		Remaining:         0,
		Limit:             effective.MaxPerDay,
		RetryAfterSeconds: secondsUntilMidnightUTC(now),
		Code:              CodeDailyLimit,
	}
}

func (c *Checker) storeFailure(req Request, category rules.Category, effective rules.EffectiveLimit, err error) *Decision {
	log.Printf("quota: ledger store error on %s endpoint %s: %v", category, req.Endpoint, err)

	if FailClosed(category) {
		c.record(req, OutcomeDenied, LimitTypeDaily, effective.MaxPerDay)
		return &Decision{
			Allowed:           false,
			Remaining:         0,
			Limit:             effective.MaxPerDay,
			RetryAfterSeconds: 60,
			Code:              CodeRateLimit,
		}
	}

	return &Decision{
		Allowed:   true,
		Remaining: effective.MaxPerDay,
		Limit:     effective.MaxPerDay,
	}
}

func (c *Checker) record(req Request, outcome, limitType string, limitValue int64) {
	if c.recorder == nil {
		return
	}
	c.recorder.Record(req.Identity, req.IP, req.Endpoint, outcome, limitType, limitValue)
}

func secondsUntilMidnightUTC(now time.Time) int64 {
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	seconds := int64(midnight.Sub(now).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
