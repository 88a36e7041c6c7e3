package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kinloop/quota-engine/internal/models"
	"github.com/kinloop/quota-engine/internal/quota"
	"golang.org/x/crypto/blake2b"
)

const identityPrefix = "sched"

// invocationSuffix distinguishes claim rows from user quota rows in the
// shared ledger table.
const invocationSuffix = ":invocation"

// Deduplicator guarantees at-most-once execution of cron-triggered functions.
// A claim is a row in the usage ledger; the second insert for the same
// synthetic identity hits the uniqueness constraint and reports a duplicate.
type Deduplicator struct {
	store quota.Store
	now   func() time.Time
}

func NewDeduplicator(store quota.Store) *Deduplicator {
	return &Deduplicator{
		store: store,
		now:   time.Now,
	}
}

// Claim attempts to take the invocation slot for (function, invocationKey).
// An empty invocationKey defaults to the current UTC minute, giving naive
// cron triggers at-most-once-per-minute semantics. duplicate=true means a
// sibling already holds the slot and the caller must skip the run.
func (d *Deduplicator) Claim(ctx context.Context, function, invocationKey string) (bool, error) {
	now := d.now().UTC()

	if invocationKey == "" {
		invocationKey = now.Truncate(time.Minute).Format("2006-01-02T15:04Z")
	}

	record := &models.UsageRecord{
		Identity:          SyntheticIdentity(function, invocationKey),
		Endpoint:          function + invocationSuffix,
		UsageDate:         models.DateKey(now),
		DailyCount:        1,
		MinuteWindowStart: now.Truncate(time.Minute).Unix(),
		MinuteCount:       1,
	}

	err := d.store.Insert(ctx, record)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, quota.ErrDuplicateKey) {
		return true, nil
	}

	return false, err
}

// SyntheticIdentity derives the stable ledger identity for one invocation.
// blake2b keeps it one-way and fixed width.
func SyntheticIdentity(function, invocationKey string) string {
	sum := blake2b.Sum256([]byte(identityPrefix + ":" + function + ":" + invocationKey))
	return fmt.Sprintf("%s-%x", identityPrefix, sum[:14])
}
