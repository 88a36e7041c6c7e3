package quota

import (
	"context"
	"errors"

	"github.com/kinloop/quota-engine/internal/models"
)

// ErrDuplicateKey is returned by Store.Insert when the row already exists.
// It is the expected concurrency-control signal, not a failure.
var ErrDuplicateKey = errors.New("usage record already exists")

// Store is the usage ledger. Every method is a blocking round-trip to the
// backing database; callers propagate their own deadlines via ctx.
type Store interface {
	// Get returns the record for (identity, endpoint, usageDate), or
	// (nil, nil) when no row exists.
	Get(ctx context.Context, identity, endpoint, usageDate string) (*models.UsageRecord, error)

	// Insert creates a fresh record. Returns ErrDuplicateKey when a
	// concurrent caller created the row first.
	Insert(ctx context.Context, record *models.UsageRecord) error

	// Update persists the counters of an existing record.
	Update(ctx context.Context, record *models.UsageRecord) error
}
