package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kinloop/quota-engine/internal/models"
	"github.com/kinloop/quota-engine/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// In-memory stand-in for the ledger. Each operation is atomic, like a single
// statement against the real store; the uniqueness constraint is honored on
// insert.
type fakeStore struct {
	mu        sync.Mutex
	rows      map[string]*models.UsageRecord
	nextID    uint
	inserts   int
	getErr    error
	insertErr error
	updateErr error

	// called under the lock right before each insert attempt; lets tests
	// stage a competing row to force the duplicate-key path
	beforeInsert func(s *fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*models.UsageRecord)}
}

func rowKey(identity, endpoint, usageDate string) string {
	return identity + "|" + endpoint + "|" + usageDate
}

func (s *fakeStore) Get(ctx context.Context, identity, endpoint, usageDate string) (*models.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, s.getErr
	}

	row, ok := s.rows[rowKey(identity, endpoint, usageDate)]
	if !ok {
		return nil, nil
	}

	copied := *row
	return &copied, nil
}

func (s *fakeStore) Insert(ctx context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return s.insertErr
	}

	if s.beforeInsert != nil {
		hook := s.beforeInsert
		s.beforeInsert = nil
		hook(s)
	}

	key := rowKey(record.Identity, record.Endpoint, record.UsageDate)
	if _, exists := s.rows[key]; exists {
		return ErrDuplicateKey
	}

	s.nextID++
	record.ID = s.nextID
	copied := *record
	s.rows[key] = &copied
	s.inserts++

	return nil
}

func (s *fakeStore) insertLocked(record *models.UsageRecord) {
	s.nextID++
	record.ID = s.nextID
	copied := *record
	s.rows[rowKey(record.Identity, record.Endpoint, record.UsageDate)] = &copied
	s.inserts++
}

func (s *fakeStore) Update(ctx context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}

	for _, row := range s.rows {
		if row.ID == record.ID {
			row.DailyCount = record.DailyCount
			row.MinuteWindowStart = record.MinuteWindowStart
			row.MinuteCount = record.MinuteCount
			return nil
		}
	}

	return errors.New("row not found")
}

func (s *fakeStore) row(identity, endpoint, usageDate string) *models.UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[rowKey(identity, endpoint, usageDate)]
}

type recordedEvent struct {
	identity   string
	endpoint   string
	outcome    string
	limitType  string
	limitValue int64
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) Record(identity, ip, endpoint, outcome, limitType string, limitValue int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{identity, endpoint, outcome, limitType, limitValue})
}

func (r *fakeRecorder) byOutcome(outcome string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []recordedEvent
	for _, event := range r.events {
		if event.outcome == outcome {
			matched = append(matched, event)
		}
	}
	return matched
}

func testRegistry() *rules.Registry {
	return rules.NewRegistry(
		[]rules.Rule{
			{Endpoint: "ai-schedule-suggest", Category: rules.CategoryAI, MaxPerDay: 50, MaxPerMinute: 6},
			{Endpoint: "tiny", Category: rules.CategoryCompute, MaxPerDay: 3, MaxPerMinute: 10},
			{Endpoint: "bursty", Category: rules.CategoryBulk, MaxPerDay: 100, MaxPerMinute: 2},
			{Endpoint: "export-job", Category: rules.CategoryExport, MaxPerDay: 10, MaxPerMinute: 5},
			{Endpoint: "bulk-scan", Category: rules.CategoryBulk, MaxPerDay: 200, MaxPerMinute: 50},
			{Endpoint: rules.DefaultEndpoint, Category: rules.CategoryCompute, MaxPerDay: 5, MaxPerMinute: 5},
		},
		[]rules.TierMultiplier{
			{Tier: "free", PerCategory: map[rules.Category]float64{
				rules.CategoryAI:      0.5,
				rules.CategoryExport:  0.5,
				rules.CategoryBulk:    1.0,
				rules.CategorySpam:    0.5,
				rules.CategoryCompute: 1.0,
			}},
			{Tier: "flat", PerCategory: map[rules.Category]float64{
				rules.CategoryAI:      1.0,
				rules.CategoryExport:  1.0,
				rules.CategoryBulk:    1.0,
				rules.CategorySpam:    1.0,
				rules.CategoryCompute: 1.0,
			}},
		},
	)
}

func newTestChecker(store Store, recorder Recorder, at time.Time) (*Checker, *time.Time) {
	current := at
	checker := NewChecker(testRegistry(), store, recorder)
	checker.now = func() time.Time { return current }
	return checker, &current
}

func TestFirstRequestOfDayInsertsFreshRecord(t *testing.T) {
	store := newFakeStore()
	checker, _ := newTestChecker(store, nil, time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC))

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	})

	require.True(t, decision.Allowed)
	assert.Equal(t, int64(2), decision.Remaining)
	assert.Equal(t, int64(3), decision.Limit)

	row := store.row("user-1", "tiny", "2025-03-10")
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.DailyCount)
	assert.Equal(t, int64(1), row.MinuteCount)
}

func TestDailyCapInvariant(t *testing.T) {
	store := newFakeStore()
	recorder := &fakeRecorder{}
	checker, now := newTestChecker(store, recorder, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	admitted := 0
	for i := 0; i < 10; i++ {
		decision := checker.CheckAndConsume(context.Background(), Request{
			Identity: "user-1", Endpoint: "tiny", Tier: "flat",
		})
		if decision.Allowed {
			admitted++
		}
		// keep the burst window out of the picture
		*now = now.Add(time.Minute)
	}

	assert.Equal(t, 3, admitted)

	denied := recorder.byOutcome(OutcomeDenied)
	require.Len(t, denied, 7)
	assert.Equal(t, LimitTypeDaily, denied[0].limitType)
	assert.Equal(t, int64(3), denied[0].limitValue)
}

func TestDailyDenialReportsRetryUntilMidnight(t *testing.T) {
	store := newFakeStore()
	checker, _ := newTestChecker(store, nil, time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		require.True(t, checker.CheckAndConsume(context.Background(), Request{
			Identity: "user-1", Endpoint: "tiny", Tier: "flat",
		}).Allowed)
	}

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	})

	require.False(t, decision.Allowed)
	assert.Equal(t, CodeDailyLimit, decision.Code)
	assert.Equal(t, int64(0), decision.Remaining)
	assert.Equal(t, int64(60), decision.RetryAfterSeconds)
}

func TestBurstCapInvariant(t *testing.T) {
	store := newFakeStore()
	recorder := &fakeRecorder{}
	checker, now := newTestChecker(store, recorder, time.Date(2025, 3, 10, 8, 0, 10, 0, time.UTC))

	for i := 0; i < 2; i++ {
		require.True(t, checker.CheckAndConsume(context.Background(), Request{
			Identity: "user-1", Endpoint: "bursty", Tier: "flat",
		}).Allowed)
	}

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "bursty", Tier: "flat",
	})

	require.False(t, decision.Allowed)
	assert.Equal(t, CodeBurstLimit, decision.Code)
	assert.Equal(t, int64(98), decision.Remaining)
	assert.Equal(t, int64(60), decision.RetryAfterSeconds)

	denied := recorder.byOutcome(OutcomeDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, LimitTypeBurst, denied[0].limitType)

	// next wall-clock minute opens a fresh bucket
	*now = now.Add(time.Minute)

	decision = checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "bursty", Tier: "flat",
	})
	assert.True(t, decision.Allowed)

	row := store.row("user-1", "bursty", "2025-03-10")
	require.NotNil(t, row)
	assert.Equal(t, int64(3), row.DailyCount)
	assert.Equal(t, int64(1), row.MinuteCount)
}

func TestResetAtMidnight(t *testing.T) {
	store := newFakeStore()
	checker, now := newTestChecker(store, nil, time.Date(2025, 3, 10, 23, 58, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		checker.CheckAndConsume(context.Background(), Request{
			Identity: "user-1", Endpoint: "tiny", Tier: "flat",
		})
	}
	require.False(t, checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	}).Allowed)

	// yesterday's exhausted record does not count against the new day
	*now = time.Date(2025, 3, 11, 0, 1, 0, 0, time.UTC)

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	})

	require.True(t, decision.Allowed)
	assert.Equal(t, int64(2), decision.Remaining)

	row := store.row("user-1", "tiny", "2025-03-11")
	require.NotNil(t, row)
	assert.Equal(t, int64(1), row.DailyCount)
}

func TestDuplicateKeyOnFirstInsertResolvesAgainstWinnerRow(t *testing.T) {
	store := newFakeStore()
	checker, _ := newTestChecker(store, nil, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	// a sibling process wins the first insert between our read and insert
	store.beforeInsert = func(s *fakeStore) {
		s.insertLocked(&models.UsageRecord{
			Identity:          "user-1",
			Endpoint:          "tiny",
			UsageDate:         "2025-03-10",
			DailyCount:        1,
			MinuteWindowStart: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC).Unix(),
			MinuteCount:       1,
		})
	}

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	})

	require.True(t, decision.Allowed)
	assert.Equal(t, int64(1), decision.Remaining)

	row := store.row("user-1", "tiny", "2025-03-10")
	require.NotNil(t, row)
	assert.Equal(t, 1, store.inserts, "loser must not insert a second row")
	assert.Equal(t, int64(2), row.DailyCount)
	assert.Equal(t, int64(2), row.MinuteCount)
}

func TestConcurrentFirstRequestsSingleInsertWins(t *testing.T) {
	store := newFakeStore()
	checker, _ := newTestChecker(store, nil, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Decision, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = checker.CheckAndConsume(context.Background(), Request{
				Identity: "user-1", Endpoint: "bulk-scan", Tier: "flat",
			})
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, decision := range results {
		require.NotNil(t, decision)
		if decision.Allowed {
			admitted++
		}
	}

	assert.Equal(t, 1, store.inserts, "exactly one insert wins the race")
	assert.Equal(t, n, admitted, "limit is far away, every request is admitted")

	row := store.row("user-1", "bulk-scan", "2025-03-10")
	require.NotNil(t, row)
	assert.GreaterOrEqual(t, row.DailyCount, int64(1))
	assert.LessOrEqual(t, row.DailyCount, int64(n))
}

func TestStoreErrorFailsClosedForMeteredCategories(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	recorder := &fakeRecorder{}
	checker, _ := newTestChecker(store, recorder, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "export-job", Tier: "flat",
	})

	require.False(t, decision.Allowed)
	assert.Equal(t, CodeRateLimit, decision.Code)
	assert.Len(t, recorder.byOutcome(OutcomeDenied), 1)
}

func TestStoreErrorFailsOpenForCheapCategories(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection refused")
	checker, _ := newTestChecker(store, nil, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "bursty", Tier: "flat",
	})

	require.True(t, decision.Allowed)
	assert.Equal(t, decision.Limit, decision.Remaining)
	assert.Empty(t, decision.Code)
}

func TestUpdateFailureDoesNotFlipAdmission(t *testing.T) {
	store := newFakeStore()
	checker, now := newTestChecker(store, nil, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	require.True(t, checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	}).Allowed)

	*now = now.Add(time.Minute)
	store.updateErr = errors.New("write timeout")

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "tiny", Tier: "flat",
	})

	assert.True(t, decision.Allowed, "admission decision already made; persistence is best-effort")
}

func TestEndToEndFreeTierAISchedule(t *testing.T) {
	store := newFakeStore()
	recorder := &fakeRecorder{}
	checker, now := newTestChecker(store, recorder, time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC))

	// base 50/day at the free multiplier 0.5 -> 25/day
	for i := 1; i <= 25; i++ {
		decision := checker.CheckAndConsume(context.Background(), Request{
			Identity: "parent-42", Endpoint: "ai-schedule-suggest", Tier: "free",
		})
		require.True(t, decision.Allowed, fmt.Sprintf("call %d should be admitted", i))
		assert.Equal(t, int64(25-i), decision.Remaining)
		*now = now.Add(time.Minute)
	}

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "parent-42", Endpoint: "ai-schedule-suggest", Tier: "free",
	})

	require.False(t, decision.Allowed)
	assert.Equal(t, CodeDailyLimit, decision.Code)
	assert.Equal(t, int64(25), decision.Limit)

	denied := recorder.byOutcome(OutcomeDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "parent-42", denied[0].identity)
	assert.Equal(t, LimitTypeDaily, denied[0].limitType)
	assert.Equal(t, int64(25), denied[0].limitValue)
}

func TestUnknownEndpointUsesDefaultRule(t *testing.T) {
	store := newFakeStore()
	checker, _ := newTestChecker(store, nil, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))

	decision := checker.CheckAndConsume(context.Background(), Request{
		Identity: "user-1", Endpoint: "never-registered", Tier: "flat",
	})

	require.True(t, decision.Allowed)
	assert.Equal(t, int64(5), decision.Limit)
}

func TestFailurePolicyTable(t *testing.T) {
	assert.True(t, FailClosed(rules.CategoryAI))
	assert.True(t, FailClosed(rules.CategoryExport))
	assert.False(t, FailClosed(rules.CategoryBulk))
	assert.False(t, FailClosed(rules.CategorySpam))
	assert.False(t, FailClosed(rules.CategoryCompute))
}
