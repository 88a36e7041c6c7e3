package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/kinloop/quota-engine/internal/models"
	"github.com/kinloop/quota-engine/internal/storage"
)

const (
	batchSize     = 100
	flushInterval = 2 * time.Second
	writeTimeout  = 3 * time.Second
)

// Sink records allow/warn/deny events off the caller's critical path. Events
// flow through a buffered channel to a single background worker that batch
// inserts them; a full buffer drops events rather than blocking admission.
// Redis keeps best-effort live counters per endpoint and outcome.
type Sink struct {
	db     *storage.Postgres
	redis  *storage.RedisClient
	events chan models.AbuseEvent
	done   chan struct{}
}

// redis may be nil; live counters are then disabled.
func NewSink(db *storage.Postgres, redis *storage.RedisClient, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	s := &Sink{
		db:     db,
		redis:  redis,
		events: make(chan models.AbuseEvent, bufferSize),
		done:   make(chan struct{}),
	}

	go s.worker()

	return s
}

// Record queues one event. Never blocks, never returns an error; telemetry
// must not affect the admission decision.
func (s *Sink) Record(identity, ip, endpoint, outcome, limitType string, limitValue int64) {
	event := models.AbuseEvent{
		Timestamp:    time.Now().UTC(),
		IdentityHash: HashActor(identity),
		IPHash:       HashActor(ip),
		Endpoint:     endpoint,
		Outcome:      outcome,
		LimitType:    limitType,
		LimitValue:   limitValue,
	}

	select {
	case s.events <- event:
	default:
		log.Printf("telemetry: event buffer full, dropping %s event for %s", outcome, endpoint)
	}
}

// Close flushes buffered events and stops the worker.
func (s *Sink) Close() {
	close(s.events)
	<-s.done
}

func (s *Sink) worker() {
	defer close(s.done)

	batch := make([]models.AbuseEvent, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				s.flush(batch)
				return
			}

			s.bumpLiveCounter(event)

			batch = append(batch, event)
			if len(batch) >= batchSize {
				s.flush(batch)
				batch = make([]models.AbuseEvent, 0, batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]models.AbuseEvent, 0, batchSize)
			}
		}
	}
}

func (s *Sink) flush(batch []models.AbuseEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.db.DB.WithContext(ctx).Create(&batch).Error; err != nil {
		log.Printf("telemetry: failed to insert %d events: %v", len(batch), err)
	}
}

func (s *Sink) bumpLiveCounter(event models.AbuseEvent) {
	if s.redis == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	key := liveCounterKey(event.Endpoint, event.Outcome)
	count, err := s.redis.Incr(ctx, key)
	if err != nil {
		return
	}
	if count == 1 {
		s.redis.Expire(ctx, key, 24*time.Hour)
	}
}

func liveCounterKey(endpoint, outcome string) string {
	return fmt.Sprintf("abuse:live:%s:%s", endpoint, outcome)
}

// HashActor hashes an identity or IP for low-cardinality grouping. FNV-1a is
// deterministic and fast; this is for cardinality estimation, not security.
func HashActor(raw string) string {
	if raw == "" {
		return ""
	}

	h := fnv.New64a()
	h.Write([]byte(raw))
	return fmt.Sprintf("%016x", h.Sum64())
}
