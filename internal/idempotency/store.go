package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

const (
	// RecordTTL bounds how long a processed key stays deduplicable.
	// Producers that replay older events are effectively new events.
	RecordTTL = 7 * 24 * time.Hour

	// lockTTL caps how long a processing lock can be held, so a consumer
	// that dies mid-event does not park the key forever.
	lockTTL = 30 * time.Second

	// localCapacity bounds the process-local set. Eviction is FIFO.
	localCapacity = 10000
)

// IntentKey collapses retried and re-emitted events that express the same
// user-visible intent. Falls back to a per-event key when the event carries
// no intent coordinates.
func IntentKey(eventType, actorID, targetID, resourceID string) string {
	if actorID != "" && targetID != "" && resourceID != "" {
		return fmt.Sprintf("intent:%s:%s:%s:%s", eventType, actorID, targetID, resourceID)
	}
	return ""
}

// EventKey is the fallback dedup key for events without intent coordinates.
func EventKey(eventType, eventID string) string {
	return fmt.Sprintf("event:%s:%s", eventType, eventID)
}

// Store answers "have we processed this key already?" across three tiers:
// a process-local set for the hot path, redis for cross-instance reads,
// and postgres as the durable source of truth. Cache tiers fail open; the
// durable tier is authoritative.
type Store struct {
	cache  *cache.Cache
	repo   repository.IdempotencyRepository
	logger *zap.Logger

	// TTL bounds how long a processed key stays deduplicable. Defaults
	// to RecordTTL; main overrides it from config.
	TTL time.Duration

	mu    sync.Mutex
	local map[string]struct{}
	order []string
}

func NewStore(c *cache.Cache, repo repository.IdempotencyRepository, logger *zap.Logger) *Store {
	return &Store{
		cache:  c,
		repo:   repo,
		logger: logger,
		TTL:    RecordTTL,
		local:  make(map[string]struct{}, localCapacity),
	}
}

// IsDuplicate reports whether key has already been processed. A redis
// outage falls through to postgres; a postgres outage fails open, because
// the intent-unique index on notifications is the last line of defense.
func (s *Store) IsDuplicate(ctx context.Context, key string) bool {
	s.mu.Lock()
	_, hit := s.local[key]
	s.mu.Unlock()
	if hit {
		return true
	}

	if s.cache != nil {
		exists, err := s.cache.Exists(ctx, redisKey(key))
		if err != nil {
			s.logger.Warn("idempotency redis check failed, falling through",
				zap.String("key", key), zap.Error(err))
		} else if exists {
			s.remember(key)
			return true
		}
	}

	exists, err := s.repo.Exists(ctx, key)
	if err != nil {
		s.logger.Warn("idempotency durable check failed, failing open",
			zap.String("key", key), zap.Error(err))
		return false
	}
	if exists {
		s.remember(key)
	}
	return exists
}

// MarkProcessed records key in all three tiers. The durable write is the
// one that matters; cache writes are best-effort.
func (s *Store) MarkProcessed(ctx context.Context, key string, rec *domain.IdempotencyRecord) error {
	now := time.Now().UTC()
	rec.Key = key
	rec.ProcessedAt = now
	rec.ExpiresAt = now.Add(s.TTL)

	if err := s.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	s.remember(key)
	if s.cache != nil {
		if err := s.cache.Set(ctx, redisKey(key), "1", s.TTL); err != nil {
			s.logger.Warn("idempotency redis write failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// TryAcquireLock takes a short-lived processing lock on key so concurrent
// consumers do not process the same event simultaneously. Fails open on a
// redis outage: duplicate suppression still holds via IsDuplicate and the
// intent-unique index.
func (s *Store) TryAcquireLock(ctx context.Context, key string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.SetNX(ctx, lockKey(key), "1", lockTTL)
	if err != nil {
		s.logger.Warn("idempotency lock failed open",
			zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// ReleaseLock drops the processing lock. Best-effort; the TTL is the
// real guarantee.
func (s *Store) ReleaseLock(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, lockKey(key)); err != nil {
		s.logger.Warn("idempotency lock release failed",
			zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) remember(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.local[key]; ok {
		return
	}
	if len(s.order) >= localCapacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.local, oldest)
	}
	s.local[key] = struct{}{}
	s.order = append(s.order, key)
}

func redisKey(key string) string { return "idem:" + key }
func lockKey(key string) string  { return "idem_lock:" + key }
