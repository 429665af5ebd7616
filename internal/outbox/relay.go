package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// Publisher is the broker surface the relay needs. Satisfied by
// broker.Broker; mocked in tests.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// NewEvent stamps the envelope header onto the event payload and returns
// the outbox row ready to stage. The wire document is flat: header fields
// sit at the top level next to the event-specific fields.
func NewEvent(eventType string, payload any) (*domain.OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("event payload must be a JSON object: %w", err)
	}
	eventID := uuid.NewString()
	doc["eventId"], _ = json.Marshal(eventID)
	doc["eventType"], _ = json.Marshal(eventType)
	doc["timestamp"], _ = json.Marshal(time.Now().UTC())
	doc["version"], _ = json.Marshal("v1")
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	return &domain.OutboxEvent{
		ID:        uuid.NewString(),
		EventID:   eventID,
		EventType: eventType,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Stage inserts the event inside the caller's open transaction so it
// commits atomically with the domain write that produced it.
func Stage(ctx context.Context, repo repository.OutboxRepository, tx pgx.Tx, eventType string, payload any) error {
	e, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	return repo.AppendTx(ctx, tx, e)
}

// StagePool inserts the event outside a transaction, for producers whose
// domain write is a single statement.
func StagePool(ctx context.Context, repo repository.OutboxRepository, eventType string, payload any) error {
	e, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}
	return repo.Append(ctx, e)
}

// Relay drains unpublished outbox rows to the broker, oldest first.
// Publishing is at-least-once; rows past the retry cap are left in place
// and surfaced through the dead-row stat.
type Relay struct {
	repo      repository.OutboxRepository
	pub       Publisher
	logger    *zap.Logger
	interval  time.Duration
	batchSize int

	sleep func(ctx context.Context, d time.Duration)
}

func NewRelay(repo repository.OutboxRepository, pub Publisher, interval time.Duration, batchSize int, logger *zap.Logger) *Relay {
	return &Relay{
		repo:      repo,
		pub:       pub,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		sleep:     sleepCtx,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started",
		zap.Duration("interval", r.interval),
		zap.Int("batchSize", r.batchSize))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.logger.Error("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// Drain publishes one batch of unpublished rows. Exported for tests and
// for a final flush during shutdown.
func (r *Relay) Drain(ctx context.Context) error {
	events, err := r.repo.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return fmt.Errorf("fetch unpublished: %w", err)
	}

	for _, e := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.pub.Publish(ctx, domain.RoutingKey(e.EventType), e.Payload); err != nil {
			r.logger.Warn("outbox publish failed",
				zap.String("eventId", e.EventID),
				zap.Int("retryCount", e.RetryCount),
				zap.Error(err))
			if rerr := r.repo.IncrementRetry(ctx, e.ID, err.Error()); rerr != nil {
				r.logger.Error("increment outbox retry failed", zap.Error(rerr))
			}
			r.sleep(ctx, publishBackoff(e.RetryCount))
			continue
		}
		if err := r.repo.MarkPublished(ctx, e.ID, time.Now().UTC()); err != nil {
			// At-least-once: the next poll re-publishes and the consumer
			// dedups on eventId.
			r.logger.Error("mark published failed",
				zap.String("eventId", e.EventID), zap.Error(err))
		}
	}
	return nil
}

// publishBackoff is min(1s * 2^retryCount, 5min) with 20% jitter.
func publishBackoff(retryCount int) time.Duration {
	d := time.Second << uint(retryCount)
	if d > 5*time.Minute || d <= 0 {
		d = 5 * time.Minute
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
