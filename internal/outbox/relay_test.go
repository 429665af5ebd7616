package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/repository"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string // routing keys
	failures  int      // fail this many publishes before succeeding
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newRelay(repo repository.OutboxRepository, pub Publisher) *Relay {
	r := NewRelay(repo, pub, time.Second, 100, zap.NewNop())
	r.sleep = func(ctx context.Context, d time.Duration) {}
	return r
}

func TestNewEventFlatDocument(t *testing.T) {
	e, err := NewEvent(domain.EventProcessed, domain.ProcessedEvent{
		OriginalEventID: "e1",
		Success:         true,
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	env, err := domain.DecodeEnvelope(e.Payload)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("envelope invalid: %v", err)
	}
	if env.EventType != domain.EventProcessed {
		t.Errorf("eventType = %q", env.EventType)
	}
	if env.EventID != e.EventID {
		t.Error("envelope eventId must match outbox row eventId")
	}

	// Event fields sit at the top level next to the header; nothing is
	// nested under a payload object.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if _, ok := doc["payload"]; ok {
		t.Error("wire document must not nest fields under payload")
	}
	if _, ok := doc["originalEventId"]; !ok {
		t.Error("event field originalEventId missing from top level")
	}
}

func TestDrainPublishesAndMarks(t *testing.T) {
	repo := repository.NewMockOutboxRepository(10)
	pub := &fakePublisher{}
	relay := newRelay(repo, pub)

	e, _ := NewEvent(domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2",
	})
	if err := repo.Append(context.Background(), e); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d, want 1", pub.count())
	}
	if pub.published[0] != "notification.events" {
		t.Errorf("routing key = %q", pub.published[0])
	}
	stored := repo.Get(e.EventID)
	if stored == nil || !stored.Published {
		t.Fatal("event should be marked published")
	}

	// Second drain finds nothing new.
	if err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d after second drain, want 1", pub.count())
	}
}

func TestDrainRoutesOutcomeEventsOffConsumerQueue(t *testing.T) {
	repo := repository.NewMockOutboxRepository(10)
	pub := &fakePublisher{}
	relay := newRelay(repo, pub)

	processed, _ := NewEvent(domain.EventProcessed, domain.ProcessedEvent{OriginalEventID: "e1"})
	delivery, _ := NewEvent(domain.EventDelivery, domain.DeliveryEvent{NotificationID: "n1"})
	_ = repo.Append(context.Background(), processed)
	_ = repo.Append(context.Background(), delivery)

	if err := relay.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if pub.count() != 2 {
		t.Fatalf("published %d, want 2", pub.count())
	}
	// Outcome events must never route back into the queue this service
	// consumes from, or they dead-letter as unknown types.
	for _, key := range pub.published {
		if key == "notification.events" {
			t.Errorf("outcome event published under the consumer binding key")
		}
	}
}

func TestDrainRetriesOnFailure(t *testing.T) {
	repo := repository.NewMockOutboxRepository(10)
	pub := &fakePublisher{failures: 1}
	relay := newRelay(repo, pub)

	e, _ := NewEvent(domain.EventLikeCreated, domain.LikeCreatedEvent{
		LikerID: "u1", TargetOwnerID: "u2", TargetType: "post", TargetID: "p1",
	})
	_ = repo.Append(context.Background(), e)

	_ = relay.Drain(context.Background())
	stored := repo.Get(e.EventID)
	if stored.Published {
		t.Fatal("event should not be published after broker failure")
	}
	if stored.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", stored.RetryCount)
	}

	_ = relay.Drain(context.Background())
	stored = repo.Get(e.EventID)
	if !stored.Published {
		t.Fatal("event should publish on the next drain")
	}
}

func TestDeadRowsAreSkipped(t *testing.T) {
	repo := repository.NewMockOutboxRepository(2)
	pub := &fakePublisher{failures: 100}
	relay := newRelay(repo, pub)

	e, _ := NewEvent(domain.EventCommentCreated, domain.CommentCreatedEvent{
		CommenterID: "u1", PostID: "p1", PostOwnerID: "u2",
	})
	_ = repo.Append(context.Background(), e)

	for i := 0; i < 5; i++ {
		_ = relay.Drain(context.Background())
	}
	stored := repo.Get(e.EventID)
	if stored.RetryCount != 2 {
		t.Fatalf("retryCount = %d, want capped at 2", stored.RetryCount)
	}

	unpublished, dead, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if unpublished != 0 || dead != 1 {
		t.Fatalf("stats = (%d unpublished, %d dead), want (0, 1)", unpublished, dead)
	}
}

func TestPublishBackoffBounds(t *testing.T) {
	for n := 0; n < 20; n++ {
		d := publishBackoff(n)
		if d < 0 {
			t.Fatalf("negative backoff at retry %d", n)
		}
		if d > time.Duration(float64(5*time.Minute)*1.2) {
			t.Fatalf("backoff %v at retry %d exceeds jittered cap", d, n)
		}
	}
}
