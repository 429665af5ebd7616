package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/fanout"
	"github.com/notifyhub/push-delivery/internal/gateway"
	"github.com/notifyhub/push-delivery/internal/idempotency"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/service"
	"github.com/notifyhub/push-delivery/internal/stampede"
)

type fixture struct {
	consumer      *Consumer
	notifications *repository.MockNotificationRepository
	devices       *repository.MockDeviceRepository
	prefs         *repository.MockPreferencesRepository
	groups        *repository.MockGroupRepository
	outboxRepo    *repository.MockOutboxRepository
}

type staticFollowers struct{ count int64 }

func (s *staticFollowers) FollowerCount(ctx context.Context, userID string) (int64, error) {
	return s.count, nil
}

type noopTopics struct{ sent []string }

func (n *noopTopics) SendTopic(ctx context.Context, topic string, msg *gateway.Message) error {
	n.sent = append(n.sent, topic)
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Second)

	notifications := repository.NewMockNotificationRepository()
	devices := repository.NewMockDeviceRepository()
	prefs := repository.NewMockPreferencesRepository()
	groups := repository.NewMockGroupRepository()
	outboxRepo := repository.NewMockOutboxRepository(10)
	idem := idempotency.NewStore(c, repository.NewMockIdempotencyRepository(), logger)

	guard := stampede.New(c, logger)
	selector := fanout.NewSelector(&staticFollowers{count: 100}, guard, 10000,
		5*time.Minute, 10*time.Minute, logger)
	groupSvc := fanout.NewGroupService(groups, &noopTopics{}, selector, 50000, logger)
	notifSvc := service.NewNotificationService(notifications, devices, logger)

	return &fixture{
		consumer:      New(nil, idem, prefs, notifSvc, groupSvc, outboxRepo, 1, logger),
		notifications: notifications,
		devices:       devices,
		prefs:         prefs,
		groups:        groups,
		outboxRepo:    outboxRepo,
	}
}

func (f *fixture) seedDevice(t *testing.T, userID string) {
	t.Helper()
	err := f.devices.Upsert(context.Background(), &domain.Device{
		ID:           "d-" + userID,
		UserID:       userID,
		Platform:     domain.PlatformAndroid,
		DeviceToken:  "tok-" + userID,
		PushSettings: domain.PushSettings{Enabled: true},
		LastSeen:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed device: %v", err)
	}
}

// envelope builds the flat wire document: header fields at the top level
// next to the event-specific fields.
func envelope(t *testing.T, eventID, eventType string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("payload must be a JSON object: %v", err)
	}
	doc["eventId"], _ = json.Marshal(eventID)
	doc["eventType"], _ = json.Marshal(eventType)
	doc["timestamp"], _ = json.Marshal(time.Now().UTC())
	doc["version"], _ = json.Marshal("v1")
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func TestUserFollowedHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	body := envelope(t, "e1", domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2", ActionURL: "https://app/u/u1",
	})

	if action := f.consumer.Handle(context.Background(), body, "corr-1"); action != Ack {
		t.Fatalf("action = %v, want Ack", action)
	}
	if f.notifications.Len() != 1 {
		t.Fatalf("rows = %d, want 1", f.notifications.Len())
	}

	rows, _ := f.notifications.ListInbox(context.Background(), domain.InboxQuery{
		UserID: "u2", IncludeRead: true, Limit: 10,
	})
	n := rows[0]
	if n.Category != domain.CategorySocial {
		t.Errorf("category = %s, want social", n.Category)
	}
	if n.ResourceID == nil || *n.ResourceID != "u1" {
		t.Errorf("resourceId = %v, want u1", n.ResourceID)
	}
	if n.Title != "New Follower" || n.Body != "Someone started following you!" {
		t.Errorf("content = %q / %q", n.Title, n.Body)
	}
	if n.Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", n.Status)
	}

	unpublished, _, _ := f.outboxRepo.Stats(context.Background())
	if unpublished != 1 {
		t.Errorf("staged outbox events = %d, want 1 processed event", unpublished)
	}
}

func TestTopLevelEventFieldsDecode(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	// Producers put event fields next to the header, not nested.
	body := []byte(`{
		"eventId": "e1",
		"eventType": "user.followed",
		"timestamp": "2025-06-01T12:00:00Z",
		"version": "v1",
		"followerId": "u1",
		"followeeId": "u2",
		"actionUrl": "https://app/u/u1"
	}`)

	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("action = %v, want Ack", action)
	}
	if f.notifications.Len() != 1 {
		t.Fatalf("rows = %d, want 1", f.notifications.Len())
	}
	rows, _ := f.notifications.ListInbox(context.Background(), domain.InboxQuery{
		UserID: "u2", IncludeRead: true, Limit: 10,
	})
	if len(rows) != 1 {
		t.Fatal("notification must land in the followee's inbox")
	}
}

func TestNestedPayloadStillDecodes(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	body := []byte(`{
		"eventId": "e1",
		"eventType": "user.followed",
		"timestamp": "2025-06-01T12:00:00Z",
		"version": "v1",
		"payload": {"followerId": "u1", "followeeId": "u2"}
	}`)

	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("action = %v, want Ack", action)
	}
	if f.notifications.Len() != 1 {
		t.Fatalf("rows = %d, want 1", f.notifications.Len())
	}
}

func TestDailyCapSkipsAfterLimit(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	prefs := domain.DefaultPreferences("u2")
	prefs.MaxDaily = 1
	_ = f.prefs.Save(context.Background(), prefs)

	first := envelope(t, "e1", domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2",
	})
	second := envelope(t, "e2", domain.EventCommentCreated, domain.CommentCreatedEvent{
		CommenterID: "u3", PostID: "p1", PostOwnerID: "u2",
	})

	if action := f.consumer.Handle(context.Background(), first, "c1"); action != Ack {
		t.Fatalf("first handle: %v", action)
	}
	if action := f.consumer.Handle(context.Background(), second, "c2"); action != Ack {
		t.Fatalf("capped event must ack: %v", action)
	}
	if f.notifications.Len() != 1 {
		t.Fatalf("rows = %d with daily cap 1, want 1", f.notifications.Len())
	}

	// The skip still stages a processed acknowledgement.
	unpublished, _, _ := f.outboxRepo.Stats(context.Background())
	if unpublished != 2 {
		t.Errorf("staged outbox events = %d, want 2", unpublished)
	}
}

func TestDuplicateDeliveryCollapses(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	body := envelope(t, "e1", domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2",
	})

	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("first handle: %v", action)
	}
	if action := f.consumer.Handle(context.Background(), body, "c2"); action != Ack {
		t.Fatalf("redelivery must ack: %v", action)
	}
	if f.notifications.Len() != 1 {
		t.Fatalf("rows = %d after redelivery, want 1", f.notifications.Len())
	}
}

func TestReemittedIntentCollapses(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")

	// Same follow intent re-emitted with a new eventId.
	first := envelope(t, "e1", domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2",
	})
	second := envelope(t, "e2", domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2",
	})

	f.consumer.Handle(context.Background(), first, "c1")
	f.consumer.Handle(context.Background(), second, "c2")
	if f.notifications.Len() != 1 {
		t.Fatalf("rows = %d for one intent, want 1", f.notifications.Len())
	}
}

func TestPreferenceBlockedSkips(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	prefs := domain.DefaultPreferences("u2")
	prefs.NotificationTypes[domain.CategorySocial] = false
	_ = f.prefs.Save(context.Background(), prefs)

	body := envelope(t, "e1", domain.EventUserFollowed, domain.UserFollowedEvent{
		FollowerID: "u1", FolloweeID: "u2",
	})
	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("action = %v, want Ack", action)
	}
	if f.notifications.Len() != 0 {
		t.Fatal("blocked event must not create a row")
	}

	unpublished, _, _ := f.outboxRepo.Stats(context.Background())
	if unpublished != 1 {
		t.Fatal("skip must still stage a processed event")
	}
}

func TestNoDevicesAcksWithFailure(t *testing.T) {
	f := newFixture(t)
	body := envelope(t, "e1", domain.EventCommentCreated, domain.CommentCreatedEvent{
		CommenterID: "u1", PostID: "p1", PostOwnerID: "u2", CommentText: "nice",
	})
	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("action = %v, want Ack", action)
	}
	if f.notifications.Len() != 0 {
		t.Fatal("no row without devices")
	}
}

func TestMalformedMessagesDrop(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"missing ids", []byte(`{"version":"v1"}`)},
		{"wrong version", envelopeRaw(t, "e1", domain.EventUserFollowed, "v2")},
		{"unknown type", envelope(t, "e1", "something.else", map[string]string{})},
		{"invalid payload", envelope(t, "e1", domain.EventUserFollowed, domain.UserFollowedEvent{FollowerID: "u1"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if action := f.consumer.Handle(context.Background(), tt.body, "c"); action != NackDrop {
				t.Fatalf("action = %v, want NackDrop", action)
			}
		})
	}
}

func envelopeRaw(t *testing.T, eventID, eventType, version string) []byte {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"eventId": eventID, "eventType": eventType, "version": version,
	})
	return body
}

func TestMentionGetsHighPriority(t *testing.T) {
	f := newFixture(t)
	f.seedDevice(t, "u2")
	body := envelope(t, "e1", domain.EventMentionCreated, domain.MentionCreatedEvent{
		MentionerID: "u1", MentionedUserID: "u2", ContextType: "comment", ContextID: "c9",
	})
	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("action = %v", action)
	}
	rows, _ := f.notifications.ListInbox(context.Background(), domain.InboxQuery{
		UserID: "u2", IncludeRead: true, Limit: 10,
	})
	if rows[0].Priority != domain.PriorityHigh {
		t.Errorf("priority = %s, want high", rows[0].Priority)
	}
	if rows[0].Category != domain.CategoryMention {
		t.Errorf("category = %s, want mention", rows[0].Category)
	}
}

func TestBroadcastCreatesGroupNotification(t *testing.T) {
	f := newFixture(t)
	body := envelope(t, "e1", domain.EventLiveStreamStarted, domain.BroadcastEvent{
		ActorUserID: "celebrity", FollowerCount: 120000, Title: "Live now", Body: "tune in",
	})
	if action := f.consumer.Handle(context.Background(), body, "c1"); action != Ack {
		t.Fatalf("action = %v", action)
	}
	if f.notifications.Len() != 0 {
		t.Fatal("broadcast must not create personal rows")
	}
	groups, _ := f.groups.FindActive(context.Background(), nil, 10)
	if len(groups) != 1 {
		t.Fatalf("group rows = %d, want 1", len(groups))
	}
	if groups[0].PushStrategy != domain.PushTopic {
		t.Errorf("pushStrategy = %s, want topic at 120k reach", groups[0].PushStrategy)
	}

	// Redelivery of the same broadcast is absorbed by the event key.
	f.consumer.Handle(context.Background(), body, "c2")
	groups, _ = f.groups.FindActive(context.Background(), nil, 10)
	if len(groups) != 1 {
		t.Fatalf("group rows = %d after redelivery, want 1", len(groups))
	}
}
