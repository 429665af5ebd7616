package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/broker"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/fanout"
	"github.com/notifyhub/push-delivery/internal/idempotency"
	"github.com/notifyhub/push-delivery/internal/outbox"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/service"
)

// Action is what the consume loop does with the broker message after
// handling.
type Action int

const (
	Ack         Action = iota // done, drop from queue
	NackRequeue               // transient failure, redeliver
	NackDrop                  // terminal failure, dead-letter
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case NackRequeue:
		return "requeue"
	default:
		return "drop"
	}
}

// Consumer decodes domain events from the broker and materializes
// notifications. Handling is idempotent: the intent key plus the
// partial unique index make redelivered messages collapse.
type Consumer struct {
	broker        *broker.Broker
	idem          *idempotency.Store
	prefs         repository.PreferencesRepository
	notifications *service.NotificationService
	groups        *fanout.GroupService
	outboxRepo    repository.OutboxRepository
	logger        *zap.Logger
	count         int

	// OnHandled, when set, observes the outcome of every handled message.
	// Assigned by main before Start; nil in tests.
	OnHandled func(Action)
}

func New(
	b *broker.Broker,
	idem *idempotency.Store,
	prefs repository.PreferencesRepository,
	notifications *service.NotificationService,
	groups *fanout.GroupService,
	outboxRepo repository.OutboxRepository,
	count int,
	logger *zap.Logger,
) *Consumer {
	return &Consumer{
		broker:        b,
		idem:          idem,
		prefs:         prefs,
		notifications: notifications,
		groups:        groups,
		outboxRepo:    outboxRepo,
		logger:        logger,
		count:         count,
	}
}

// Start runs the consumer goroutines until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.runLoop(ctx, id)
		}(i + 1)
	}
	wg.Wait()
	c.logger.Info("event consumer stopped")
}

func (c *Consumer) runLoop(ctx context.Context, id int) {
	logger := c.logger.With(zap.Int("consumer", id))
	deliveries, ch, err := c.broker.Consume(fmt.Sprintf("event-consumer-%d", id))
	if err != nil {
		logger.Error("consumer registration failed", zap.Error(err))
		return
	}
	defer ch.Close()
	logger.Info("consumer waiting for events")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery channel closed by broker")
				return
			}
			action := c.Handle(ctx, msg.Body, correlationID(msg))
			if c.OnHandled != nil {
				c.OnHandled(action)
			}
			switch action {
			case Ack:
				_ = msg.Ack(false)
			case NackRequeue:
				_ = msg.Nack(false, true)
			case NackDrop:
				_ = msg.Nack(false, false)
			}
		}
	}
}

func correlationID(msg amqp.Delivery) string {
	if msg.CorrelationId != "" {
		return msg.CorrelationId
	}
	if v, ok := msg.Headers["x-correlation-id"].(string); ok && v != "" {
		return v
	}
	return uuid.NewString()
}

// Handle processes one raw broker message and returns the ack action.
// Exported so tests can drive it without a live broker.
func (c *Consumer) Handle(ctx context.Context, body []byte, correlID string) Action {
	logger := c.logger.With(zap.String("correlationId", correlID))

	env, err := domain.DecodeEnvelope(body)
	if err != nil {
		logger.Warn("undecodable event dropped", zap.Error(err))
		return NackDrop
	}
	if err := env.Validate(); err != nil {
		logger.Warn("invalid envelope dropped", zap.Error(err))
		return NackDrop
	}
	logger = logger.With(
		zap.String("eventId", env.EventID),
		zap.String("eventType", env.EventType))

	if domain.IsBroadcastType(env.EventType) {
		return c.handleBroadcast(ctx, env, correlID, logger)
	}
	return c.handlePersonal(ctx, env, correlID, logger)
}

func (c *Consumer) handleBroadcast(ctx context.Context, env *domain.Envelope, correlID string, logger *zap.Logger) Action {
	var ev domain.BroadcastEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		logger.Warn("undecodable broadcast payload dropped", zap.Error(err))
		return NackDrop
	}
	if err := ev.Validate(); err != nil {
		logger.Warn("invalid broadcast payload dropped", zap.Error(err))
		return NackDrop
	}

	key := idempotency.EventKey(env.EventType, env.EventID)
	if c.idem.IsDuplicate(ctx, key) {
		logger.Debug("duplicate broadcast skipped")
		return Ack
	}
	if !c.idem.TryAcquireLock(ctx, key) {
		return NackRequeue
	}
	defer c.idem.ReleaseLock(ctx, key)

	// The group service picks the push strategy from the actor's cached
	// follower count; below the reach threshold the group still
	// materializes once with the individual push strategy.
	g, err := c.groups.CreateGroupNotification(ctx, env, &ev)
	if err != nil {
		logger.Error("group notification failed", zap.Error(err))
		if domain.Retryable(err) {
			return NackRequeue
		}
		return NackDrop
	}

	c.finish(ctx, env, key, g.ID, ev.ActorUserID, correlID, true, "")
	return Ack
}

func (c *Consumer) handlePersonal(ctx context.Context, env *domain.Envelope, correlID string, logger *zap.Logger) Action {
	req, intent, err := buildRequest(env)
	if err != nil {
		logger.Warn("invalid event payload dropped", zap.Error(err))
		return NackDrop
	}
	logger = logger.With(zap.String("userId", req.UserID))

	key := intent
	if key == "" {
		key = idempotency.EventKey(env.EventType, env.EventID)
	}
	if c.idem.IsDuplicate(ctx, key) {
		logger.Debug("duplicate event skipped")
		return Ack
	}
	if !c.idem.TryAcquireLock(ctx, key) {
		return NackRequeue
	}
	defer c.idem.ReleaseLock(ctx, key)

	prefs, err := c.prefs.GetOrCreate(ctx, req.UserID)
	if err != nil {
		logger.Error("preference load failed", zap.Error(err))
		return NackRequeue
	}
	decision := prefs.ShouldDeliver(req.Category, req.Priority, req.Source, req.Title, req.Body)
	if !decision.Deliver {
		logger.Info("event skipped by preference", zap.String("reason", decision.Reason))
		c.finish(ctx, env, key, "skipped-by-preference", req.UserID, correlID, true, "")
		return Ack
	}
	// Daily cap counts rows created since UTC midnight. Critical
	// notifications bypass the cap.
	if prefs.MaxDaily > 0 && req.Priority != domain.PriorityCritical {
		created, err := c.notifications.CountCreatedSince(ctx, req.UserID, time.Now().UTC().Truncate(24*time.Hour))
		if err != nil {
			logger.Error("daily notification count failed", zap.Error(err))
			return NackRequeue
		}
		if created >= prefs.MaxDaily {
			logger.Info("event skipped by preference", zap.String("reason", "daily-limit"))
			c.finish(ctx, env, key, "skipped-by-preference", req.UserID, correlID, true, "")
			return Ack
		}
	}

	result, err := c.notifications.Send(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrNoDevices) {
			logger.Info("recipient has no active devices")
			c.finish(ctx, env, key, "", req.UserID, correlID, false, "no-devices")
			return Ack
		}
		logger.Error("notification materialization failed", zap.Error(err))
		if domain.Retryable(err) {
			return NackRequeue
		}
		return NackDrop
	}

	c.finish(ctx, env, key, result.Notification.ID, req.UserID, correlID, true, "")
	return Ack
}

// finish marks the event processed and stages the processed-event
// acknowledgement through the outbox. Both are best-effort after the
// domain write: the intent index absorbs a redelivery.
func (c *Consumer) finish(ctx context.Context, env *domain.Envelope, key, notificationID, userID, correlID string, success bool, reason string) {
	err := c.idem.MarkProcessed(ctx, key, &domain.IdempotencyRecord{
		EventID:        env.EventID,
		EventType:      env.EventType,
		NotificationID: notificationID,
		UserID:         userID,
	})
	if err != nil {
		c.logger.Warn("mark processed failed",
			zap.String("eventId", env.EventID), zap.Error(err))
	}

	processed := domain.ProcessedEvent{
		OriginalEventID:   env.EventID,
		OriginalEventType: env.EventType,
		NotificationID:    notificationID,
		ProcessedAt:       time.Now().UTC(),
		Success:           success,
		Error:             reason,
		CorrelationID:     correlID,
	}
	if err := outbox.StagePool(ctx, c.outboxRepo, domain.EventProcessed, processed); err != nil {
		c.logger.Warn("stage processed event failed",
			zap.String("eventId", env.EventID), zap.Error(err))
	}
}

// buildRequest derives the recipient, content, and intent key for a
// personal event type.
func buildRequest(env *domain.Envelope) (*domain.SendRequest, string, error) {
	switch env.EventType {
	case domain.EventUserFollowed:
		var ev domain.UserFollowedEvent
		if err := decode(env.Payload, &ev, ev.Validate); err != nil {
			return nil, "", err
		}
		return &domain.SendRequest{
				UserID:     ev.FolloweeID,
				Title:      "New Follower",
				Body:       "Someone started following you!",
				Data:       eventData(ev.ActionURL, nil),
				Category:   domain.CategorySocial,
				Priority:   domain.PriorityNormal,
				Source:     env.EventType,
				ResourceID: &ev.FollowerID,
			},
			idempotency.IntentKey(env.EventType, ev.FollowerID, ev.FolloweeID, ev.FollowerID),
			nil

	case domain.EventCommentCreated:
		var ev domain.CommentCreatedEvent
		if err := decode(env.Payload, &ev, ev.Validate); err != nil {
			return nil, "", err
		}
		body := "Someone commented on your post"
		if ev.CommentText != "" {
			body = fmt.Sprintf("Someone commented: %s", ev.CommentText)
		}
		return &domain.SendRequest{
				UserID:     ev.PostOwnerID,
				Title:      "New Comment",
				Body:       body,
				Data:       eventData(ev.ActionURL, map[string]any{"postId": ev.PostID}),
				Category:   domain.CategoryComment,
				Priority:   domain.PriorityNormal,
				Source:     env.EventType,
				ResourceID: &ev.PostID,
			},
			idempotency.IntentKey(env.EventType, ev.CommenterID, ev.PostOwnerID, ev.PostID),
			nil

	case domain.EventMentionCreated:
		var ev domain.MentionCreatedEvent
		if err := decode(env.Payload, &ev, ev.Validate); err != nil {
			return nil, "", err
		}
		body := fmt.Sprintf("You were mentioned in a %s", ev.ContextType)
		if ev.MentionText != "" {
			body = ev.MentionText
		}
		return &domain.SendRequest{
				UserID:     ev.MentionedUserID,
				Title:      "You were mentioned",
				Body:       body,
				Data:       eventData(ev.ActionURL, map[string]any{"contextId": ev.ContextID}),
				Category:   domain.CategoryMention,
				Priority:   domain.PriorityHigh,
				Source:     env.EventType,
				ResourceID: &ev.ContextID,
			},
			idempotency.IntentKey(env.EventType, ev.MentionerID, ev.MentionedUserID, ev.ContextID),
			nil

	case domain.EventLikeCreated:
		var ev domain.LikeCreatedEvent
		if err := decode(env.Payload, &ev, ev.Validate); err != nil {
			return nil, "", err
		}
		resource := ev.LikerID + "-" + ev.TargetID
		return &domain.SendRequest{
				UserID:     ev.TargetOwnerID,
				Title:      "New Like",
				Body:       fmt.Sprintf("Someone liked your %s", ev.TargetType),
				Data:       eventData(ev.ActionURL, map[string]any{"targetId": ev.TargetID}),
				Category:   domain.CategorySocial,
				Priority:   domain.PriorityLow,
				Source:     env.EventType,
				ResourceID: &resource,
			},
			idempotency.IntentKey(env.EventType, ev.LikerID, ev.TargetOwnerID, resource),
			nil

	default:
		return nil, "", fmt.Errorf("%w: unknown event type %q", domain.ErrInvalidEvent, env.EventType)
	}
}

func decode(raw json.RawMessage, out any, validate func() error) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	return validate()
}

func eventData(actionURL string, extra map[string]any) map[string]any {
	data := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		data[k] = v
	}
	if actionURL != "" {
		data["actionUrl"] = actionURL
	}
	if len(data) == 0 {
		return nil
	}
	return data
}
