package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/gateway"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// GroupService materializes high-reach broadcasts as a single
// GroupNotification row instead of millions of personal rows. The inbox
// read path expands it into recipients' feeds.
type GroupService struct {
	groups         repository.GroupRepository
	topics         gateway.TopicGateway
	selector       *Selector
	topicThreshold int64
	logger         *zap.Logger
}

func NewGroupService(groups repository.GroupRepository, topics gateway.TopicGateway, selector *Selector, topicThreshold int64, logger *zap.Logger) *GroupService {
	return &GroupService{
		groups:         groups,
		topics:         topics,
		selector:       selector,
		topicThreshold: topicThreshold,
		logger:         logger,
	}
}

// CreateGroupNotification persists the group row and executes its push
// strategy. The row is the source of truth; a failed topic push does not
// roll it back, since the inbox expansion still reaches every recipient.
func (s *GroupService) CreateGroupNotification(ctx context.Context, env *domain.Envelope, ev *domain.BroadcastEvent) (*domain.GroupNotification, error) {
	reach := ev.FollowerCount
	if reach == 0 {
		count, err := s.selector.CachedFollowerCount(ctx, ev.ActorUserID)
		if err != nil {
			s.logger.Warn("estimated reach unavailable",
				zap.String("actorUserId", ev.ActorUserID), zap.Error(err))
		} else {
			reach = count
		}
	}

	strategy := ev.PushStrategy
	if strategy == "" {
		if reach > s.topicThreshold {
			strategy = domain.PushTopic
		} else {
			strategy = domain.PushIndividual
		}
	}

	audience := ev.TargetAudience
	if audience == "" {
		audience = domain.AudienceFollowers
	}

	g := &domain.GroupNotification{
		ID:                 uuid.NewString(),
		EventID:            env.EventID,
		EventType:          env.EventType,
		ActorUserID:        ev.ActorUserID,
		ActorFollowerCount: reach,
		Title:              ev.Title,
		Body:               ev.Body,
		Data:               ev.Data,
		Priority:           domain.PriorityNormal,
		TargetAudience:     audience,
		TargetUserIDs:      ev.TargetUserIDs,
		ExcludeUserIDs:     ev.ExcludeUserIDs,
		PushStrategy:       strategy,
		CreatedAt:          time.Now().UTC(),
		IsActive:           true,
		EstimatedReach:     reach,
	}
	if ev.ActionURL != "" {
		g.ActionURL = &ev.ActionURL
	}
	if ev.ImageURL != "" {
		g.ImageURL = &ev.ImageURL
	}
	if strategy == domain.PushTopic {
		topic := ev.BroadcastTopic
		if topic == "" {
			topic = fmt.Sprintf("user_%s_followers", ev.ActorUserID)
		}
		g.BroadcastTopic = &topic
	}

	if err := s.groups.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("create group notification: %w", err)
	}

	switch strategy {
	case domain.PushTopic:
		msg := &gateway.Message{
			Title:    g.Title,
			Body:     g.Body,
			Priority: g.Priority,
			TTL:      g.Priority.TTL(),
			Sound:    true,
			Data:     stringData(g.Data),
		}
		if g.ImageURL != nil {
			msg.ImageURL = *g.ImageURL
		}
		if err := s.topics.SendTopic(ctx, *g.BroadcastTopic, msg); err != nil {
			s.logger.Error("topic push failed",
				zap.String("groupId", g.ID),
				zap.String("topic", *g.BroadcastTopic),
				zap.Error(err))
		}
	case domain.PushIndividual:
		// Per-device fanout runs as a background job outside this service.
		s.logger.Info("group notification queued for individual fanout",
			zap.String("groupId", g.ID),
			zap.Int64("estimatedReach", g.EstimatedReach))
	}

	s.logger.Info("group notification created",
		zap.String("groupId", g.ID),
		zap.String("eventType", g.EventType),
		zap.String("pushStrategy", string(g.PushStrategy)),
		zap.Int64("estimatedReach", g.EstimatedReach))
	return g, nil
}

func stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out
}
