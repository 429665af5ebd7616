package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types consumed from the broker.
const (
	EventUserFollowed   = "user.followed"
	EventCommentCreated = "comment.created"
	EventMentionCreated = "mention.created"
	EventLikeCreated    = "like.created"

	// High-follower broadcast types.
	EventPostCreated       = "PostCreated"
	EventLiveStreamStarted = "LiveStreamStarted"
	EventStoryPosted       = "StoryPosted"
	EventAnnouncementMade  = "AnnouncementMade"
)

// Outcome event types published back through the outbox.
const (
	EventProcessed = "notification.event.processed"
	EventDelivery  = "notification.delivery"
)

// RoutingKey maps an event type to its broker routing key. Inbound
// notification-producing events share the consumer queue's binding key;
// outcome events route under their own keys so they reach downstream
// consumers without looping back into this service's queue.
func RoutingKey(eventType string) string {
	switch eventType {
	case EventProcessed, EventDelivery:
		return eventType
	}
	return "notification.events"
}

// IsBroadcastType reports whether the event type is eligible for
// fanout-on-read when the actor is above the follower threshold.
func IsBroadcastType(eventType string) bool {
	switch eventType {
	case EventPostCreated, EventLiveStreamStarted, EventStoryPosted, EventAnnouncementMade:
		return true
	}
	return false
}

// Envelope is the common header on every broker message. On the wire the
// event-specific fields sit at the top level of the JSON document next to
// the header fields; Payload holds the raw document the type-specific
// decode reads from and is not itself a wire field.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"-"`
}

// DecodeEnvelope reads the header fields and keeps the whole document as
// the payload. A producer that nests its fields under a "payload" object
// is accepted too.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	var nested struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &nested); err == nil &&
		len(nested.Payload) > 0 && string(nested.Payload) != "null" {
		env.Payload = nested.Payload
	} else {
		env.Payload = body
	}
	return &env, nil
}

func (e *Envelope) Validate() error {
	if e.EventID == "" || e.EventType == "" {
		return fmt.Errorf("%w: missing eventId or eventType", ErrInvalidEvent)
	}
	if e.Version != "v1" {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidEvent, e.Version)
	}
	return nil
}

type UserFollowedEvent struct {
	FollowerID string `json:"followerId"`
	FolloweeID string `json:"followeeId"`
	ActionURL  string `json:"actionUrl"`
}

func (e *UserFollowedEvent) Validate() error {
	if e.FollowerID == "" || e.FolloweeID == "" {
		return fmt.Errorf("%w: user.followed requires followerId and followeeId", ErrInvalidEvent)
	}
	return nil
}

type CommentCreatedEvent struct {
	CommenterID string `json:"commenterId"`
	PostID      string `json:"postId"`
	PostOwnerID string `json:"postOwnerId"`
	CommentText string `json:"commentText"`
	ActionURL   string `json:"actionUrl"`
}

func (e *CommentCreatedEvent) Validate() error {
	if e.CommenterID == "" || e.PostID == "" || e.PostOwnerID == "" {
		return fmt.Errorf("%w: comment.created requires commenterId, postId, postOwnerId", ErrInvalidEvent)
	}
	if len(e.CommentText) > 100 {
		return fmt.Errorf("%w: commentText exceeds 100 characters", ErrInvalidEvent)
	}
	return nil
}

type MentionCreatedEvent struct {
	MentionerID     string `json:"mentionerId"`
	MentionedUserID string `json:"mentionedUserId"`
	ContextType     string `json:"contextType"` // comment | post
	ContextID       string `json:"contextId"`
	MentionText     string `json:"mentionText"`
	ActionURL       string `json:"actionUrl"`
}

func (e *MentionCreatedEvent) Validate() error {
	if e.MentionerID == "" || e.MentionedUserID == "" || e.ContextID == "" {
		return fmt.Errorf("%w: mention.created requires mentionerId, mentionedUserId, contextId", ErrInvalidEvent)
	}
	if e.ContextType != "comment" && e.ContextType != "post" {
		return fmt.Errorf("%w: contextType must be comment or post", ErrInvalidEvent)
	}
	return nil
}

type LikeCreatedEvent struct {
	LikerID       string `json:"likerId"`
	TargetOwnerID string `json:"targetOwnerId"`
	TargetType    string `json:"targetType"` // post | comment
	TargetID      string `json:"targetId"`
	ActionURL     string `json:"actionUrl"`
}

func (e *LikeCreatedEvent) Validate() error {
	if e.LikerID == "" || e.TargetOwnerID == "" || e.TargetID == "" {
		return fmt.Errorf("%w: like.created requires likerId, targetOwnerId, targetId", ErrInvalidEvent)
	}
	if e.TargetType != "post" && e.TargetType != "comment" {
		return fmt.Errorf("%w: targetType must be post or comment", ErrInvalidEvent)
	}
	return nil
}

// BroadcastEvent covers all four high-follower event types.
type BroadcastEvent struct {
	ActorUserID    string         `json:"actorUserId"`
	FollowerCount  int64          `json:"followerCount"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Data           map[string]any `json:"data,omitempty"`
	ActionURL      string         `json:"actionUrl,omitempty"`
	ImageURL       string         `json:"imageUrl,omitempty"`
	TargetAudience TargetAudience `json:"targetAudience,omitempty"`
	TargetUserIDs  []string       `json:"targetUserIds,omitempty"`
	ExcludeUserIDs []string       `json:"excludeUserIds,omitempty"`
	PushStrategy   PushStrategy   `json:"pushStrategy,omitempty"`
	BroadcastTopic string         `json:"broadcastTopic,omitempty"`
}

func (e *BroadcastEvent) Validate() error {
	if e.ActorUserID == "" || e.Title == "" {
		return fmt.Errorf("%w: broadcast event requires actorUserId and title", ErrInvalidEvent)
	}
	return nil
}

// ProcessedEvent is the outbound acknowledgement published after each
// consumed event, successful or skipped.
type ProcessedEvent struct {
	OriginalEventID   string    `json:"originalEventId"`
	OriginalEventType string    `json:"originalEventType"`
	NotificationID    string    `json:"notificationId,omitempty"`
	ProcessedAt       time.Time `json:"processedAt"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	CorrelationID     string    `json:"correlationId"`
}

// DeliveryEvent is published when a notification reaches a terminal
// delivery state (sent, delivered, failed).
type DeliveryEvent struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Category       Category  `json:"category"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
}
