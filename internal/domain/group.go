package domain

import "time"

// PushStrategy decides how a group notification reaches handsets.
type PushStrategy string

const (
	PushNone       PushStrategy = "none"
	PushTopic      PushStrategy = "topic"
	PushIndividual PushStrategy = "individual"
)

// TargetAudience selects who sees a group notification in their inbox.
type TargetAudience string

const (
	AudienceFollowers   TargetAudience = "followers"
	AudienceSubscribers TargetAudience = "subscribers"
	AudienceCustom      TargetAudience = "custom"
)

// GroupNotification is the fanout-on-read entity: one row per high-reach
// broadcast, expanded into recipients' inboxes at read time.
type GroupNotification struct {
	ID                 string         `json:"id"`
	EventID            string         `json:"eventId"`
	EventType          string         `json:"eventType"`
	ActorUserID        string         `json:"actorUserId"`
	ActorFollowerCount int64          `json:"actorFollowerCount"`
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Data               map[string]any `json:"data,omitempty"`
	Priority           Priority       `json:"priority"`
	ActionURL          *string        `json:"actionUrl,omitempty"`
	ImageURL           *string        `json:"imageUrl,omitempty"`

	TargetAudience TargetAudience `json:"targetAudience"`
	TargetUserIDs  []string       `json:"targetUserIds,omitempty"`
	ExcludeUserIDs []string       `json:"excludeUserIds,omitempty"`

	PushStrategy   PushStrategy `json:"pushStrategy"`
	BroadcastTopic *string      `json:"broadcastTopic,omitempty"`

	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	IsActive       bool       `json:"isActive"`
	ViewCount      int64      `json:"viewCount"`
	ClickCount     int64      `json:"clickCount"`
	ActualReach    int64      `json:"actualReach"`
	EstimatedReach int64      `json:"estimatedReach"`
}

// Excludes reports whether userID is explicitly excluded from the broadcast.
func (g *GroupNotification) Excludes(userID string) bool {
	for _, id := range g.ExcludeUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Targets reports whether userID is in the explicit target list.
func (g *GroupNotification) Targets(userID string) bool {
	for _, id := range g.TargetUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
