package domain

import (
	"strings"
	"time"
)

// QuietHours is a per-user local-time window during which non-urgent
// notifications are deferred. Start/End are "HH:MM" in Timezone.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// Blocked holds per-user content filters. Keyword matching is
// case-insensitive over title+body.
type Blocked struct {
	Keywords []string `json:"keywords,omitempty"`
	Sources  []string `json:"sources,omitempty"`
	Senders  []string `json:"senders,omitempty"`
}

// UserPreferences drives the shouldDeliver decision in the event handler.
type UserPreferences struct {
	UserID            string            `json:"userId"`
	NotificationTypes map[Category]bool `json:"notificationTypes"`
	QuietHours        QuietHours        `json:"quietHours"`
	Blocked           Blocked           `json:"blocked"`
	MaxDaily          int               `json:"maxDailyNotifications"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// DefaultPreferences is what a user gets before they touch settings.
// social is a preference key: follow/like events materialize under it.
func DefaultPreferences(userID string) *UserPreferences {
	now := time.Now().UTC()
	return &UserPreferences{
		UserID: userID,
		NotificationTypes: map[Category]bool{
			CategoryFollow:  true,
			CategoryLike:    true,
			CategoryComment: true,
			CategoryMention: true,
			CategoryMessage: true,
			CategorySocial:  true,
		},
		QuietHours: QuietHours{Start: "22:00", End: "08:00", Timezone: "UTC"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// DeliveryDecision is the outcome of ShouldDeliver, with the blocking
// reason preserved for the processed-event audit trail.
type DeliveryDecision struct {
	Deliver bool
	Reason  string
}

// ShouldDeliver applies category toggles and blocklists. Quiet hours are
// not evaluated here: deferral is a delivery-time concern, handled by the
// worker pool so critical notifications can bypass it.
func (p *UserPreferences) ShouldDeliver(category Category, priority Priority, source, title, body string) DeliveryDecision {
	if enabled, ok := p.NotificationTypes[category]; ok && !enabled {
		return DeliveryDecision{Reason: "category-disabled"}
	}
	for _, s := range p.Blocked.Sources {
		if s == source {
			return DeliveryDecision{Reason: "source-blocked"}
		}
	}
	text := strings.ToLower(title + " " + body)
	for _, kw := range p.Blocked.Keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return DeliveryDecision{Reason: "keyword-blocked"}
		}
	}
	return DeliveryDecision{Deliver: true, Reason: "ok"}
}
