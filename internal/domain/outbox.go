package domain

import "time"

// OutboxEvent is a broker message written transactionally alongside the
// domain write that produced it. The relay drains unpublished rows
// oldest-first; publishing is at-least-once.
type OutboxEvent struct {
	ID          string     `json:"outboxId"`
	EventID     string     `json:"eventId"`
	EventType   string     `json:"eventType"`
	Payload     []byte     `json:"payload"`
	Published   bool       `json:"published"`
	CreatedAt   time.Time  `json:"createdAt"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
	LastError   *string    `json:"lastError,omitempty"`
}

// IdempotencyRecord marks an event or intent key as processed. Rows expire
// after seven days via the archiver sweep on expires_at.
type IdempotencyRecord struct {
	Key            string
	EventID        string
	EventType      string
	NotificationID string
	UserID         string
	ProcessedAt    time.Time
	ExpiresAt      time.Time
}

// DeliveryLogEntry is the per-(notification, device) attempt journal used
// by the retry sweeper.
type DeliveryLogEntry struct {
	NotificationID string
	DeviceID       string
	Status         string // pending | sent | failed | invalid_token
	AttemptCount   int
	LastError      *string
	NextRetryAt    *time.Time
	SentAt         *time.Time
	CreatedAt      time.Time
}
