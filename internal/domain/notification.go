package domain

import "time"

// Platform is the mobile platform a device token belongs to.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func (p Platform) IsValid() bool {
	switch p {
	case PlatformAndroid, PlatformIOS:
		return true
	}
	return false
}

// Category classifies the notification for preference filtering.
type Category string

const (
	CategoryFollow   Category = "follow"
	CategoryLike     Category = "like"
	CategoryComment  Category = "comment"
	CategoryMention  Category = "mention"
	CategoryMessage  Category = "message"
	CategorySocial   Category = "social"
	CategorySystem   Category = "system"
	CategoryAlert    Category = "alert"
	CategorySecurity Category = "security"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryFollow, CategoryLike, CategoryComment, CategoryMention,
		CategoryMessage, CategorySocial, CategorySystem, CategoryAlert, CategorySecurity:
		return true
	}
	return false
}

// Priority controls gateway urgency and the stored-row TTL.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TTL returns how long a stored notification of this priority stays live.
// Higher priorities are time-sensitive and expire sooner.
func (p Priority) TTL() time.Duration {
	switch p {
	case PriorityCritical:
		return 12 * time.Hour
	case PriorityHigh:
		return 24 * time.Hour
	case PriorityNormal:
		return 48 * time.Hour
	default:
		return 72 * time.Hour
	}
}

// Status tracks the lifecycle of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DeviceStatus tracks one device's slice of a delivery attempt.
type DeviceStatus string

const (
	DevicePending   DeviceStatus = "pending"
	DeviceSent      DeviceStatus = "sent"
	DeviceDelivered DeviceStatus = "delivered"
	DeviceFailed    DeviceStatus = "failed"
)

// DeviceDelivery is the per-device delivery record embedded in a notification.
type DeviceDelivery struct {
	DeviceID     string       `json:"deviceId"`
	Platform     Platform     `json:"platform"`
	Status       DeviceStatus `json:"status"`
	SentAt       *time.Time   `json:"sentAt,omitempty"`
	DeliveredAt  *time.Time   `json:"deliveredAt,omitempty"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	ExternalID   *string      `json:"externalId,omitempty"`
}

// Interaction records a client-side action on a delivered notification.
type Interaction struct {
	Type      string            `json:"type"` // opened | clicked | dismissed
	Timestamp time.Time         `json:"timestamp"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notification is the core personal (fanout-on-write) entity.
type Notification struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
	ImageURL *string        `json:"imageUrl,omitempty"`
	IconURL  *string        `json:"iconUrl,omitempty"`

	Category Category `json:"category"`
	Priority Priority `json:"priority"`
	Tags     []string `json:"tags,omitempty"`
	Urgent   bool     `json:"urgent"`

	ScheduleAt *time.Time `json:"scheduleAt,omitempty"`
	Timezone   *string    `json:"timezone,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt"`

	Status Status     `json:"status"`
	IsRead bool       `json:"isRead"`
	ReadAt *time.Time `json:"readAt,omitempty"`

	// Lease fields: only the holder of an unexpired lease may mutate
	// delivery state.
	LockedBy   *string    `json:"-"`
	LockedAt   *time.Time `json:"-"`
	LockExpiry *time.Time `json:"-"`

	Attempts     int              `json:"attempts"`
	LastAttempt  *time.Time       `json:"lastAttempt,omitempty"`
	Devices      []DeviceDelivery `json:"devices,omitempty"`
	Interactions []Interaction    `json:"interactions,omitempty"`

	Source     string         `json:"source"`
	Campaign   *string        `json:"campaign,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ResourceID *string        `json:"resourceId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OverallStatus folds per-device outcomes into the notification status:
// delivered iff every device delivered, failed iff every device failed,
// sent iff at least one device reached the gateway, pending otherwise.
func OverallStatus(devices []DeviceDelivery) Status {
	if len(devices) == 0 {
		return StatusPending
	}
	allDelivered, allFailed, anySent := true, true, false
	for _, d := range devices {
		if d.Status != DeviceDelivered {
			allDelivered = false
		}
		if d.Status != DeviceFailed {
			allFailed = false
		}
		if d.Status == DeviceSent || d.Status == DeviceDelivered {
			anySent = true
		}
	}
	switch {
	case allDelivered:
		return StatusDelivered
	case allFailed:
		return StatusFailed
	case anySent:
		return StatusSent
	default:
		return StatusPending
	}
}

// SendRequest is the internal request to materialize one personal notification.
type SendRequest struct {
	UserID     string
	Title      string
	Body       string
	Data       map[string]any
	ImageURL   *string
	Category   Category
	Priority   Priority
	Urgent     bool
	ScheduleAt *time.Time
	Source     string
	ResourceID *string
}

func (r *SendRequest) Validate() error {
	if r.UserID == "" {
		return ErrInvalidRecipient
	}
	if r.Title == "" || r.Body == "" {
		return ErrInvalidContent
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	return nil
}
