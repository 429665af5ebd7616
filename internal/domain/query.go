package domain

import "time"

// InboxQuery drives keyset pagination over personal notifications.
// BeforeCreatedAt/BeforeID come from the decoded cursor; both nil means
// the page starts at the head.
type InboxQuery struct {
	UserID          string
	IncludeRead     bool
	Since           *time.Time
	BeforeCreatedAt *time.Time
	BeforeID        *string
	Limit           int
}
