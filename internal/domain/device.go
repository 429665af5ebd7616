package domain

import "time"

// PushSettings are the per-device toggles the client controls.
type PushSettings struct {
	Enabled bool `json:"enabled"`
	Sound   bool `json:"sound"`
	Badge   bool `json:"badge"`
	Alert   bool `json:"alert"`
}

// Device is one registered mobile install. DeviceToken is unique across
// the fleet; a token moving to a new install re-registers the row.
type Device struct {
	ID               string            `json:"deviceId"`
	UserID           string            `json:"userId"`
	Platform         Platform          `json:"platform"`
	DeviceToken      string            `json:"deviceToken"`
	FCMToken         *string           `json:"fcmToken,omitempty"`
	AppVersion       string            `json:"appVersion"`
	DeviceInfo       map[string]string `json:"deviceInfo,omitempty"`
	PushSettings     PushSettings      `json:"pushSettings"`
	IsActive         bool              `json:"isActive"`
	LastSeen         time.Time         `json:"lastSeen"`
	RegistrationDate time.Time         `json:"registrationDate"`
	DeactivatedAt    *time.Time        `json:"deactivatedAt,omitempty"`
	FailureCount     int               `json:"failureCount"`
	LastFailure      *time.Time        `json:"lastFailure,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// MaxConsecutiveFailures is the soft-error threshold after which a device
// is deactivated even without a hard token error.
const MaxConsecutiveFailures = 5

// RegisterDeviceRequest is the inbound payload for POST /devices/register.
type RegisterDeviceRequest struct {
	UserID   string   `json:"userId"`
	DeviceID string   `json:"deviceId"`
	Platform Platform `json:"platform"`
	FCMToken string   `json:"fcmToken"`
}

func (r *RegisterDeviceRequest) Validate() error {
	if r.UserID == "" || r.DeviceID == "" {
		return ErrInvalidRecipient
	}
	if !r.Platform.IsValid() {
		return ErrInvalidPlatform
	}
	if r.FCMToken == "" {
		return ErrInvalidContent
	}
	return nil
}
