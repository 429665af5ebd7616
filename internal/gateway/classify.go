package gateway

import "time"

// ErrorType is the closed set of token error classes shared by both
// gateways. The token lifecycle keys its decisions off this type, never
// off raw gateway strings.
type ErrorType string

const (
	ErrTypeInvalid            ErrorType = "INVALID"
	ErrTypeUnregistered       ErrorType = "UNREGISTERED"
	ErrTypeExpired            ErrorType = "EXPIRED"
	ErrTypeCredential         ErrorType = "CREDENTIAL_ERROR"
	ErrTypeRateLimited        ErrorType = "RATE_LIMITED"
	ErrTypeServiceUnavailable ErrorType = "SERVICE_UNAVAILABLE"
	ErrTypeUnknown            ErrorType = "UNKNOWN"
)

// Classification is the normalized verdict on a failed send.
type Classification struct {
	Type             ErrorType
	ShouldDeactivate bool
	ShouldRetry      bool
	RetryAfter       time.Duration
	Raw              string
}

func (c *Classification) Error() string {
	return string(c.Type) + ": " + c.Raw
}

// ClassifyFCM maps an FCM error code string to a classification.
func ClassifyFCM(code string) *Classification {
	c := &Classification{Raw: code}
	switch code {
	case "registration-token-not-registered":
		c.Type = ErrTypeUnregistered
		c.ShouldDeactivate = true
	case "invalid-registration-token", "invalid-argument":
		c.Type = ErrTypeInvalid
		c.ShouldDeactivate = true
	case "mismatched-credential", "authentication-error":
		c.Type = ErrTypeCredential
	case "message-rate-exceeded", "device-message-rate-exceeded":
		c.Type = ErrTypeRateLimited
		c.ShouldRetry = true
		c.RetryAfter = time.Minute
	case "server-unavailable", "internal-error":
		c.Type = ErrTypeServiceUnavailable
		c.ShouldRetry = true
		c.RetryAfter = 30 * time.Second
	default:
		c.Type = ErrTypeUnknown
		c.ShouldRetry = true
	}
	return c
}

// ClassifyAPNs maps an APNs HTTP status and reason string to a
// classification.
func ClassifyAPNs(status int, reason string) *Classification {
	c := &Classification{Raw: reason}
	switch {
	case status == 410:
		c.Type = ErrTypeUnregistered
		c.ShouldDeactivate = true
	case status == 400 && reason == "BadDeviceToken":
		c.Type = ErrTypeInvalid
		c.ShouldDeactivate = true
	case status == 400 && reason == "ExpiredToken":
		c.Type = ErrTypeExpired
		c.ShouldDeactivate = true
	case status == 403:
		c.Type = ErrTypeCredential
	case status == 429:
		c.Type = ErrTypeRateLimited
		c.ShouldRetry = true
		c.RetryAfter = time.Minute
	case status == 500 || status == 503:
		c.Type = ErrTypeServiceUnavailable
		c.ShouldRetry = true
		c.RetryAfter = 30 * time.Second
	default:
		c.Type = ErrTypeUnknown
		c.ShouldRetry = true
	}
	return c
}
