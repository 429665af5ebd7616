package domain

import "errors"

// Sentinel errors used throughout the application.
// HTTP handlers translate these to status codes via a single mapError function;
// the event consumer uses them to decide between requeue and dead-letter.
var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicate        = errors.New("duplicate: notification already exists for this intent")
	ErrInvalidRecipient = errors.New("recipient user id must not be empty")
	ErrInvalidContent   = errors.New("title and body must not be empty")
	ErrInvalidPriority  = errors.New("invalid priority: must be low, normal, high, or critical")
	ErrInvalidPlatform  = errors.New("invalid platform: must be android or ios")
	ErrInvalidEvent     = errors.New("event payload failed schema validation")
	ErrNoDevices        = errors.New("recipient has no active devices")
	ErrCircuitOpen      = errors.New("gateway circuit breaker is open")
	ErrLeaseLost        = errors.New("delivery lease expired or taken by another worker")
	ErrUnauthorized     = errors.New("missing or invalid credentials")
	ErrForbidden        = errors.New("credential does not permit this resource")
	ErrRateLimited      = errors.New("too many requests")
)

// Retryable reports whether the consumer should requeue the message that
// produced err. Validation and duplicate errors are terminal.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrInvalidRecipient),
		errors.Is(err, ErrInvalidContent),
		errors.Is(err, ErrInvalidPriority):
		return false
	}
	return true
}
