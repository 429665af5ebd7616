package gateway

import (
	"context"
	"time"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// Message is the platform-neutral payload handed to a gateway. The client
// translates it into the gateway's wire format.
type Message struct {
	Title     string
	Body      string
	ImageURL  string
	Data      map[string]string
	Priority  domain.Priority
	TTL       time.Duration
	Sound     bool
	Badge     *int
	ChannelID string
}

// Result is the per-token outcome of a send. Err is nil on success.
type Result struct {
	Token     string
	MessageID string
	Err       *Classification
}

// Gateway abstracts an external push endpoint. A transport-level error
// (timeout, connection refused, non-2xx without per-token detail) returns
// a non-nil error and feeds the circuit breaker; per-token failures come
// back classified inside Results.
type Gateway interface {
	Name() string
	Send(ctx context.Context, tokens []string, msg *Message) ([]Result, error)
}

// TopicGateway is implemented by gateways that support broadcast topics.
type TopicGateway interface {
	SendTopic(ctx context.Context, topic string, msg *Message) error
}
