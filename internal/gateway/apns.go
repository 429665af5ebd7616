package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/notifyhub/push-delivery/internal/domain"
)

// APNsClient talks to the Apple-style token gateway. Sends are per-token;
// the gateway answers with an HTTP status and, on failure, a reason string.
type APNsClient struct {
	baseURL    string
	credential string
	topic      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewAPNsClient(baseURL, credential, topic string, timeout time.Duration, sendsPerSecond int) *APNsClient {
	return &APNsClient{
		baseURL:    baseURL,
		credential: credential,
		topic:      topic,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(sendsPerSecond), sendsPerSecond),
	}
}

func (c *APNsClient) Name() string { return "apns" }

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apnsAps struct {
	Alert apnsAlert `json:"alert"`
	Sound string    `json:"sound,omitempty"`
	Badge *int      `json:"badge,omitempty"`
}

type apnsPayload struct {
	Aps  apnsAps           `json:"aps"`
	Data map[string]string `json:"data,omitempty"`
}

type apnsErrorResponse struct {
	Reason string `json:"reason"`
}

// Send delivers msg to each token individually. A transport failure on any
// token aborts the whole call; per-token gateway rejections are classified
// and returned in Results.
func (c *APNsClient) Send(ctx context.Context, tokens []string, msg *Message) ([]Result, error) {
	body, err := json.Marshal(apnsPayload{
		Aps: apnsAps{
			Alert: apnsAlert{Title: msg.Title, Body: msg.Body},
			Sound: soundName(msg.Sound),
			Badge: msg.Badge,
		},
		Data: msg.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal apns payload: %w", err)
	}

	results := make([]Result, 0, len(tokens))
	for _, token := range tokens {
		res, err := c.sendOne(ctx, token, body, msg)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *APNsClient) sendOne(ctx context.Context, token string, body []byte, msg *Message) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("apns rate wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/3/device/"+token, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create apns request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-priority", strconv.Itoa(apnsPriority(msg.Priority)))
	if msg.TTL > 0 {
		req.Header.Set("apns-expiration",
			strconv.FormatInt(time.Now().Add(msg.TTL).Unix(), 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return Result{Token: token, MessageID: resp.Header.Get("apns-id")}, nil
	}

	var errResp apnsErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	return Result{
		Token: token,
		Err:   ClassifyAPNs(resp.StatusCode, errResp.Reason),
	}, nil
}

// apnsPriority maps the domain priority onto the gateway's 1/5/10 scale.
func apnsPriority(p domain.Priority) int {
	switch p {
	case domain.PriorityCritical, domain.PriorityHigh:
		return 10
	case domain.PriorityLow:
		return 1
	default:
		return 5
	}
}

func soundName(enabled bool) string {
	if enabled {
		return "default"
	}
	return ""
}

var _ Gateway = (*APNsClient)(nil)
