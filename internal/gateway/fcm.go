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

// FCMClient talks to the Android-style token gateway. One multicast
// request covers up to 500 tokens; the response carries a per-token
// verdict. The base URL is injected from config so tests can point to a
// local mock.
type FCMClient struct {
	baseURL    string
	credential string
	httpClient *http.Client
	limiter    *rate.Limiter
}

const fcmMaxTokens = 500

func NewFCMClient(baseURL, credential string, timeout time.Duration, sendsPerSecond int) *FCMClient {
	return &FCMClient{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(sendsPerSecond), sendsPerSecond),
	}
}

func (c *FCMClient) Name() string { return "fcm" }

type fcmNotification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type fcmAndroidNotification struct {
	ChannelID string `json:"channelId,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Sound     string `json:"sound,omitempty"`
}

type fcmAndroid struct {
	Priority     string                 `json:"priority"`
	TTL          string                 `json:"ttl,omitempty"`
	Notification fcmAndroidNotification `json:"notification"`
}

type fcmMulticastRequest struct {
	Tokens       []string          `json:"tokens"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
}

type fcmTopicRequest struct {
	Topic        string            `json:"topic"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
}

type fcmSendResponse struct {
	Responses []struct {
		Success   bool   `json:"success"`
		MessageID string `json:"messageId,omitempty"`
		Error     string `json:"error,omitempty"`
	} `json:"responses"`
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// Send posts one multicast message per batch of up to 500 tokens and maps
// the per-token response back onto the input order.
func (c *FCMClient) Send(ctx context.Context, tokens []string, msg *Message) ([]Result, error) {
	results := make([]Result, 0, len(tokens))
	for start := 0; start < len(tokens); start += fcmMaxTokens {
		end := start + fcmMaxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		batch, err := c.sendBatch(ctx, tokens[start:end], msg)
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

func (c *FCMClient) sendBatch(ctx context.Context, tokens []string, msg *Message) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fcm rate wait: %w", err)
	}

	body, err := json.Marshal(fcmMulticastRequest{
		Tokens: tokens,
		Notification: fcmNotification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Data:    msg.Data,
		Android: c.android(msg),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal fcm request: %w", err)
	}

	var resp fcmSendResponse
	if err := c.post(ctx, "/v1/messages:sendMulticast", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Responses) != len(tokens) {
		return nil, fmt.Errorf("fcm response count %d does not match %d tokens",
			len(resp.Responses), len(tokens))
	}

	results := make([]Result, len(tokens))
	for i, r := range resp.Responses {
		results[i] = Result{Token: tokens[i], MessageID: r.MessageID}
		if !r.Success {
			results[i].Err = ClassifyFCM(r.Error)
		}
	}
	return results, nil
}

// SendTopic publishes one message to a broadcast topic.
func (c *FCMClient) SendTopic(ctx context.Context, topic string, msg *Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("fcm rate wait: %w", err)
	}
	body, err := json.Marshal(fcmTopicRequest{
		Topic: topic,
		Notification: fcmNotification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Data:    msg.Data,
		Android: c.android(msg),
	})
	if err != nil {
		return fmt.Errorf("marshal fcm topic request: %w", err)
	}
	return c.post(ctx, "/v1/messages:sendToTopic", body, &struct{}{})
}

func (c *FCMClient) android(msg *Message) fcmAndroid {
	priority := "normal"
	if msg.Priority == domain.PriorityHigh || msg.Priority == domain.PriorityCritical {
		priority = "high"
	}
	sound := ""
	if msg.Sound {
		sound = "default"
	}
	a := fcmAndroid{
		Priority: priority,
		Notification: fcmAndroidNotification{
			ChannelID: msg.ChannelID,
			Priority:  priority,
			Sound:     sound,
		},
	}
	if msg.TTL > 0 {
		a.TTL = strconv.FormatInt(int64(msg.TTL.Seconds()), 10) + "s"
	}
	return a
}

func (c *FCMClient) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.credential)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected fcm status: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode fcm response: %w", err)
	}
	return nil
}

var (
	_ Gateway      = (*FCMClient)(nil)
	_ TopicGateway = (*FCMClient)(nil)
)
